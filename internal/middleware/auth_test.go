package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		validator     *testTokenValidator
		wantStatus    int
		wantValidator bool
	}{
		{
			name:       "missing token",
			validator:  &testTokenValidator{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:          "invalid token",
			header:        "Bearer bad",
			validator:     &testTokenValidator{expectedToken: "expected", projectID: "proj-123"},
			wantStatus:    http.StatusUnauthorized,
			wantValidator: true,
		},
		{
			name:       "non-bearer scheme",
			header:     "Basic bad",
			validator:  &testTokenValidator{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:          "validator returns no project",
			header:        "Bearer good",
			validator:     &testTokenValidator{expectedToken: "good"},
			wantStatus:    http.StatusUnauthorized,
			wantValidator: true,
		},
		{
			name:          "valid token",
			header:        "bearer good",
			validator:     &testTokenValidator{expectedToken: "good", projectID: "proj-123", keyID: "key-1"},
			wantStatus:    http.StatusNoContent,
			wantValidator: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextCalled := false
			handler := HTTPBearerAuthMiddleware(tt.validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				if pid, ok := ProjectIDFromContext(r.Context()); !ok || pid != "proj-123" {
					t.Errorf("ProjectIDFromContext = %q, %v; want proj-123, true", pid, ok)
				}
				if keyID, ok := APIKeyIDFromContext(r.Context()); !ok || keyID != "key-1" {
					t.Errorf("APIKeyIDFromContext = %q, %v; want key-1, true", keyID, ok)
				}
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if nextCalled != (tt.wantStatus == http.StatusNoContent) {
				t.Fatalf("next called = %t, want %t", nextCalled, !nextCalled)
			}
			if tt.validator.called != tt.wantValidator {
				t.Fatalf("validator called = %t, want %t", tt.validator.called, tt.wantValidator)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
					t.Fatalf("WWW-Authenticate = %q, want Bearer", got)
				}
			}
		})
	}
}

func TestHTTPBearerAuthMiddlewareNilValidator(t *testing.T) {
	handler := HTTPBearerAuthMiddleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("next handler must not run without a validator")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHTTPBearerAuthMiddlewareRateLimitsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2)
	defer rl.Stop()

	failures := 0
	handler := HTTPBearerAuthMiddleware(&testTokenValidator{expectedToken: "good", projectID: "p"},
		WithRateLimiter(rl),
		WithOnAuthFailure(func() { failures++ }),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	var statuses []int
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "30" {
			t.Fatalf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
		}
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status codes = %v, want %v", statuses, want)
		}
	}
	if failures != 3 {
		t.Fatalf("auth failure callbacks = %d, want 3", failures)
	}
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		handlerCalled := false

		_, err := UnaryBearerAuthInterceptor(validator)(context.Background(), struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled || validator.called {
			t.Fatalf("handler called = %t, validator called = %t; want neither", handlerCalled, validator.called)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected", projectID: "p"}
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad"))

		_, err := UnaryBearerAuthInterceptor(validator)(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			t.Fatal("expected handler not to be called")
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("second authorization value may succeed", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", projectID: "proj-123"}
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
			"authorization", "Basic nope",
			"authorization", "Bearer good",
		))

		_, err := UnaryBearerAuthInterceptor(validator)(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", projectID: "proj-123", keyID: "key-1"}
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))

		res, err := UnaryBearerAuthInterceptor(validator)(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
			identity, ok := IdentityFromContext(ctx)
			if !ok || identity != (Identity{ProjectID: "proj-123", APIKeyID: "key-1"}) {
				return nil, status.Errorf(codes.Internal, "IdentityFromContext = %#v, %v", identity, ok)
			}
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if res != "ok" {
			t.Fatalf("expected response %q, got %#v", "ok", res)
		}
	})

	t.Run("rate limited peer", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rl := NewRateLimiter(ctx, 1)
		defer rl.Stop()

		interceptor := UnaryBearerAuthInterceptor(&testTokenValidator{expectedToken: "good", projectID: "p"}, WithRateLimiter(rl))
		callCtx := peer.NewContext(
			metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad")),
			&peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.4"), Port: 4000}},
		)

		noop := func(context.Context, any) (any, error) { return nil, nil }
		if _, err := interceptor(callCtx, nil, &grpc.UnaryServerInfo{}, noop); status.Code(err) != codes.Unauthenticated {
			t.Fatalf("first failure code = %v, want Unauthenticated", status.Code(err))
		}
		if _, err := interceptor(callCtx, nil, &grpc.UnaryServerInfo{}, noop); status.Code(err) != codes.ResourceExhausted {
			t.Fatalf("second failure code = %v, want ResourceExhausted", status.Code(err))
		}
	})
}

func TestStreamBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		err := StreamBearerAuthInterceptor(validator)(nil, bearerStream(""), &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			t.Fatal("expected handler not to be called")
			return nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("valid token exposes identity on the stream", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", projectID: "proj-123", keyID: "key-1"}

		handlerCalled := false
		err := StreamBearerAuthInterceptor(validator)(nil, bearerStream("good"), &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
			handlerCalled = true
			if pid, ok := ProjectIDFromContext(ss.Context()); !ok || pid != "proj-123" {
				t.Errorf("ProjectIDFromContext = %q, %v; want proj-123, true", pid, ok)
			}
			return nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !handlerCalled {
			t.Fatal("expected handler to be called")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected", projectID: "p"}

		err := StreamBearerAuthInterceptor(validator)(nil, bearerStream("bad"), &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			t.Fatal("expected handler not to be called")
			return nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ProjectIDFromContext(ctx); ok {
		t.Fatal("ProjectIDFromContext(empty) ok = true, want false")
	}

	ctx = NewContextWithIdentity(ctx, Identity{APIKeyID: "key-1"})
	ctx = NewContextWithProjectID(ctx, "proj-9")

	if pid, ok := ProjectIDFromContext(ctx); !ok || pid != "proj-9" {
		t.Fatalf("ProjectIDFromContext = %q, %v; want proj-9, true", pid, ok)
	}
	if keyID, ok := APIKeyIDFromContext(ctx); !ok || keyID != "key-1" {
		t.Fatalf("APIKeyIDFromContext = %q, %v; want key-1 kept, true", keyID, ok)
	}
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	lookup := &testAPIKeyLookup{keys: map[string][2]string{"key-1": {hash, "proj-1"}}}
	validator := NewAPIKeyValidator(lookup)

	tests := []struct {
		name    string
		token   string
		want    Identity
		wantErr bool
	}{
		{name: "valid", token: FormatAPIKey("key-1", "s3cret"), want: Identity{ProjectID: "proj-1", APIKeyID: "key-1"}},
		{name: "wrong secret", token: "key-1.nope", wantErr: true},
		{name: "unknown key", token: "key-2.s3cret", wantErr: true},
		{name: "no separator", token: "key-1", wantErr: true},
		{name: "empty secret", token: "key-1.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validator.ValidateToken(context.Background(), tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken(%q) error = %v, wantErr %t", tt.token, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ValidateToken(%q) = %#v, want %#v", tt.token, got, tt.want)
			}
		})
	}
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v, want nil", err)
	}
	if !APIKeyMatchesHash(hash, "secret") {
		t.Fatal("expected API key to match hash")
	}
	if APIKeyMatchesHash(hash, "wrong") {
		t.Fatal("expected API key mismatch")
	}
	if APIKeyMatchesHash("not-a-hash", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

func TestTokenValidatorFunc(t *testing.T) {
	validator := TokenValidatorFunc(func(_ context.Context, token string) (Identity, error) {
		if token != "ok" {
			return Identity{}, errors.New("nope")
		}
		return Identity{ProjectID: "p"}, nil
	})

	if identity, err := validator.ValidateToken(context.Background(), "ok"); err != nil || identity.ProjectID != "p" {
		t.Fatalf("ValidateToken(ok) = %#v, %v", identity, err)
	}
	if _, err := validator.ValidateToken(context.Background(), "bad"); err == nil {
		t.Fatal("ValidateToken(bad) error = nil, want error")
	}
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	projectID     string
	keyID         string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (Identity, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return Identity{}, v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return Identity{}, errors.New("invalid token")
	}
	return Identity{ProjectID: v.projectID, APIKeyID: v.keyID}, nil
}

type testAPIKeyLookup struct {
	keys map[string][2]string
}

func (l *testAPIKeyLookup) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	entry, ok := l.keys[id]
	if !ok {
		return "", "", errors.New("no rows")
	}
	return entry[0], entry[1], nil
}
