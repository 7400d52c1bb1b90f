// Package middleware holds the layers shared by the formz HTTP and gRPC
// transports: bearer API key authentication, per-IP throttling of failed
// attempts, and request-scoped logging.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
	errNilValidator               = errors.New("token validator is nil")
)

// Identity is the caller a bearer token resolves to.
type Identity struct {
	ProjectID string
	APIKeyID  string
}

// TokenValidator resolves a bearer token to an [Identity].
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Identity, error)
}

// TokenValidatorFunc adapts a function to [TokenValidator].
type TokenValidatorFunc func(ctx context.Context, token string) (Identity, error)

func (f TokenValidatorFunc) ValidateToken(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure, e.g. to increment a Prometheus counter.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles callers that keep failing authentication.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	var cfg authConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// reject records a failed attempt from ip and reports whether the caller is
// still within the failure budget.
func (c authConfig) reject(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return true
	}
	return c.rateLimiter.RecordFailureAndAllow(ip)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers and
// stores the resolved identity in the request context.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if !cfg.reject(ExtractIP(r.RemoteAddr)) {
					w.Header().Set("Retry-After", strconv.Itoa(cfg.rateLimiter.RetryAfterSeconds()))
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithIdentity(r.Context(), identity)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		identity, err := authorizeGRPC(ctx, validator)
		if err != nil {
			return nil, cfg.grpcError(ctx)
		}
		return handler(NewContextWithIdentity(ctx, identity), req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		identity, err := authorizeGRPC(ss.Context(), validator)
		if err != nil {
			return cfg.grpcError(ss.Context())
		}
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          NewContextWithIdentity(ss.Context(), identity),
		})
	}
}

func (c authConfig) grpcError(ctx context.Context) error {
	if !c.reject(extractGRPCPeerIP(ctx)) {
		return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
	}
	return status.Error(codes.Unauthenticated, "unauthorized")
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const identityKey contextKey = "identity"

// NewContextWithIdentity returns a copy of ctx carrying identity.
func NewContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// ProjectIDFromContext returns the authenticated project id.
func ProjectIDFromContext(ctx context.Context) (string, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.ProjectID == "" {
		return "", false
	}
	return identity.ProjectID, true
}

// NewContextWithProjectID returns a copy of ctx authenticated as projectID.
func NewContextWithProjectID(ctx context.Context, projectID string) context.Context {
	identity, _ := IdentityFromContext(ctx)
	identity.ProjectID = projectID
	return NewContextWithIdentity(ctx, identity)
}

// APIKeyIDFromContext returns the id of the API key that authenticated the
// request.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.APIKeyID == "" {
		return "", false
	}
	return identity.APIKeyID, true
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (Identity, error) {
	if validator == nil {
		return Identity{}, errNilValidator
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return Identity{}, errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return Identity{}, err
	}
	return validate(ctx, validator, token)
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (Identity, error) {
	if validator == nil {
		return Identity{}, errNilValidator
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Identity{}, errMissingAuthorizationHeader
	}
	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return Identity{}, errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		if identity, err := validate(ctx, validator, token); err == nil {
			return identity, nil
		}
	}

	return Identity{}, errInvalidAuthorizationHeader
}

func validate(ctx context.Context, validator TokenValidator, token string) (Identity, error) {
	identity, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if strings.TrimSpace(identity.ProjectID) == "" {
		return Identity{}, errInvalidAuthorizationHeader
	}
	return identity, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
