package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
	"unicode"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries a caller-supplied request id; it is echoed on HTTP
// responses.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

type logContextKey string

const (
	requestIDKey logContextKey = "request_id"
	loggerKey    logContextKey = "logger"
)

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context,
// falling back to slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID keeps a caller-supplied id when it is short and printable, and
// otherwise mints a new one.
func requestID(supplied string) string {
	if supplied == "" || len(supplied) > maxRequestIDLength {
		return uuid.NewString()
	}
	for _, r := range supplied {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return uuid.NewString()
		}
	}
	return supplied
}

func withRequestLogger(ctx context.Context, logger *slog.Logger, id string) (context.Context, *slog.Logger) {
	reqLogger := logger.With(slog.String("request_id", id))
	ctx = context.WithValue(ctx, requestIDKey, id)
	ctx = context.WithValue(ctx, loggerKey, reqLogger)
	return ctx, reqLogger
}

func durationMillis(d time.Duration) slog.Attr {
	return slog.Float64("duration_ms", float64(d.Nanoseconds())/1e6)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController, which the SSE stream uses to flush.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging logs the start and end of every HTTP request with a
// request ID that is also stored in the context and echoed in the response.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestID(r.Header.Get(RequestIDHeader))
			ctx, reqLogger := withRequestLogger(r.Context(), logger, id)
			w.Header().Set(RequestIDHeader, id)

			reqLogger.InfoContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			reqLogger.InfoContext(ctx, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				durationMillis(time.Since(start)),
			)
		})
	}
}

func grpcRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(RequestIDHeader); len(values) > 0 {
			return requestID(values[0])
		}
	}
	return requestID("")
}

// UnaryRequestLoggingInterceptor logs each unary call with a request ID,
// method, status code and duration.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, reqLogger := withRequestLogger(ctx, logger, grpcRequestID(ctx))
		reqLogger.InfoContext(ctx, "request started", slog.String("method", info.FullMethod))

		start := time.Now()
		resp, err := handler(ctx, req)

		reqLogger.InfoContext(ctx, "request completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", status.Code(err).String()),
			durationMillis(time.Since(start)),
		)
		return resp, err
	}
}

// StreamRequestLoggingInterceptor is the streaming counterpart of
// [UnaryRequestLoggingInterceptor]; the completion line is written when the
// stream ends.
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, reqLogger := withRequestLogger(ss.Context(), logger, grpcRequestID(ss.Context()))
		reqLogger.InfoContext(ctx, "stream started", slog.String("method", info.FullMethod))

		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})

		reqLogger.InfoContext(ctx, "stream completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", status.Code(err).String()),
			durationMillis(time.Since(start)),
		)
		return err
	}
}
