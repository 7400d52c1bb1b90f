package middleware

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

// bearerStream returns a server stream whose incoming metadata carries the
// given bearer token. An empty token yields a stream with no metadata.
func bearerStream(token string) *testServerStream {
	if token == "" {
		return &testServerStream{ctx: context.Background()}
	}
	md := metadata.Pairs("authorization", "Bearer "+token)
	return &testServerStream{ctx: metadata.NewIncomingContext(context.Background(), md)}
}
