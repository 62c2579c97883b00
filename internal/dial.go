package internal

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// ReadyDial dials addr and blocks until the resulting gRPC client connection
// reports ready. If ctx finishes first, the connection is closed and the
// context's error returned.
func ReadyDial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	cc.Connect()
	for {
		state := cc.GetState()
		if state == connectivity.Ready {
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, state) {
			_ = cc.Close()
			return nil, ctx.Err()
		}
	}
}
