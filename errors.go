package dispatch

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAdmissionRejected is reported through a unary call's completion when the
// concurrent stream ceiling has been reached. It is never retried internally;
// retry policy belongs to the caller.
var ErrAdmissionRejected = status.Error(codes.Unavailable, "server busy: concurrent stream limit reached")

// ErrShuttingDown is reported for calls that arrive after shutdown has been
// initiated.
var ErrShuttingDown = status.Error(codes.Unavailable, "server is shutting down")

// ErrStreamTimeout terminates streams that exceed the configured lifetime.
var ErrStreamTimeout = status.Error(codes.DeadlineExceeded, "stream exceeded configured lifetime")

// ErrNoConnFactory is returned by ConnPool.Get when the pool was built
// without a connection factory and has no idle connection to hand out.
var ErrNoConnFactory = status.Error(codes.FailedPrecondition, "no connection factory configured")
