package dispatch

import (
	"strings"

	"github.com/fullstorydev/grpchan"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RouteTable maps declared method paths onto route bindings. Services are
// registered once at startup; resolution derives each method's interaction
// pattern from its descriptor at that point, so calls never have to infer it
// from transport capability flags.
type RouteTable struct {
	handlers   grpchan.HandlerMap
	middleware []Middleware
}

// NewRouteTable returns an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{handlers: grpchan.HandlerMap{}}
}

var _ grpc.ServiceRegistrar = (*RouteTable)(nil)

// RegisterService records the given service's methods and streams.
func (rt *RouteTable) RegisterService(desc *grpc.ServiceDesc, srv interface{}) {
	rt.handlers.RegisterService(desc, srv)
}

// Use appends middleware composed around every resolved binding's handler.
func (rt *RouteTable) Use(mw ...Middleware) {
	rt.middleware = append(rt.middleware, mw...)
}

// Resolve returns the binding for a full method name such as
// "/service/method". Unknown services and methods resolve to Unimplemented;
// malformed names to InvalidArgument.
func (rt *RouteTable) Resolve(fullMethod string) (*RouteBinding, error) {
	name := strings.TrimPrefix(fullMethod, "/")
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return nil, status.Errorf(codes.InvalidArgument, "%s is not a well-formed method name", fullMethod)
	}

	sd, svc := rt.handlers.QueryService(parts[0])
	if sd == nil {
		return nil, status.Errorf(codes.Unimplemented, "%s not implemented", fullMethod)
	}

	for i := range sd.Methods {
		if sd.Methods[i].MethodName == parts[1] {
			return rt.binding(sd, svc, parts[1], Unary), nil
		}
	}
	for i := range sd.Streams {
		if sd.Streams[i].StreamName == parts[1] {
			return rt.binding(sd, svc, parts[1], PatternForStreamDesc(&sd.Streams[i])), nil
		}
	}
	return nil, status.Errorf(codes.Unimplemented, "%s not implemented", fullMethod)
}

func (rt *RouteTable) binding(sd *grpc.ServiceDesc, svc interface{}, method string, pattern Pattern) *RouteBinding {
	return &RouteBinding{
		Target:     sd.ServiceName,
		Controller: func() any { return svc },
		Method:     method,
		Pattern:    pattern,
		Middleware: rt.middleware,
	}
}
