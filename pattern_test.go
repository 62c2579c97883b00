package dispatch

import (
	"testing"

	"google.golang.org/grpc"
)

type caps struct {
	readable, writable bool
}

func (c caps) Readable() bool { return c.readable }
func (c caps) Writable() bool { return c.writable }

func TestClassify(t *testing.T) {
	testCases := []struct {
		readable, writable bool
		want               Pattern
	}{
		{false, false, Unary},
		{false, true, ServerStreaming},
		{true, false, ClientStreaming},
		{true, true, Bidirectional},
	}
	for _, tc := range testCases {
		got := Classify(caps{tc.readable, tc.writable})
		if got != tc.want {
			t.Errorf("Classify(readable=%v, writable=%v) = %v; want %v", tc.readable, tc.writable, got, tc.want)
		}
	}
}

func TestPatternForStreamDesc(t *testing.T) {
	testCases := []struct {
		desc grpc.StreamDesc
		want Pattern
	}{
		{grpc.StreamDesc{}, Unary},
		{grpc.StreamDesc{ServerStreams: true}, ServerStreaming},
		{grpc.StreamDesc{ClientStreams: true}, ClientStreaming},
		{grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, Bidirectional},
	}
	for _, tc := range testCases {
		if got := PatternForStreamDesc(&tc.desc); got != tc.want {
			t.Errorf("PatternForStreamDesc(%+v) = %v; want %v", tc.desc, got, tc.want)
		}
	}
}

func TestPatternString(t *testing.T) {
	if got := Pattern(0).String(); got != "undeclared" {
		t.Errorf("zero pattern = %q; want undeclared", got)
	}
	if got := Bidirectional.String(); got != "bidirectional" {
		t.Errorf("Bidirectional = %q", got)
	}
}
