// Package instrument connects producer code to a session tracker: direct
// notifications, tool-call wrappers, a gRPC server interceptor and
// connect/disconnect hooks.
package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/session_tracker/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Notifier accepts captured events. *session.Tracker implements it.
type Notifier interface {
	AddEvent(e session.Event)
}

// Notify forwards e to n. A nil notifier is ignored so instrumented code can
// run without a tracker.
func Notify(n Notifier, e session.Event) {
	if n == nil {
		return
	}
	n.AddEvent(e)
}

// ToolFunc is the shape of a wrapped tool.
type ToolFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// WrapTool returns fn instrumented to emit a tool_call event before the call
// and a tool_response or error event after it, with the measured duration.
// A panic inside fn is recorded as an error event and re-raised.
func WrapTool[In, Out any](n Notifier, name string, fn ToolFunc[In, Out]) ToolFunc[In, Out] {
	return func(ctx context.Context, in In) (out Out, err error) {
		Notify(n, session.NewToolCall(name, in, nil))
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				Notify(n, session.NewError(name, fmt.Errorf("panic: %v", r), "", time.Since(start), nil))
				panic(r)
			}
			if err != nil {
				Notify(n, session.NewError(name, err, "", time.Since(start), nil))
				return
			}
			Notify(n, session.NewToolResponse(name, out, time.Since(start), nil))
		}()

		return fn(ctx, in)
	}
}

// UnaryServerInterceptor records every unary call handled by a gRPC server
// as a tool call named after the full method. Request and response messages
// are captured as payloads; whether they reach the collector is decided by
// the tracker's argument collection setting.
func UnaryServerInterceptor(n Notifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		Notify(n, session.NewToolCall(info.FullMethod, req, nil))

		resp, err := handler(ctx, req)
		if err != nil {
			meta := map[string]any{"grpc_code": status.Code(err).String()}
			Notify(n, session.NewError(info.FullMethod, err, "", time.Since(start), meta))
			return resp, err
		}
		Notify(n, session.NewToolResponse(info.FullMethod, resp, time.Since(start), nil))
		return resp, nil
	}
}

// Lifecycle is the part of a tracker the connection hooks drive.
type Lifecycle interface {
	Start(resourceUUID string, metadata map[string]any) session.Session
	Complete(ctx context.Context)
}

// Hooks starts a session when a client connects and completes it when the
// client disconnects.
type Hooks struct {
	Tracker      Lifecycle
	ResourceUUID string
	Metadata     map[string]any
	// CompleteTimeout bounds the final flush on disconnect. Zero means the
	// caller's context alone decides.
	CompleteTimeout time.Duration
}

// OnConnect starts the session and returns it.
func (h Hooks) OnConnect() session.Session {
	return h.Tracker.Start(h.ResourceUUID, h.Metadata)
}

// OnDisconnect completes the session, flushing buffered events.
func (h Hooks) OnDisconnect(ctx context.Context) {
	if h.CompleteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.CompleteTimeout)
		defer cancel()
	}
	h.Tracker.Complete(ctx)
}
