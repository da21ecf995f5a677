// Package rpc forwards calls between WebSocket connections: one connection
// registers a method name, others invoke it, and the registry correlates the
// request frame with the registrant's response under a bounded deadline.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remcli/remcli/pkg/wire"
)

// DefaultCallTimeout bounds how long a caller waits for the registrant to
// answer.
const DefaultCallTimeout = 30 * time.Second

var (
	ErrMethodTaken   = errors.New("method already registered by another connection")
	ErrNotRegistered = errors.New("method not registered by this connection")
)

// Endpoint is a connection that can receive rpc-request frames. Send must not
// block; it reports whether the frame was accepted.
type Endpoint interface {
	Send(frame wire.Frame) bool
}

// Registry maps method names to owning endpoints and tracks in-flight calls.
type Registry struct {
	logger      *slog.Logger
	callTimeout time.Duration

	mu       sync.Mutex
	bindings map[string]Endpoint
	owned    map[Endpoint]map[string]struct{}
	waiters  map[string]chan wire.RPCCallResult
}

// NewRegistry creates a Registry with the default call timeout.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger.With("component", "rpc"),
		callTimeout: DefaultCallTimeout,
		bindings:    make(map[string]Endpoint),
		owned:       make(map[Endpoint]map[string]struct{}),
		waiters:     make(map[string]chan wire.RPCCallResult),
	}
}

// SetCallTimeout overrides the per-call deadline. Intended for tests.
func (r *Registry) SetCallTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callTimeout = d
}

// Register binds method to conn. A method may have at most one owner; while a
// binding is live a register from another connection fails. Re-registering
// from the same connection is a no-op.
func (r *Registry) Register(method string, conn Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.bindings[method]; ok {
		if owner == conn {
			return nil
		}
		return ErrMethodTaken
	}
	r.bindings[method] = conn
	if r.owned[conn] == nil {
		r.owned[conn] = make(map[string]struct{})
	}
	r.owned[conn][method] = struct{}{}
	r.logger.Debug("method registered", "method", method)
	return nil
}

// Unregister releases a binding. Fails if the method is unbound or owned by a
// different connection.
func (r *Registry) Unregister(method string, conn Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.bindings[method]; !ok || owner != conn {
		return ErrNotRegistered
	}
	delete(r.bindings, method)
	delete(r.owned[conn], method)
	r.logger.Debug("method unregistered", "method", method)
	return nil
}

// Methods returns the currently bound method names.
func (r *Registry) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.bindings))
	for m := range r.bindings {
		out = append(out, m)
	}
	return out
}

// Call forwards params to the owner of method and waits for its correlated
// response. An absent binding, a dead endpoint, the deadline, or ctx
// cancellation all produce an {ok:false, error} result rather than an error
// return; call outcomes always travel in-band.
func (r *Registry) Call(ctx context.Context, method string, params json.RawMessage) wire.RPCCallResult {
	r.mu.Lock()
	owner, ok := r.bindings[method]
	if !ok {
		r.mu.Unlock()
		return wire.RPCCallResult{OK: false, Error: fmt.Sprintf("no handler registered for method %q", method)}
	}

	callID := uuid.New().String()
	waiter := make(chan wire.RPCCallResult, 1)
	r.waiters[callID] = waiter
	timeout := r.callTimeout
	r.mu.Unlock()

	frame, err := wire.NewFrame(wire.TypeRPCRequest, callID, wire.RPCRequest{Method: method, Params: params})
	if err != nil {
		r.dropWaiter(callID)
		return wire.RPCCallResult{OK: false, Error: fmt.Sprintf("encode request: %v", err)}
	}
	if !owner.Send(frame) {
		r.dropWaiter(callID)
		return wire.RPCCallResult{OK: false, Error: fmt.Sprintf("handler for %q is unreachable", method)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-waiter:
		return result
	case <-timer.C:
		r.dropWaiter(callID)
		r.logger.Warn("rpc call timed out", "method", method)
		return wire.RPCCallResult{OK: false, Error: fmt.Sprintf("call to %q timed out after %s", method, timeout)}
	case <-ctx.Done():
		r.dropWaiter(callID)
		return wire.RPCCallResult{OK: false, Error: ctx.Err().Error()}
	}
}

// Resolve completes an in-flight call with the registrant's response frame.
// Returns false if the call id is unknown (already timed out or resolved).
func (r *Registry) Resolve(callID string, result wire.RPCCallResult) bool {
	r.mu.Lock()
	waiter, ok := r.waiters[callID]
	if ok {
		delete(r.waiters, callID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	waiter <- result
	return true
}

// DropEndpoint removes every binding owned by conn, returning the released
// method names so the caller can announce them. In-flight calls to those
// methods still run out their deadline.
func (r *Registry) DropEndpoint(conn Endpoint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	methods := make([]string, 0, len(r.owned[conn]))
	for m := range r.owned[conn] {
		delete(r.bindings, m)
		methods = append(methods, m)
	}
	delete(r.owned, conn)

	if len(methods) > 0 {
		r.logger.Debug("endpoint dropped", "methods", methods)
	}
	return methods
}

func (r *Registry) dropWaiter(callID string) {
	r.mu.Lock()
	delete(r.waiters, callID)
	r.mu.Unlock()
}
