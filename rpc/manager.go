// Package rpc binds named functions that clients can call remotely, checks
// whether a caller may invoke them and answers each RemoteCallRequest with a
// RemoteCallResponse.
//
// Functions are ordinary Go functions. Each parameter is decoded from one
// JSON argument; a leading context.Context parameter, if present, receives
// the call context, from which CallerFrom recovers the calling client.
// Supported result shapes are (), (T), (error) and (T, error).
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/cyberinferno/go-syncio/callcache"
	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/metrics"
	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/safemap"
)

var (
	ErrInvalidFunction = errors.New("rpc: invalid function")
	ErrAlreadyBound    = errors.New("rpc: name already bound")
	ErrEmptyName       = errors.New("rpc: empty function name")
)

// Caller is the client a request came from.
type Caller interface {
	ID() uuid.UUID
	Send(p packet.Packet) error
}

// AuthFunc decides whether caller may invoke b.
type AuthFunc func(caller Caller, b *Binding) bool

type callerKey struct{}

// CallerFrom returns the client that issued the call handled under ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics records every answered call.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithCache enables result caching for bindings that ask for it.
func WithCache(c callcache.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// Manager holds the bound functions of one server. It is safe for concurrent
// use.
type Manager struct {
	bindings safemap.SafeMap[string, *Binding]

	mu          sync.RWMutex
	defaultAuth AuthFunc

	cache   callcache.Cache
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewManager returns a Manager with no bound functions. Until a default
// policy is set, every caller is authorized.
func NewManager(opts ...Option) *Manager {
	m := &Manager{log: logger.Nop()}
	for _, opt := range opts {
		opt(m)
	}

	m.log = m.log.With(logger.F("component", "rpc"))
	return m
}

// Bind makes fn callable under name.
//
// Parameters:
//   - name: The name clients call the function by
//   - fn: The function; see the package documentation for supported shapes
//   - opts: Per-binding authorization and caching
//
// Returns:
//   - The new binding
//   - ErrEmptyName, ErrInvalidFunction, or ErrAlreadyBound
func (m *Manager) Bind(name string, fn any, opts ...BindOption) (*Binding, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	b, err := newBinding(name, fn)
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(b)
	}

	if _, loaded := m.bindings.LoadOrStore(name, b); loaded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, name)
	}

	m.log.Debug("function bound", logger.F("name", name), logger.F("arity", b.Arity()))
	return b, nil
}

// Unbind removes the function bound under name.
//
// Returns:
//   - true if a function was bound under name
func (m *Manager) Unbind(name string) bool {
	b, ok := m.bindings.Load(name)
	if !ok {
		return false
	}
	return m.bindings.CompareAndDelete(name, b)
}

// Lookup returns the binding registered under name.
func (m *Manager) Lookup(name string) (*Binding, bool) {
	return m.bindings.Load(name)
}

// Names returns the bound function names in unspecified order.
func (m *Manager) Names() []string {
	return m.bindings.Keys()
}

// SetDefaultAuth sets the policy for bindings without one of their own. A
// nil policy authorizes every caller.
func (m *Manager) SetDefaultAuth(fn AuthFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultAuth = fn
}

func (m *Manager) authorize(caller Caller, b *Binding, own AuthFunc) bool {
	if own != nil {
		return own(caller, b)
	}

	m.mu.RLock()
	def := m.defaultAuth
	m.mu.RUnlock()

	return def == nil || def(caller, b)
}

// HandleRequest executes req on behalf of caller and sends the response
// through caller.Send. The response carries the request's CallID.
//
// Returns:
//   - The error from sending the response, if any
func (m *Manager) HandleRequest(ctx context.Context, caller Caller, req *packet.RemoteCallRequest) error {
	start := time.Now()
	resp := m.execute(ctx, caller, req)

	m.metrics.RemoteCall(req.Name, resp.Status.String(), time.Since(start))
	if resp.Status != packet.CallSuccess {
		m.log.Debug("remote call failed",
			logger.F("name", req.Name),
			logger.F("client_id", caller.ID().String()),
			logger.F("status", resp.Status.String()),
			logger.F("reason", resp.Error))
	}

	if err := caller.Send(resp); err != nil {
		return fmt.Errorf("rpc: failed to send response to %s: %w", req.Name, err)
	}

	return nil
}

func (m *Manager) execute(ctx context.Context, caller Caller, req *packet.RemoteCallRequest) *packet.RemoteCallResponse {
	resp := &packet.RemoteCallResponse{CallID: req.CallID, Name: req.Name}

	b, ok := m.bindings.Load(req.Name)
	if !ok {
		resp.Status = packet.CallDoesNotExist
		return resp
	}

	auth, ttl := b.policy()
	if !m.authorize(caller, b, auth) {
		resp.Status = packet.CallNotAuthorized
		return resp
	}

	ctx = context.WithValue(ctx, callerKey{}, caller)

	var result json.RawMessage
	var err error
	if ttl > 0 && m.cache != nil {
		result, err = m.cache.GetOrCompute(ctx, cacheKey(req.Name, req.Args), ttl, func(ctx context.Context) ([]byte, error) {
			return b.invoke(ctx, req.Args)
		})
	} else {
		result, err = b.invoke(ctx, req.Args)
	}

	if err != nil {
		var ce *callError
		if errors.As(err, &ce) {
			resp.Status = ce.status
			resp.Error = ce.msg
		} else {
			resp.Status = packet.CallException
			resp.Error = err.Error()
		}
		return resp
	}

	resp.Status = packet.CallSuccess
	resp.Result = result
	return resp
}

// cacheKey derives a cache key from the function name and its encoded
// arguments. The name is kept readable so that callers can invalidate one
// function's entries by prefix.
func cacheKey(name string, args []json.RawMessage) string {
	d := xxhash.New()
	for _, a := range args {
		_, _ = d.Write(a)
		_, _ = d.Write([]byte{0})
	}

	var sum [8]byte
	return name + ":" + hex.EncodeToString(d.Sum(sum[:0]))
}

// CachePrefix returns the prefix under which results of name are cached.
func CachePrefix(name string) string {
	return name + ":"
}
