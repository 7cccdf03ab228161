package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cyberinferno/go-syncio/packet"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// BindOption configures a Binding at bind time.
type BindOption func(*Binding)

// WithAuth sets the binding's authorization policy.
func WithAuth(fn AuthFunc) BindOption {
	return func(b *Binding) {
		b.auth = fn
	}
}

// WithCacheTTL caches successful results for ttl. It only has an effect when
// the Manager was created with a cache.
func WithCacheTTL(ttl time.Duration) BindOption {
	return func(b *Binding) {
		b.cacheTTL = ttl
	}
}

// Binding is a named function callable by clients.
type Binding struct {
	name string
	fn   reflect.Value

	withContext bool
	params      []reflect.Type
	withResult  bool
	withError   bool

	mu       sync.RWMutex
	auth     AuthFunc
	cacheTTL time.Duration
}

func newBinding(name string, fn any) (*Binding, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil function", ErrInvalidFunction)
	}

	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s is not a function", ErrInvalidFunction, t)
	}

	if t.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic functions are not supported", ErrInvalidFunction)
	}

	b := &Binding{name: name, fn: v}

	for i := 0; i < t.NumIn(); i++ {
		in := t.In(i)
		if i == 0 && in == contextType {
			b.withContext = true
			continue
		}

		if in == contextType {
			return nil, fmt.Errorf("%w: context.Context must be the first parameter", ErrInvalidFunction)
		}

		b.params = append(b.params, in)
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			b.withError = true
		} else {
			b.withResult = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("%w: second result must be error", ErrInvalidFunction)
		}
		b.withResult = true
		b.withError = true
	default:
		return nil, fmt.Errorf("%w: at most two results are supported", ErrInvalidFunction)
	}

	return b, nil
}

// Name returns the name the function was bound under.
func (b *Binding) Name() string {
	return b.name
}

// Arity returns the number of arguments a caller must supply.
func (b *Binding) Arity() int {
	return len(b.params)
}

// SetAuth replaces the binding's authorization policy. A nil policy falls
// back to the manager's default.
func (b *Binding) SetAuth(fn AuthFunc) *Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = fn
	return b
}

// CacheFor caches successful results for ttl; zero disables caching.
func (b *Binding) CacheFor(ttl time.Duration) *Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cacheTTL = ttl
	return b
}

func (b *Binding) policy() (AuthFunc, time.Duration) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.auth, b.cacheTTL
}

// callError carries a non-success status out of invoke.
type callError struct {
	status packet.CallStatus
	msg    string
}

func (e *callError) Error() string {
	return fmt.Sprintf("%s: %s", e.status, e.msg)
}

// invoke decodes args, calls the function and encodes its result. Panics in
// the function are recovered and reported as CallException.
func (b *Binding) invoke(ctx context.Context, args []json.RawMessage) (result json.RawMessage, err error) {
	if len(args) != len(b.params) {
		return nil, &callError{
			status: packet.CallInvalidParameters,
			msg:    fmt.Sprintf("expected %d arguments, got %d", len(b.params), len(args)),
		}
	}

	in := make([]reflect.Value, 0, len(b.params)+1)
	if b.withContext {
		in = append(in, reflect.ValueOf(ctx))
	}

	for i, pt := range b.params {
		arg := reflect.New(pt)
		if err := json.Unmarshal(args[i], arg.Interface()); err != nil {
			return nil, &callError{
				status: packet.CallInvalidParameters,
				msg:    fmt.Sprintf("argument %d: %v", i, err),
			}
		}
		in = append(in, arg.Elem())
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &callError{status: packet.CallException, msg: fmt.Sprintf("panic: %v", r)}
		}
	}()

	out := b.fn.Call(in)

	if b.withError {
		if e, _ := out[len(out)-1].Interface().(error); e != nil {
			return nil, &callError{status: packet.CallException, msg: e.Error()}
		}
	}

	if !b.withResult {
		return nil, nil
	}

	encoded, mErr := json.Marshal(out[0].Interface())
	if mErr != nil {
		return nil, &callError{status: packet.CallException, msg: fmt.Sprintf("encode result: %v", mErr)}
	}

	return encoded, nil
}
