package uagent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/fogfish/opts"
	"github.com/zycelium/uagent/codec"
)

// DefaultTimeout is the advisory budget of handlers registered without one.
const DefaultTimeout = 10 * time.Second

// LifecycleFunc handles start, stop, connect and disconnect.
type LifecycleFunc func(ctx context.Context) error

// EventFunc handles a message whose topic matched the registered pattern.
type EventFunc func(ctx context.Context, msg Message) error

// IntervalFunc runs periodically.
type IntervalFunc func(ctx context.Context) error

// ErrorFunc handles an error routed to the error chain.
type ErrorFunc func(ctx context.Context, err error) error

// Message is an inbound event as seen by an EventFunc.
type Message struct {
	// Topic is the logical topic the message arrived on.
	Topic string
	// Pattern is the registered pattern that matched Topic.
	Pattern string
	// Fields is the decoded payload; empty when the payload did not decode.
	// Every handler gets its own copy of the top-level map.
	Fields codec.Fields
}

type handlerSpec struct {
	name    string
	timeout time.Duration
	kinds   []func(error) bool
	message string
}

// HandlerOption configures a handler at registration.
type HandlerOption = opts.Option[handlerSpec]

var (
	// Timeout sets the advisory time budget of a handler. Exceeding it logs a
	// warning; the handler is never interrupted. Zero disables the check.
	Timeout = opts.ForName[handlerSpec, time.Duration]("timeout")

	// Named sets the handler name used in logs. Defaults to the function name.
	Named = opts.ForName[handlerSpec, string]("name")

	// ErrorMessage restricts an error handler to errors whose message equals
	// msg exactly.
	ErrorMessage = opts.ForName[handlerSpec, string]("message")
)

// ErrorKind restricts an error handler to errors matching target with
// errors.Is. Several kinds combine as alternatives. A nil target adds no
// restriction.
func ErrorKind(target error) HandlerOption {
	return opts.Type[handlerSpec](func(h *handlerSpec) error {
		if target != nil {
			h.kinds = append(h.kinds, func(err error) bool { return errors.Is(err, target) })
		}
		return nil
	})
}

// ErrorType restricts an error handler to errors for which errors.As finds a
// T in the chain.
func ErrorType[T error]() HandlerOption {
	return opts.Type[handlerSpec](func(h *handlerSpec) error {
		h.kinds = append(h.kinds, func(err error) bool {
			var target T
			return errors.As(err, &target)
		})
		return nil
	})
}

func newSpec(fn any, timeout time.Duration, options []HandlerOption) handlerSpec {
	if v := reflect.ValueOf(fn); !v.IsValid() || v.IsNil() {
		panic("uagent: nil handler")
	}
	spec := handlerSpec{timeout: timeout}
	if err := opts.Apply(&spec, options); err != nil {
		panic(err)
	}
	if spec.name == "" {
		spec.name = funcName(fn)
	}
	return spec
}

// accepts reports whether an error handler is eligible for err.
func (h handlerSpec) accepts(err error) bool {
	if len(h.kinds) > 0 {
		matched := false
		for _, kind := range h.kinds {
			if kind(err) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return h.message == "" || h.message == err.Error()
}

func (h handlerSpec) exceeded(took time.Duration) bool {
	return h.timeout > 0 && took > h.timeout
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return fmt.Sprintf("%T", fn)
}

// PanicError is routed to the error chain when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// invoke runs fn and turns a panic into a *PanicError.
func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
