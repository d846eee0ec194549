package router

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// Invocation is one capability list or call passing through the
// middleware chain
type Invocation struct {
	SessionID string
	Method    string
	Kind      protocol.CapabilityKind
	// List is set for */list methods; Name and arguments are empty then
	List bool
	// Name is the tool or prompt name, or the resource URI
	Name         string
	RawArguments json.RawMessage

	args    map[string]interface{}
	decoded bool
}

// Arguments decodes the call arguments. Absent or null arguments are an
// empty object; anything other than an object is InvalidParams.
func (inv *Invocation) Arguments() (map[string]interface{}, error) {
	if inv.decoded {
		return inv.args, nil
	}
	raw := bytes.TrimSpace(inv.RawArguments)
	args := map[string]interface{}{}
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' {
			return nil, mcperrors.InvalidParams("arguments", "arguments must be an object")
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, mcperrors.InvalidParams("arguments", "arguments must be an object")
		}
	}
	inv.args = args
	inv.decoded = true
	return args, nil
}

// CallHandler executes an invocation and returns the wire result
type CallHandler func(ctx context.Context, inv *Invocation) (interface{}, error)

// CallMiddleware wraps a CallHandler
type CallMiddleware func(next CallHandler) CallHandler

// Chain composes middleware around h. The first middleware is outermost.
func Chain(h CallHandler, middleware ...CallMiddleware) CallHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// DefaultMiddleware is the standard chain: Recovery, Logging, Timing,
// ErrorNormalization, ArgumentValidation and Timeout, outermost first.
func DefaultMiddleware(logger logging.Logger, metrics observability.MetricsProvider, registry Registry, timeout time.Duration) []CallMiddleware {
	return []CallMiddleware{
		Recovery(logger),
		Logging(logger),
		Timing(metrics),
		ErrorNormalization(),
		ArgumentValidation(registry),
		Timeout(timeout),
	}
}

// Recovery turns a panic below it into a HandlerPanic error
func Recovery(logger logging.Logger) CallMiddleware {
	logger = logging.OrGlobal(logger)
	return func(next CallHandler) CallHandler {
		return func(ctx context.Context, inv *Invocation) (result interface{}, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Capability handler panicked",
						logging.String("method", inv.Method),
						logging.String("capability", inv.Name),
						logging.Any("panic", r),
						logging.String("stack", string(debug.Stack())),
					)
					result, err = nil, mcperrors.HandlerPanic(inv.Method, r)
				}
			}()
			return next(ctx, inv)
		}
	}
}

// Logging logs every invocation at debug level and failures at warn
func Logging(logger logging.Logger) CallMiddleware {
	logger = logging.OrGlobal(logger)
	return func(next CallHandler) CallHandler {
		return func(ctx context.Context, inv *Invocation) (interface{}, error) {
			log := logger.WithContext(ctx).WithFields(
				logging.String("method", inv.Method),
				logging.String("capability", inv.Name),
			)
			log.Debug("Invoking capability")
			start := time.Now()
			result, err := next(ctx, inv)
			if err != nil {
				log.Warn("Capability failed", logging.Duration("duration", time.Since(start)), logging.ErrorField(err))
				return result, err
			}
			log.Debug("Capability completed", logging.Duration("duration", time.Since(start)))
			return result, nil
		}
	}
}

// Timing records the duration and outcome of every invocation
func Timing(metrics observability.MetricsProvider) CallMiddleware {
	metrics = observability.OrNoop(metrics)
	return func(next CallHandler) CallHandler {
		return func(ctx context.Context, inv *Invocation) (interface{}, error) {
			start := time.Now()
			result, err := next(ctx, inv)

			status := "ok"
			if res, ok := result.(*protocol.CallResult); ok && res.IsError {
				status = "tool_error"
			}
			if err != nil {
				status = "error"
			}
			name := inv.Name
			if inv.List {
				name = "list"
			}
			metrics.RecordCapabilityCall(ctx, string(inv.Kind), name, status, time.Since(start))
			return result, err
		}
	}
}

// ErrorNormalization makes every error leaving the chain a structured
// error, so registry failures never reach the client verbatim
func ErrorNormalization() CallMiddleware {
	return func(next CallHandler) CallHandler {
		return func(ctx context.Context, inv *Invocation) (interface{}, error) {
			result, err := next(ctx, inv)
			if err == nil {
				return result, nil
			}
			return nil, normalize(inv, err)
		}
	}
}

func normalize(inv *Invocation, err error) error {
	if _, ok := mcperrors.AsMCPError(err); ok {
		return err
	}
	var rpcErr *protocol.Error
	if stderrors.As(err, &rpcErr) && rpcErr.Code.Valid() {
		return err
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return mcperrors.WrapError(err, mcperrors.CodeTimeout, "request timed out", mcperrors.CategoryTimeout, mcperrors.SeverityError)
	case stderrors.Is(err, context.Canceled):
		return mcperrors.RequestCancelled("", "context cancelled")
	}
	return mcperrors.Internal(fmt.Sprintf("%s %s", inv.Method, inv.Name), err)
}

// ArgumentValidation rejects calls to capabilities the registry does not
// list, arguments that are not an object and calls missing a required
// argument
func ArgumentValidation(registry Registry) CallMiddleware {
	if registry == nil {
		registry = emptyRegistry{}
	}
	return func(next CallHandler) CallHandler {
		return func(ctx context.Context, inv *Invocation) (interface{}, error) {
			if inv.List {
				return next(ctx, inv)
			}
			capability, err := findCapability(ctx, registry, inv.Kind, inv.Name)
			if err != nil {
				return nil, err
			}
			if capability == nil {
				return nil, unknownCapability(inv.Kind, inv.Name)
			}
			args, err := inv.Arguments()
			if err != nil {
				return nil, err
			}
			for _, name := range capability.RequiredArguments() {
				if _, ok := args[name]; !ok {
					return nil, mcperrors.InvalidParamsf("arguments."+name, "missing required argument: %s", name)
				}
			}
			return next(ctx, inv)
		}
	}
}

// Timeout bounds an invocation. A handler that ignores its context keeps
// running in the background but the caller gets a Timeout error on time.
func Timeout(limit time.Duration) CallMiddleware {
	return func(next CallHandler) CallHandler {
		if limit <= 0 {
			return next
		}
		return func(ctx context.Context, inv *Invocation) (interface{}, error) {
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			type outcome struct {
				result interface{}
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{err: mcperrors.HandlerPanic(inv.Method, r)}
					}
				}()
				result, err := next(ctx, inv)
				done <- outcome{result, err}
			}()

			select {
			case out := <-done:
				if out.err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, mcperrors.Timeout(inv.Method, limit)
				}
				return out.result, out.err
			case <-ctx.Done():
				if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, mcperrors.Timeout(inv.Method, limit)
				}
				return nil, mcperrors.RequestCancelled("", ctx.Err().Error())
			}
		}
	}
}

// invokeRegistry is the end of the chain
func invokeRegistry(registry Registry) CallHandler {
	if registry == nil {
		registry = emptyRegistry{}
	}
	return func(ctx context.Context, inv *Invocation) (interface{}, error) {
		if inv.List {
			items, err := registry.List(ctx, inv.Kind)
			if err != nil {
				return nil, err
			}
			return protocol.MakeCapabilityListResult(inv.Kind, items), nil
		}
		args, err := inv.Arguments()
		if err != nil {
			return nil, err
		}
		res, err := registry.Call(ctx, inv.Kind, inv.Name, args)
		if err != nil {
			return nil, err
		}
		return protocol.MakeCallResult(inv.Kind, inv.Name, res), nil
	}
}
