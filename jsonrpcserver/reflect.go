package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooMuchArguments = errors.New("too much arguments")
	ErrNamedParams      = errors.New("named params need a method with exactly one argument")
	ErrInvalidParams    = errors.New("params must be an array or an object")

	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	in  []reflect.Type
	out []reflect.Type
	fn  reflect.Value
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	in := make([]reflect.Type, fnType.NumIn())
	for i := range in {
		in[i] = fnType.In(i)
	}
	if len(in) == 0 || in[0] != contextType {
		return methodHandler{}, ErrMustHaveContext
	}

	out := make([]reflect.Type, fnType.NumOut())
	for i := range out {
		out[i] = fnType.Out(i)
	}
	if len(out) == 0 || !out[len(out)-1].Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if len(out) > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	return methodHandler{in: in, out: out, fn: reflect.ValueOf(fn)}, nil
}

func (h methodHandler) call(ctx context.Context, params json.RawMessage) (any, error) {
	args, err := decodeParams(h.in[1:], params)
	if err != nil {
		return nil, err
	}

	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var outError error
	if last := results[len(results)-1]; !last.IsNil() {
		errVal, ok := last.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		outError = errVal
	}
	if len(results) == 1 {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// decodeParams accepts positional params as an array, or named params as an object for methods taking a
// single argument. Missing trailing arguments are zero values.
func decodeParams(in []reflect.Type, params json.RawMessage) ([]reflect.Value, error) {
	trimmed := bytes.TrimSpace(params)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return positionalArgs(in, nil)
	case trimmed[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return positionalArgs(in, list)
	case trimmed[0] == '{':
		if len(in) != 1 {
			return nil, ErrNamedParams
		}
		return positionalArgs(in, []json.RawMessage{trimmed})
	default:
		return nil, ErrInvalidParams
	}
}

func positionalArgs(in []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(in) {
		return nil, ErrTooMuchArguments
	}

	args := make([]reflect.Value, len(in))
	for i, argType := range in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, err
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
