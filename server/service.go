package server

import (
	"context"
	"encoding/json"
	"reflect"

	"event-rpc/message"

	"github.com/pkg/errors"
)

// ArgumentErrorName is the remote_name of errors raised while decoding call arguments
// for a FuncHandler.
const ArgumentErrorName = "TypeError"

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// FuncHandler adapts an ordinary function to a Handler. Accepted shapes:
//
//	func([ctx context.Context,] p1 T1, p2 T2, ...) (R, error)
//	func([ctx context.Context,] p1 T1, ...) R
//	func([ctx context.Context,] p1 T1, ...) error
//	func([ctx context.Context,] p1 T1, ...)
//
// Positional arguments are JSON-decoded into the parameters. Missing arguments leave a
// parameter at its zero value and extra arguments are ignored.
func FuncHandler(fn any) (Handler, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, errors.Errorf("rpc: handler must be a func, got %T", fn)
	}
	typ := fv.Type()
	if typ.IsVariadic() {
		return nil, errors.Errorf("rpc: variadic handler %s is not supported", typ)
	}

	first := 0
	withCtx := typ.NumIn() > 0 && typ.In(0) == contextType
	if withCtx {
		first = 1
	}
	params := make([]reflect.Type, 0, typ.NumIn()-first)
	for i := first; i < typ.NumIn(); i++ {
		params = append(params, typ.In(i))
	}

	returnsErr := false
	switch typ.NumOut() {
	case 0:
	case 1:
		returnsErr = typ.Out(0) == errorType
	case 2:
		if typ.Out(1) != errorType {
			return nil, errors.Errorf("rpc: second result of %s must be error", typ)
		}
		returnsErr = true
	default:
		return nil, errors.Errorf("rpc: handler %s returns too many values", typ)
	}

	return func(ctx context.Context, args message.Args) (any, error) {
		in := make([]reflect.Value, 0, typ.NumIn())
		if withCtx {
			in = append(in, reflect.ValueOf(&ctx).Elem())
		}
		for i, pt := range params {
			pv := reflect.New(pt)
			if i < len(args) {
				if err := json.Unmarshal(args[i], pv.Interface()); err != nil {
					return nil, message.WithName(ArgumentErrorName, errors.Wrapf(err, "argument %d", i))
				}
			}
			in = append(in, pv.Elem())
		}

		out := fv.Call(in)
		switch {
		case len(out) == 0:
			return nil, nil
		case len(out) == 1 && returnsErr:
			return nil, asError(out[0])
		case len(out) == 1:
			return out[0].Interface(), nil
		}
		if err := asError(out[1]); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
