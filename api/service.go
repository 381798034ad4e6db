package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Methods scans the exported methods of rcvr and returns a Handler per method
// with one of these shapes:
//
//	func (ctx context.Context) (R, error)
//	func (ctx context.Context, args A) (R, error)
//
// A is decoded from params with encoding/json; it may be a pointer. Methods of
// any other shape are skipped. Keys are the method names with the first letter
// lower-cased, the way domain methods are spelled on the wire.
func Methods(rcvr any) (map[string]Handler, error) {
	if rcvr == nil {
		return nil, errors.New("receiver is nil")
	}
	val := reflect.ValueOf(rcvr)
	typ := val.Type()

	handlers := make(map[string]Handler)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		mt := method.Type
		// In(0) is the receiver
		if mt.NumIn() < 2 || mt.NumIn() > 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.Out(1) != errorType {
			continue
		}

		var argType reflect.Type
		if mt.NumIn() == 3 {
			argType = mt.In(2)
		}
		handlers[lowerFirst(method.Name)] = bind(val.Method(i), method.Name, argType)
	}

	if len(handlers) == 0 {
		return nil, fmt.Errorf("%s has no exported method of a handler shape", typ)
	}
	return handlers, nil
}

func bind(fn reflect.Value, name string, argType reflect.Type) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		in := []reflect.Value{reflect.ValueOf(ctx)}
		if argType != nil {
			argv, err := decodeArg(argType, params)
			if err != nil {
				return nil, fmt.Errorf("%s: decode params: %w", name, err)
			}
			in = append(in, argv)
		}

		out := fn.Call(in)
		if errv := out[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return out[0].Interface(), nil
	}
}

func decodeArg(t reflect.Type, params json.RawMessage) (reflect.Value, error) {
	isPtr := t.Kind() == reflect.Pointer
	elem := t
	if isPtr {
		elem = t.Elem()
	}

	argv := reflect.New(elem)
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, argv.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	if isPtr {
		return argv, nil
	}
	return argv.Elem(), nil
}
