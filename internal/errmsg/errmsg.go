// Package errmsg turns arbitrary failure values into text and errors.
//
// Both functions are total: they never panic and always return, whatever
// the input, so they are safe to use on error paths and in recover blocks.
package errmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// UnknownMessage is returned by Message for a nil value.
const UnknownMessage = "Unknown error occurred"

// ErrUnknown is returned by Error for a nil value.
var ErrUnknown = errors.New("unknown error")

type messager interface {
	Message() string
}

// Message returns a human-readable message for v. In order of preference:
// nil yields UnknownMessage, an error its Error text, a value exposing a
// string message its message, a string itself, then the JSON encoding of v,
// then a plain formatting of v.
func Message(v any) (msg string) {
	if v == nil {
		return UnknownMessage
	}
	defer func() {
		if r := recover(); r != nil {
			msg = fallback(v)
		}
	}()
	if m, ok := messageOf(v); ok {
		return m
	}
	if s, ok := v.(string); ok {
		return s
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fallback(v)
}

// Error returns v as an error. Errors are returned unchanged, nil becomes
// ErrUnknown and anything else is wrapped using Message.
func Error(v any) error {
	if v == nil {
		return ErrUnknown
	}
	if err, ok := v.(error); ok {
		return err
	}
	return errors.New(Message(v))
}

// messageOf extracts a message from errors, Message() methods, maps with a
// string "message" key, and structs with a string Message field.
func messageOf(v any) (string, bool) {
	switch t := v.(type) {
	case error:
		return t.Error(), true
	case messager:
		return t.Message(), true
	case map[string]any:
		m, ok := t["message"].(string)
		return m, ok
	case map[string]string:
		m, ok := t["message"]
		return m, ok
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return "", false
	}
	f := rv.FieldByName("Message")
	if !f.IsValid() || f.Kind() != reflect.String || !f.CanInterface() {
		return "", false
	}
	return f.String(), true
}

// fallback formats v without following references, so it terminates on
// self-referencing values that defeat JSON encoding.
func fallback(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("%T", v)
		}
	}()
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct,
		reflect.Pointer, reflect.Interface:
		return fmt.Sprintf("%T", v)
	}
	return fmt.Sprintf("%v", v)
}
