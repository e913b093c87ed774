// Package dbutil holds helpers shared by the storage drivers: privacy-aware
// parameter summaries for error messages and transient-failure detection.
package dbutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"
)

// ParamSummary describes a parameter without leaking its value.
//
//   - name=null for nil and nil pointers
//   - name=empty for empty strings
//   - name=len=N for strings, slices, arrays and maps
//   - name=V for numbers and booleans
//   - name=zero-time / name=non-zero-time for time.Time
func ParamSummary(name string, v any) string {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return name + "=null"
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return name + "=null"
		}
		rv = rv.Elem()
	}
	if t, ok := rv.Interface().(time.Time); ok {
		if t.IsZero() {
			return name + "=zero-time"
		}
		return name + "=non-zero-time"
	}
	switch rv.Kind() {
	case reflect.String:
		if rv.Len() == 0 {
			return name + "=empty"
		}
		return fmt.Sprintf("%s=len=%d", name, rv.Len())
	case reflect.Slice, reflect.Array, reflect.Map:
		return fmt.Sprintf("%s=len=%d", name, rv.Len())
	case reflect.Bool:
		return fmt.Sprintf("%s=%t", name, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%s=%d", name, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%s=%d", name, rv.Uint())
	case reflect.Float32, reflect.Float64:
		return fmt.Sprintf("%s=%g", name, rv.Float())
	default:
		return fmt.Sprintf("%s=%s", name, rv.Kind().String())
	}
}

// ErrWrap labels err with an operation and optional summaries.
// Example: ErrWrap("turn.append", err, ParamSummary("conversation", id))
func ErrWrap(op string, err error, parts ...string) error {
	if err == nil {
		return nil
	}
	if len(parts) == 0 {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w; %s", op, err, strings.Join(parts, ","))
}

// IsTransient reports whether err is a deadline, cancellation or network
// timeout rather than a data-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
