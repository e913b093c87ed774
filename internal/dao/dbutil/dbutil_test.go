package dbutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParamSummary(t *testing.T) {
	var nilPtr *string
	s := "secret"
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "p=null"},
		{"nil pointer", nilPtr, "p=null"},
		{"empty", "", "p=empty"},
		{"string", "alice", "p=len=5"},
		{"pointer", &s, "p=len=6"},
		{"slice", []float32{1, 2, 3}, "p=len=3"},
		{"map", map[string]any{"a": 1}, "p=len=1"},
		{"int", 42, "p=42"},
		{"bool", true, "p=true"},
		{"zero time", time.Time{}, "p=zero-time"},
		{"time", time.Now(), "p=non-zero-time"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParamSummary("p", tc.in))
		})
	}
}

func TestErrWrap(t *testing.T) {
	assert.Nil(t, ErrWrap("op", nil))
	base := errors.New("boom")
	err := ErrWrap("turn.append", base, ParamSummary("conversation", "c1"))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "turn.append: boom; conversation=len=2", err.Error())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.False(t, IsTransient(errors.New("syntax error")))
	assert.False(t, IsTransient(nil))
}
