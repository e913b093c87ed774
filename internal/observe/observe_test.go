package observe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestObserverLogWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, true)

	obs.Log().Info().
		Str("ns", "0123abcd").
		Int("copied", 5).
		Msg("migration committed")

	if !strings.Contains(buf.String(), "migration committed") {
		t.Errorf("expected output to contain message, got %q", buf.String())
	}
}

func TestObserverQuietUnlessVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, false)
	obs.Log().Info().Msg("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info should be filtered when not verbose, got %q", buf.String())
	}
	obs.Log().Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should pass, got %q", buf.String())
	}
}

func TestNewFormatJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := NewFormat(buf, "json", true)
	obs.Log().Info().Str("op", "config.create").Msg("ok")
	if !strings.Contains(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestObserverSpan(t *testing.T) {
	obs := Nop()
	ctx, span := obs.StartSpan(context.Background(), "session.append_turn", Namespace("0123abcd"))
	if ctx == nil || span == nil {
		t.Fatal("expected span and context")
	}
	obs.EndSpan(span, errors.New("boom"))
	if err := obs.Close(); err != nil {
		t.Errorf("expected nil error from Close, got %v", err)
	}
}
