package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLen  = 256
	maxIDLen    = 256
	MaxNearestK = 1000
)

// ValidateKind rejects unknown configuration kinds.
func ValidateKind(op string, ns Namespace, kind ConfigKind) error {
	for _, k := range ConfigKinds {
		if k == kind {
			return nil
		}
	}
	return Errorf(ErrInvalidArgument, op, ns, "unknown kind %q", string(kind))
}

// ValidateText rejects strings that only one backend could store: invalid
// UTF-8 and NUL characters.
func ValidateText(op string, ns Namespace, field, s string) error {
	if !utf8.ValidString(s) {
		return Errorf(ErrInvalidArgument, op, ns, "%s is not valid UTF-8", field)
	}
	if strings.ContainsRune(s, 0) {
		return Errorf(ErrInvalidArgument, op, ns, "%s contains a NUL character", field)
	}
	return nil
}

// validateValue walks v and applies ValidateText to every string and map key.
func validateValue(op string, ns Namespace, path string, v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		return ValidateText(op, ns, path, v.String())
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return validateValue(op, ns, path, v.Elem())
	case reflect.Map:
		it := v.MapRange()
		for it.Next() {
			k := it.Key()
			if k.Kind() == reflect.String {
				if err := ValidateText(op, ns, path+" key", k.String()); err != nil {
					return err
				}
			}
			if err := validateValue(op, ns, fmt.Sprintf("%s.%v", path, k), it.Value()); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := validateValue(op, ns, fmt.Sprintf("%s[%d]", path, i), v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				if err := validateValue(op, ns, path+"."+v.Type().Field(i).Name, v.Field(i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ValidateName checks a configuration name.
func ValidateName(op string, ns Namespace, name string) error {
	if err := ValidateText(op, ns, "name", name); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return Errorf(ErrInvalidArgument, op, ns, "name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return Errorf(ErrInvalidArgument, op, ns, "name longer than %d characters", maxNameLen)
	}
	return nil
}

// ValidateID checks an opaque identifier (configuration id or conversation id).
func ValidateID(op string, ns Namespace, field, id string) error {
	if err := ValidateText(op, ns, field, id); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return Errorf(ErrInvalidArgument, op, ns, "%s must not be empty", field)
	}
	if len(id) > maxIDLen {
		return Errorf(ErrInvalidArgument, op, ns, "%s longer than %d bytes", field, maxIDLen)
	}
	return nil
}

// NormalizeParams validates that p is a JSON object and returns the value a
// later read will observe: a JSON round trip, with nil mapped to an empty map.
func NormalizeParams(op string, ns Namespace, p Params) (Params, error) {
	if p == nil {
		return Params{}, nil
	}
	// checked before marshalling, which replaces invalid UTF-8 silently
	if err := validateValue(op, ns, "params", reflect.ValueOf(p)); err != nil {
		return nil, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, Errorf(ErrInvalidArgument, op, ns, "params are not JSON serialisable: %v", err)
	}
	out := Params{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, Errorf(ErrInvalidArgument, op, ns, "params are not a JSON object: %v", err)
	}
	return out, nil
}

// ValidateStatus rejects unknown statuses. Empty is allowed in filters only.
func ValidateStatus(op string, ns Namespace, s Status) error {
	switch s {
	case StatusReady, StatusPending, StatusError:
		return nil
	}
	return Errorf(ErrInvalidArgument, op, ns, "unknown status %q", string(s))
}

// ValidateFilter checks a ListConfigs filter.
func ValidateFilter(op string, ns Namespace, f ConfigFilter) error {
	if f.Status != "" {
		if err := ValidateStatus(op, ns, f.Status); err != nil {
			return err
		}
	}
	if err := ValidateText(op, ns, "name_prefix", f.NamePrefix); err != nil {
		return err
	}
	if f.Limit < 0 {
		return Errorf(ErrInvalidArgument, op, ns, "limit must not be negative")
	}
	return nil
}

// ValidateTurn checks the shape of a turn before any ordering check and
// returns it with normalised metadata.
func ValidateTurn(op string, ns Namespace, t Turn) (Turn, error) {
	if err := ValidateID(op, ns, "conversation_id", t.ConversationID); err != nil {
		return t, err
	}
	if err := ValidateText(op, ns, "request_text", t.RequestText); err != nil {
		return t, err
	}
	if err := ValidateText(op, ns, "response_text", t.ResponseText); err != nil {
		return t, err
	}
	if t.TurnNumber < 0 {
		return t, Errorf(ErrOutOfOrderTurn, op, ns, "turn_number %d is negative", t.TurnNumber)
	}
	md, err := NormalizeParams(op, ns, t.Metadata)
	if err != nil {
		return t, err
	}
	t.Metadata = md
	return t, nil
}

// CheckTurnOrder enforces the append rule: the next turn is exactly one past
// the current maximum, or 0 for a conversation with no turns (current < 0).
func CheckTurnOrder(op string, ns Namespace, conversationID string, current, next int) error {
	want := current + 1
	if next != want {
		return Errorf(ErrOutOfOrderTurn, op, ns, "conversation %q expects turn %d, got %d", conversationID, want, next)
	}
	return nil
}

// ValidateRange checks a [Start, End) turn range.
func ValidateRange(op string, ns Namespace, r TurnRange) error {
	if r.Start < 0 {
		return Errorf(ErrInvalidArgument, op, ns, "range start must not be negative")
	}
	if r.End != nil && *r.End < r.Start {
		return Errorf(ErrInvalidArgument, op, ns, "range end %d before start %d", *r.End, r.Start)
	}
	return nil
}

// ValidateEmbedding checks an embedding against the backend dimension and
// returns it with normalised metadata.
func ValidateEmbedding(op string, ns Namespace, dim int, e Embedding) (Embedding, error) {
	if err := ValidateID(op, ns, "conversation_id", e.ConversationID); err != nil {
		return e, err
	}
	if err := ValidateID(op, ns, "embedding_type", e.EmbeddingType); err != nil {
		return e, err
	}
	if err := ValidateVector(op, ns, dim, e.Vector); err != nil {
		return e, err
	}
	md, err := NormalizeParams(op, ns, e.Metadata)
	if err != nil {
		return e, err
	}
	e.Metadata = md
	return e, nil
}

// ValidateVector checks the dimension and rejects NaN and infinities.
func ValidateVector(op string, ns Namespace, dim int, v []float32) error {
	if len(v) != dim {
		return Errorf(ErrInvalidArgument, op, ns, "vector has dimension %d, want %d", len(v), dim)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Errorf(ErrInvalidArgument, op, ns, "vector component %d is not finite", i)
		}
	}
	return nil
}

// ValidateNearest checks a nearest-neighbour request.
func ValidateNearest(op string, ns Namespace, dim int, embeddingType string, query []float32, k int) error {
	if err := ValidateID(op, ns, "embedding_type", embeddingType); err != nil {
		return err
	}
	if k <= 0 || k > MaxNearestK {
		return Errorf(ErrInvalidArgument, op, ns, "k must be in [1, %d], got %d", MaxNearestK, k)
	}
	return ValidateVector(op, ns, dim, query)
}

// OrchestratorRefs returns the configuration ids an orchestrator's params
// reference: string values of keys ending in "_id" and string elements of
// lists under keys ending in "_ids".
func OrchestratorRefs(p Params) []string {
	var out []string
	for k, v := range p {
		switch {
		case strings.HasSuffix(k, "_ids"):
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok && s != "" {
						out = append(out, s)
					}
				}
			}
		case strings.HasSuffix(k, "_id"):
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// References reports whether an orchestrator's params reference id.
func References(p Params, id string) bool {
	for _, ref := range OrchestratorRefs(p) {
		if ref == id {
			return true
		}
	}
	return false
}
