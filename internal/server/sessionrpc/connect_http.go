package sessionrpc

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/flarebyte/redstore/internal/store"
)

// ConnectHandler serves POST /session.v1.SessionService/<Method> with JSON
// bodies, routing by path.
func (s *Service) ConnectHandler() http.Handler {
	prefix := "/" + ServiceName + "/"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := calls[strings.TrimPrefix(r.URL.Path, prefix)]
		if !ok || !strings.HasPrefix(r.URL.Path, prefix) || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		dec := json.NewDecoder(r.Body)
		out, err := c(r.Context(), s, func(v any) error { return dec.Decode(v) })
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, out)
	})
}

// httpStatus maps the store taxonomy to HTTP status codes.
func httpStatus(err error) int {
	switch store.Code(err) {
	case "not_found":
		return http.StatusNotFound
	case "duplicate_name", "out_of_order_turn", "referential_conflict", "migration_in_progress":
		return http.StatusConflict
	case "invalid_argument":
		return http.StatusBadRequest
	case "backend_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/connect+json")
	w.Header().Set("Connect-Protocol-Version", "1")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := store.Code(err)
	w.Header().Set("Content-Type", "application/connect+json")
	w.Header().Set("Connect-Protocol-Version", "1")
	w.Header().Set("Connect-Error-Code", code)
	w.WriteHeader(httpStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": err.Error()}})
}
