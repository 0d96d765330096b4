package middleware

import "encoding/json"
import "net/http"

// errorBody is the JSON shape every non-2xx response on the API surface
// shares (spec.md §7's error taxonomy given one wire format).
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteError writes a JSON error response with the given status and
// taxonomy code (e.g. "invalid-input", "quota-exceeded", "already-resolved").
func WriteError(w http.ResponseWriter, status int, code, message string) {
	body := errorBody{}
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
