// Package respond writes the JSON envelopes shared by every public endpoint:
// {"success":true,...} on success and {"error":"..."} on failure.
package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxBodyBytes = 64 << 10

// MsgInternal is the only message returned for unexpected failures.
const MsgInternal = "Internal server error"

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Success writes {"success":true} merged with fields.
func Success(w http.ResponseWriter, status int, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	JSON(w, status, body)
}

func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorWithDetails adds a details list, used for field validation failures.
func ErrorWithDetails(w http.ResponseWriter, status int, message string, details []string) {
	JSON(w, status, map[string]any{"error": message, "details": details})
}

// Decode reads a bounded JSON body into dst.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("respond: empty body")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("respond: read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return errors.New("respond: body too large")
	}
	if len(body) == 0 {
		return errors.New("respond: empty body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("respond: decode: %w", err)
	}
	return nil
}
