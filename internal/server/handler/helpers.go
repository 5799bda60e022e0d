// Package handler implements the REST endpoints of the order API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

const maxBodyBytes = 1 << 20

// Response bodies shared with API clients.
const (
	msgValidation    = "Validation Error"
	msgOrderNotFound = "Order not found"
	msgInternal      = "Internal Server Error"
)

type errorResponse struct {
	Error   string              `json:"error"`
	Details []domain.FieldError `json:"details,omitempty"`
}

// writeJSON marshals v and writes it with status. A marshal failure turns
// into a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"Internal Server Error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeValidation answers 400 with every field problem.
func writeValidation(w http.ResponseWriter, verr *domain.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgValidation, Details: verr.Details})
}

// decodeJSON reads a single JSON object from the request body. Syntax and
// type problems come back as a ValidationError, and so does anything after
// the object other than whitespace.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	verr := &domain.ValidationError{}
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			verr.Add("body", "is required")
		case errors.As(err, &typeErr) && typeErr.Field == "":
			verr.Add("body", "must be a JSON object")
		case errors.As(err, &typeErr):
			verr.Add(typeErr.Field, typeMessage(typeErr))
		default:
			verr.Add("body", "must be valid JSON")
		}
		return verr
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		verr.Add("body", "must contain a single JSON object")
		return verr
	}
	return nil
}

// decodeField unmarshals one raw member into dst. A missing or null member
// leaves dst at its zero value. It returns the field message for a value of
// the wrong JSON type, or "" on success.
func decodeField(raw json.RawMessage, dst any) string {
	if len(raw) == 0 {
		return ""
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return typeMessage(typeErr)
		}
		return "is invalid"
	}
	return ""
}

func typeMessage(err *json.UnmarshalTypeError) string {
	return fmt.Sprintf("must be a %s", jsonKind(err.Type.Kind().String()))
}

func jsonKind(goKind string) string {
	switch goKind {
	case "float64", "float32", "int", "int64":
		return "number"
	case "string":
		return "string"
	default:
		return goKind
	}
}

// queryInt parses a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// queryFloat parses a float query parameter; ok is false when it is absent
// or malformed.
func queryFloat(r *http.Request, name string) (float64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
