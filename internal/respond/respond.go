// internal/respond/respond.go
package respond

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

// StatusError is implemented by errors that carry their own HTTP status and a
// message safe to show to clients.
type StatusError interface {
	error
	HTTPStatus() int
	PublicMessage() string
}

// Message is the body of every non-data response.
type Message struct {
	Msg string `json:"msg"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Msg writes {"msg": msg}.
func Msg(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, Message{Msg: msg})
}

// Error writes err using its own status when it has one, 500 otherwise.
func Error(w http.ResponseWriter, err error) {
	var se StatusError
	if errors.As(err, &se) {
		Msg(w, se.HTTPStatus(), se.PublicMessage())
		return
	}
	Msg(w, http.StatusInternalServerError, "Server error.")
}

// Decode reads a JSON request body into v. Any failure is reported as 400.
func Decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			Msg(w, http.StatusBadRequest, "Request body is required.")
			return false
		}
		Msg(w, http.StatusBadRequest, "Malformed JSON body.")
		return false
	}
	return true
}

// ID parses a positive integer URL parameter. Any failure is reported as 400.
func ID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := ParseID(chi.URLParam(r, name))
	if err != nil {
		Msg(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s.", name))
		return 0, false
	}
	return id, true
}

// ParseID parses a positive integer identifier.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive, got %d", id)
	}
	return id, nil
}
