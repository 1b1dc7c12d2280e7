// Package httpx holds the JSON request/response helpers shared by the
// HTTP handlers, and the mapping from domain errors to status codes.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"github.com/ayush/bookshelf/internal/models"
	"github.com/ayush/bookshelf/internal/validator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

// WriteJSON writes v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

// ReadJSON decodes exactly one JSON value from the request body into dst.
// Bodies over 1 MB and unknown fields are rejected.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("body must not be empty")
		case errors.As(err, &maxErr):
			return fmt.Errorf("body must not be larger than %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	if dec.More() {
		return errors.New("body must only contain a single JSON value")
	}
	return nil
}

// QueryInt reads an integer query parameter. ok is false when the key is
// absent; a present but malformed value is an error.
func QueryInt(qs url.Values, key string) (n int, ok bool, err error) {
	s := strings.TrimSpace(qs.Get(key))
	if s == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s must be an integer", key)
	}
	return n, true, nil
}

func errorBody(message any) map[string]any {
	return map[string]any{"error": message}
}

// BadRequest answers 400 with err's message.
func BadRequest(w http.ResponseWriter, err error) {
	WriteJSON(w, http.StatusBadRequest, errorBody(err.Error()))
}

// NotFound answers 404 with a generic message.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, errorBody("the requested resource could not be found"))
}

// MethodNotAllowed answers 405.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusMethodNotAllowed, errorBody("the "+r.Method+" method is not supported for this resource"))
}

// Unauthorized answers 401 with message.
func Unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="bookshelf"`)
	WriteJSON(w, http.StatusUnauthorized, errorBody(message))
}

// PayloadTooLarge answers 413.
func PayloadTooLarge(w http.ResponseWriter, limit int64) {
	WriteJSON(w, http.StatusRequestEntityTooLarge, errorBody(fmt.Sprintf("body must not be larger than %d bytes", limit)))
}

// TooManyRequests answers 429.
func TooManyRequests(w http.ResponseWriter) {
	WriteJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
}

// Busy answers 503 with a Retry-After hint for writes that kept losing a
// version race.
func Busy(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	WriteJSON(w, http.StatusServiceUnavailable, errorBody("the resource is being updated by another request, please retry"))
}

// ServerError logs err and answers 500 with a generic message.
func ServerError(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), err.Error(),
		slog.String("request_method", r.Method),
		slog.String("request_url", r.URL.String()),
		slog.String("request_id", chimw.GetReqID(r.Context())),
	)
	WriteJSON(w, http.StatusInternalServerError, errorBody("the server encountered a problem and could not process your request"))
}

// Error maps a domain error to its status code. Anything unclassified is
// an internal error.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validator.Error
	switch {
	case errors.As(err, &verr):
		WriteJSON(w, http.StatusBadRequest, errorBody(verr.Fields))
	case errors.Is(err, models.ErrValidation):
		BadRequest(w, err)
	case errors.Is(err, models.ErrUnauthorized):
		Unauthorized(w, err.Error())
	case errors.Is(err, models.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, models.ErrConflict):
		WriteJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, models.ErrVersionConflict):
		Busy(w)
	default:
		ServerError(w, r, err)
	}
}
