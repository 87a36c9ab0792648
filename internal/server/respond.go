package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// conflictResponse is the 409 body: the stored copy the client must
// reconcile against before retrying.
type conflictResponse struct {
	Message string      `json:"message"`
	File    interface{} `json:"file"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeError maps domain errors to status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ce, ok := apperrors.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, conflictResponse{
			Message: "file was modified since baseUpdatedAt",
			File:    ce.Current,
		})

		return
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrInvalidNode),
		errors.Is(err, apperrors.ErrInvalidStorage),
		errors.Is(err, apperrors.ErrPathUnsafe),
		errors.Is(err, apperrors.ErrEndpointBlocked):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrQueueFull):
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.cfg.Logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v and validates its struct tags.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}

	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))

	for _, e := range verrs {
		field := strings.ToLower(e.Field())

		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}

	return errors.New(strings.Join(msgs, "; "))
}
