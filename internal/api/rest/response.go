package rest

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/validation"
)

const maxBodySize = 1 << 20

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Total     *int64    `json:"total,omitempty"`
}

type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeEnvelope(w, status, ResponseEnvelope{
		Success: status < 400,
		Data:    data,
		Meta:    ResponseMeta{RequestID: requestIDFrom(r.Context()), Timestamp: time.Now().UTC()},
	})
}

func writeList(w http.ResponseWriter, r *http.Request, data interface{}, total int64) {
	writeEnvelope(w, http.StatusOK, ResponseEnvelope{
		Success: true,
		Data:    data,
		Meta:    ResponseMeta{RequestID: requestIDFrom(r.Context()), Timestamp: time.Now().UTC(), Total: &total},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env ResponseEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// writeError maps domain errors onto HTTP statuses. Anything that is not an
// AppError is reported as an opaque 500.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		h.logger.Error("Unhandled request error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err))
		appErr = errors.NewInternalError("an internal error occurred")
	} else if appErr.StatusCode >= 500 {
		h.logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", appErr.Code),
			zap.Error(err))
	}

	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	resp := &ErrorResponse{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Retryable: appErr.Retryable,
	}
	if appErr.Type == errors.ErrorTypeValidation {
		resp.Fields = appErr.Details
	}
	writeEnvelope(w, status, ResponseEnvelope{
		Success: false,
		Error:   resp,
		Meta:    ResponseMeta{RequestID: requestIDFrom(r.Context()), Timestamp: time.Now().UTC()},
	})
}

// decodeJSON reads a bounded JSON body into dst and validates its struct tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := decodeBody(w, r, dst); err != nil {
		return err
	}
	return validation.Struct("INVALID_REQUEST", dst)
}

// decodeBody reads a bounded JSON body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case stderrors.As(err, &maxErr):
			return errors.NewValidationError("REQUEST_TOO_LARGE", "request body exceeds 1MB")
		case stderrors.Is(err, io.EOF):
			return errors.NewValidationError("EMPTY_BODY", "request body is required")
		default:
			return errors.NewValidationError("INVALID_JSON", err.Error()).WithCause(err)
		}
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, errors.NewValidationError("INVALID_ID", name+" must be a UUID")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewValidationError("INVALID_QUERY", name+" must be a non-negative integer")
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_QUERY", name+" must be an RFC3339 timestamp")
	}
	return &t, nil
}
