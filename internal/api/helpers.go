package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"payledger/internal/gateway"
	"payledger/internal/store"
	"payledger/internal/xerr"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

type upstreamDetails struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch xerr.KindOf(err) {
	case xerr.KindValidation:
		return http.StatusBadRequest
	case xerr.KindNotFound:
		return http.StatusNotFound
	case xerr.KindConflict:
		return http.StatusConflict
	case xerr.KindUpstream:
		if gateway.IsUnavailable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err as {"error": code}. Internal failures never
// leak their message.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	e, ok := xerr.As(err)
	if !ok {
		writeError(w, status, "internal_error")
		return
	}

	resp := errorResponse{Error: e.Code}
	switch e.Kind {
	case xerr.KindValidation, xerr.KindNotFound, xerr.KindConflict:
		resp.Message = e.Msg
	case xerr.KindUpstream:
		resp.Message = e.Msg
		resp.Details = upstreamDetails{Status: e.UpstreamStatus, Body: e.UpstreamBody}
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads exactly one JSON object from the body, rejecting unknown
// fields and trailing data.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

func reasonFor(err error) string {
	if e, ok := xerr.As(err); ok {
		return e.Code
	}
	return "internal_error"
}

// ledgerError translates store sentinels into service errors.
func ledgerError(err error, notFoundCode string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return xerr.NotFound(notFoundCode, "resource does not exist")
	case errors.Is(err, store.ErrInvalidStatus):
		return xerr.Validation("invalid_status", "unknown status")
	case errors.Is(err, store.ErrInvalidTransition):
		return xerr.Conflict("invalid_transition", "status change not allowed")
	}
	return xerr.Storage("ledger", err)
}
