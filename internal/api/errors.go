package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"stockduel/internal/auth"
	"stockduel/internal/candle"
	"stockduel/internal/engine"
	"stockduel/internal/room"
	"stockduel/internal/store"
)

// HTTPError is the one error shape every REST failure is encoded from.
type HTTPError struct {
	Status  int
	Label   string
	Message string
	Fields  map[string]string // field name -> diagnostic
}

func (e *HTTPError) Error() string { return e.Label + ": " + e.Message }

func validationError(fields map[string]string) *HTTPError {
	return &HTTPError{
		Status:  http.StatusBadRequest,
		Label:   "Validation",
		Message: "request validation failed",
		Fields:  fields,
	}
}

type errorBody struct {
	Timestamp string                 `json:"timestamp"`
	Status    int                    `json:"status"`
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Path      string                 `json:"path"`
	Details   map[string]interface{} `json:"details"`
}

// writeError maps a domain error onto the wire shape. Unknown errors become
// opaque 500s so internals never leak.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	he := toHTTPError(err)

	details := map[string]interface{}{}
	if len(he.Fields) > 0 {
		details["fieldErrors"] = he.Fields
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.Status)
	json.NewEncoder(w).Encode(errorBody{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    he.Status,
		Error:     he.Label,
		Message:   he.Message,
		Path:      r.URL.Path,
		Details:   details,
	})
}

func toHTTPError(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}

	status, label := http.StatusInternalServerError, "Internal"
	switch {
	case errors.Is(err, store.ErrMatchNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, candle.ErrUnknownSymbol),
		errors.Is(err, room.ErrRoomNotFound):
		status, label = http.StatusNotFound, "NotFound"
	case errors.Is(err, room.ErrRoomFull):
		status, label = http.StatusConflict, "RoomFull"
	case errors.Is(err, store.ErrInvalidState),
		errors.Is(err, engine.ErrInvalidMatchState):
		status, label = http.StatusConflict, "InvalidState"
	case errors.Is(err, engine.ErrInsufficientFunds):
		status, label = http.StatusBadRequest, "InsufficientFunds"
	case errors.Is(err, engine.ErrInsufficientShares):
		status, label = http.StatusBadRequest, "InsufficientShares"
	case errors.Is(err, engine.ErrInsufficientShortPosition):
		status, label = http.StatusBadRequest, "InsufficientShortPosition"
	case errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidType),
		errors.Is(err, engine.ErrSymbolMismatch),
		errors.Is(err, candle.ErrIndexOutOfRange):
		status, label = http.StatusBadRequest, "Validation"
	case errors.Is(err, engine.ErrNotParticipant),
		errors.Is(err, room.ErrNotMember):
		status, label = http.StatusForbidden, "Forbidden"
	case errors.Is(err, auth.ErrNoToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrNonceReused):
		status, label = http.StatusUnauthorized, "Unauthorized"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	if status == http.StatusUnauthorized {
		msg = "authentication required"
	}
	return &HTTPError{Status: status, Label: label, Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
