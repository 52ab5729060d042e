package protocol

import (
	"errors"

	"fleetcommand.gg/internal/orders"
)

const (
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrStorage    = "E_STORAGE"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest: {},
	ErrNotFound:   {},
	ErrStorage:    {},
	ErrInternal:   {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps a pipeline error to its wire code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, orders.ErrInvalidRequest):
		return ErrBadRequest
	case errors.Is(err, orders.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, orders.ErrStorage):
		return ErrStorage
	default:
		return ErrInternal
	}
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorBody renders err for clients. Internal errors do not leak detail.
func NewErrorBody(err error) ErrorBody {
	code := CodeFor(err)
	d := ErrorDetail{Code: code, Message: err.Error()}
	var inv *orders.InvalidRequestError
	if errors.As(err, &inv) {
		d.Field = inv.Field
	}
	switch code {
	case ErrStorage:
		d.Message = "storage unavailable, retry later"
	case ErrInternal:
		d.Message = "internal error"
	}
	return ErrorBody{Error: d}
}
