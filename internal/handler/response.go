package handler

import (
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Field   string           `json:"field,omitempty"`
}

func toErrorBody(err error) *errorBody {
	body := &errorBody{
		Code:    errors.CodeOf(err),
		Message: errors.MessageOf(err),
		Field:   errors.FieldOf(err),
	}
	if body.Code == errors.ErrCodeInternal {
		body.Message = "internal error"
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, envelope{Success: false, Error: toErrorBody(err)})
}
