package server

import (
	"encoding/json"
	"net/http"

	"pair_sync/internal/model"
	"pair_sync/internal/utils/log"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

// statusOf maps an error kind to its default HTTP status.
func statusOf(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation, model.KindSelfPair, model.KindAlreadyPaired,
		model.KindNoPartner, model.KindNotFound, model.KindProtocol:
		return http.StatusBadRequest
	case model.KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "marshal response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := model.KindOf(err)
	message := model.MessageOf(err)
	if kind == model.KindInternal {
		log.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, model.ErrorResponse{Error: kind, Message: message})
}

// decodeBody reads a JSON request body into v. Malformed bodies are
// Validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return model.Errorf(model.KindValidation, "invalid request body")
	}
	return nil
}
