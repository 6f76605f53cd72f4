package server

import (
	"errors"
	"net/http"
	"time"

	"pair_sync/internal/model"
	frames "pair_sync/internal/protocol/presence"
	"pair_sync/internal/service/auth"
	"pair_sync/internal/utils/log"

	"go.uber.org/zap"
)

func (s *HttpServer) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Connections: s.registry.Len(),
		})
	}
}

func (s *HttpServer) VerifyIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.VerifyRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		identity, err := s.directory.Resolve(r.Context(), req.Secret)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}

		credential, expiresAt, err := s.gate.Credentials().Issue(identity.ID)
		if err != nil {
			log.Error("issue credential failed", zap.String("id", identity.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		writeJSON(w, http.StatusOK, model.VerifyResponse{
			Identity:   identity,
			Credential: credential,
			ExpiresAt:  expiresAt,
		})
	}
}

func (s *HttpServer) GetMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())

		identity, err := s.directory.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, model.IdentityResponse{Identity: identity})
	}
}

func (s *HttpServer) Pair() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())

		var req model.PairRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		self, partner, err := s.pairing.Pair(r.Context(), id, req.PartnerSecret)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, model.PairResponse{Self: self, Partner: partner})
	}
}

func (s *HttpServer) Unpair() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())

		self, former, err := s.pairing.Unpair(r.Context(), id)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, model.UnpairResponse{Self: self, FormerPartner: former})
	}
}

func (s *HttpServer) GetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())

		status, err := s.registry.StatusOf(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *HttpServer) GetPartnerStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())

		status, err := s.registry.StatusOfPartner(id)
		if err != nil {
			code := statusOf(err)
			if errors.Is(err, model.ErrNoPartner) || errors.Is(err, model.ErrNotFound) {
				code = http.StatusNotFound
			}
			writeError(w, code, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// PutStatus is the request/response twin of the status:update frame.
func (s *HttpServer) PutStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())

		var req model.StatusRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		status, err := frames.DecodeStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		ts, err := s.registry.UpdateStatus(id, status)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, model.StatusResponse{Status: status, Timestamp: ts})
	}
}
