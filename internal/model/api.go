package model

import (
	"encoding/json"
	"time"
)

type (
	VerifyRequest struct {
		Secret string `json:"secret"`
	}

	VerifyResponse struct {
		Identity   Identity  `json:"identity"`
		Credential string    `json:"credential"`
		ExpiresAt  time.Time `json:"expiresAt"`
	}

	IdentityResponse struct {
		Identity Identity `json:"identity"`
	}

	PairRequest struct {
		PartnerSecret string `json:"partnerSecret"`
	}

	PairResponse struct {
		Self    Identity `json:"self"`
		Partner Identity `json:"partner"`
	}

	UnpairResponse struct {
		Self          Identity `json:"self"`
		FormerPartner Identity `json:"formerPartner"`
	}

	// StatusRequest keeps the raw status so non string values can be told
	// apart from strings.
	StatusRequest struct {
		Status json.RawMessage `json:"status"`
	}

	StatusResponse struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}

	HealthResponse struct {
		Status      string    `json:"status"`
		Timestamp   time.Time `json:"timestamp"`
		Connections int       `json:"connections"`
	}

	ErrorResponse struct {
		Error   ErrorKind `json:"error"`
		Message string    `json:"message"`
	}
)
