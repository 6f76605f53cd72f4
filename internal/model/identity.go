package model

import (
	"sort"
	"strings"
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type (
	// Identity is a participant resolved from a pairing secret.
	Identity struct {
		ID           string     `json:"id" bson:"_id"`
		Name         string     `json:"name" bson:"name"`
		SecretDigest string     `json:"-" bson:"secret_digest"`
		PartnerID    string     `json:"partnerId,omitempty" bson:"partner_id,omitempty"`
		IsOnline     bool       `json:"isOnline" bson:"-"`
		LastActiveAt *time.Time `json:"lastActiveAt" bson:"-"`
		Status       string     `json:"status" bson:"-"`
		CreatedAt    time.Time  `json:"createdAt" bson:"created_at"`
	}

	// Pairing records the mutual relationship between two identities.
	Pairing struct {
		Key       string    `json:"key"`
		Members   [2]string `json:"members"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// Presence is a read-only snapshot of an identity's presence.
	Presence struct {
		IsOnline     bool       `json:"isOnline"`
		Status       string     `json:"status"`
		LastActiveAt *time.Time `json:"lastActiveAt"`
	}
)

func (i *Identity) HasPartner() bool {
	return i.PartnerID != ""
}

func (i *Identity) Presence() Presence {
	p := Presence{
		IsOnline: i.IsOnline,
		Status:   i.Status,
	}
	if i.LastActiveAt != nil {
		t := *i.LastActiveAt
		p.LastActiveAt = &t
	}
	return p
}

// Clone returns a copy that shares no pointers with i.
func (i *Identity) Clone() Identity {
	c := *i
	if i.LastActiveAt != nil {
		t := *i.LastActiveAt
		c.LastActiveAt = &t
	}
	return c
}

// PairingKey is the order independent key of the pairing between a and b.
func PairingKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

func NewPairing(a, b string, createdAt time.Time) Pairing {
	ids := [2]string{a, b}
	if ids[1] < ids[0] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	return Pairing{
		Key:       PairingKey(a, b),
		Members:   ids,
		CreatedAt: createdAt,
	}
}
