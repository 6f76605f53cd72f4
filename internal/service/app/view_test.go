package app

import (
	"strings"
	"testing"
	"time"

	"pair_sync/internal/model"
	frames "pair_sync/internal/protocol/presence"
)

func TestViewApply(t *testing.T) {
	var v View
	v.SetSelf(model.Identity{ID: "a", Name: "alice", Status: model.StatusOffline})

	// Partner bound by a later welcome
	if stale := v.Apply(frames.NewWelcome(model.Identity{ID: "a", Name: "alice", PartnerID: "b", Status: model.StatusOnline})); !stale {
		t.Fatalf("new partner not reported")
	}
	if !v.HasPartner || v.OwnStatus != model.StatusOnline {
		t.Fatalf("welcome not applied: %+v", v)
	}

	v.Apply(frames.NewPartnerOnline())
	if !v.Partner.IsOnline || v.Partner.Status != model.StatusOnline {
		t.Errorf("partner online not applied: %+v", v.Partner)
	}

	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	v.Apply(frames.NewPartnerStatus("busy", ts))
	if v.Partner.Status != "busy" || !v.Partner.LastActiveAt.Equal(ts) {
		t.Errorf("partner status not applied: %+v", v.Partner)
	}

	v.Apply(frames.NewPartnerOffline(ts.Add(time.Minute)))
	if v.Partner.IsOnline || v.Partner.Status != model.StatusOffline {
		t.Errorf("partner offline not applied: %+v", v.Partner)
	}

	v.Apply(frames.NewStatusUpdated("away", ts))
	if v.OwnStatus != "away" {
		t.Errorf("own status not applied: %q", v.OwnStatus)
	}

	// Unpaired welcome clears the partner and needs no reload
	if stale := v.Apply(frames.NewWelcome(model.Identity{ID: "a", Name: "alice"})); stale {
		t.Errorf("reload requested without a partner")
	}
	if v.HasPartner || !strings.Contains(v.Render(), "not paired") {
		t.Errorf("unpair not rendered: %q", v.Render())
	}
}

func TestViewRenderEscapes(t *testing.T) {
	var v View
	v.SetSelf(model.Identity{Name: "[red]x", PartnerID: "b"})
	v.SetPartner(model.Presence{IsOnline: true, Status: "[blue]hi"})

	out := v.Render()
	if strings.Contains(out, "[red]x") || strings.Contains(out, "[blue]hi") {
		t.Errorf("style tags not escaped: %q", out)
	}
}

// Tests that a welcome after a reconnect reloads the same partner, since
// presence changes during the gap were never delivered.
func TestViewWelcomeAfterReconnect(t *testing.T) {
	var v View
	v.Apply(frames.NewWelcome(model.Identity{ID: "a", PartnerID: "b"}))
	v.Apply(frames.NewPartnerOnline())

	if stale := v.Apply(frames.NewWelcome(model.Identity{ID: "a", PartnerID: "b"})); !stale {
		t.Errorf("reload not requested for the same partner")
	}
	if !v.Partner.IsOnline {
		t.Errorf("known presence dropped before reload: %+v", v.Partner)
	}
}
