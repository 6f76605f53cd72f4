package app

import (
	"fmt"
	"strings"
	"time"

	"pair_sync/internal/model"
	"pair_sync/internal/service/reconnect"

	"github.com/rivo/tview"
)

// View is what the client knows about itself and its partner.
type View struct {
	Self       model.Identity
	OwnStatus  string
	HasPartner bool
	Partner    model.Presence
	State      reconnect.State
}

func (v *View) SetSelf(identity model.Identity) {
	v.Self = identity
	v.HasPartner = identity.HasPartner()
	if !v.HasPartner {
		v.Partner = model.Presence{}
	}
}

func (v *View) SetPartner(p model.Presence) {
	v.Partner = p
}

// Apply folds a server frame into the view. It reports whether the partner's
// presence must be reloaded, which is the case after every welcome while
// paired: frames missed while disconnected are not replayed.
func (v *View) Apply(frame model.Frame) bool {
	switch frame.Type {
	case model.FrameWelcome:
		if frame.Identity == nil {
			return false
		}
		v.SetSelf(*frame.Identity)
		v.OwnStatus = frame.Identity.Status
		return v.HasPartner
	case model.FrameStatusUpdated:
		if frame.Status != nil {
			v.OwnStatus = *frame.Status
			v.Self.Status = *frame.Status
		}
	case model.FramePartnerOnline:
		v.Partner.IsOnline = true
		if v.Partner.Status == "" || v.Partner.Status == model.StatusOffline {
			v.Partner.Status = model.StatusOnline
		}
	case model.FramePartnerOffline:
		v.Partner.IsOnline = false
		v.Partner.Status = model.StatusOffline
		if frame.Timestamp != nil {
			ts := *frame.Timestamp
			v.Partner.LastActiveAt = &ts
		}
	case model.FramePartnerStatus:
		if frame.Status != nil {
			v.Partner.Status = *frame.Status
		}
		if frame.Timestamp != nil {
			ts := *frame.Timestamp
			v.Partner.LastActiveAt = &ts
		}
	}
	return false
}

func (v *View) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "You: [::b]%s[::-] (%s)  connection: %s\n",
		tview.Escape(v.Self.Name), tview.Escape(v.OwnStatus), v.State)

	if !v.HasPartner {
		b.WriteString("Partner: [grey]not paired[-]\n")
		return b.String()
	}

	dot := "[red]●[-] offline"
	if v.Partner.IsOnline {
		dot = "[green]●[-] online"
	}
	fmt.Fprintf(&b, "Partner: %s  status: %s\n", dot, tview.Escape(v.Partner.Status))
	if v.Partner.LastActiveAt != nil {
		fmt.Fprintf(&b, "Last active: %s\n", v.Partner.LastActiveAt.Local().Format(time.DateTime))
	}
	return b.String()
}
