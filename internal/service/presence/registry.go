package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"pair_sync/internal/model"
	frames "pair_sync/internal/protocol/presence"
	"pair_sync/internal/service/directory"
	"pair_sync/internal/utils/log"

	"go.uber.org/zap"
)

const (
	DefaultSweepInterval  = 10 * time.Second
	DefaultOfflineTimeout = 30 * time.Second

	ReasonSuperseded = "superseded"
	ReasonTimeout    = "liveness timeout"
	ReasonShutdown   = "shutdown"
)

var (
	ErrClosed = errors.New("registry closed")

	errFresh = errors.New("identity still fresh")
)

type (
	// Channel is one live connection of a verified identity. Send must not
	// block; a frame that cannot be queued is dropped.
	Channel interface {
		ID() string
		Send(frame model.Frame) bool
		Close(reason string)
	}

	Config struct {
		SweepInterval  time.Duration
		OfflineTimeout time.Duration
	}

	// Registry binds identities to their live channel and owns the presence
	// transitions of every identity.
	Registry struct {
		mu       sync.Mutex
		channels map[string]Channel
		closed   bool

		directory *directory.Directory
		config    Config
		now       func() time.Time
	}

	// delivery is a frame queued for sending once the registry lock is released.
	delivery struct {
		ch    Channel
		frame model.Frame
	}
)

func NewRegistry(dir *directory.Directory, config Config) *Registry {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.OfflineTimeout <= 0 {
		config.OfflineTimeout = DefaultOfflineTimeout
	}
	return &Registry{
		channels:  make(map[string]Channel),
		directory: dir,
		config:    config,
		now:       time.Now,
	}
}

// SetClock overrides the time source, used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Register binds ch to id and marks the identity online. A channel already
// bound to id is superseded and closed.
func (r *Registry) Register(id string, ch Channel) (model.Identity, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ch.Close(ReasonShutdown)
		return model.Identity{}, ErrClosed
	}

	var wasOnline bool
	now := r.now().UTC()
	identity, err := r.directory.Update(id, func(identity *model.Identity) error {
		wasOnline = identity.IsOnline
		identity.IsOnline = true
		identity.LastActiveAt = &now
		identity.Status = model.StatusOnline
		return nil
	})
	if err != nil {
		r.mu.Unlock()
		return model.Identity{}, err
	}
	prev := r.channels[id]
	r.channels[id] = ch

	out := []delivery{{ch, frames.NewWelcome(identity)}}
	if !wasOnline {
		if partner, ok := r.channels[identity.PartnerID]; ok && identity.HasPartner() {
			out = append(out, delivery{partner, frames.NewPartnerOnline()})
		}
	}
	r.mu.Unlock()

	if prev != nil && prev != ch {
		log.Warn("connection superseded", zap.String("id", id),
			zap.String("previous", prev.ID()), zap.String("current", ch.ID()))
		prev.Close(ReasonSuperseded)
	}
	deliver(out)

	log.Info("identity online", zap.String("id", id), zap.String("conn", ch.ID()))
	return identity, nil
}

// Unregister marks id offline if ch is still its bound channel. It reports
// whether a transition happened, so a channel closed twice notifies once.
func (r *Registry) Unregister(id string, ch Channel) bool {
	r.mu.Lock()
	if current, ok := r.channels[id]; !ok || current != ch {
		r.mu.Unlock()
		return false
	}
	delete(r.channels, id)
	out := r.offline(id, r.now().UTC(), nil)
	r.mu.Unlock()

	deliver(out)
	log.Info("identity offline", zap.String("id", id), zap.String("conn", ch.ID()))
	return true
}

// offline flips id offline and returns the partner notification. guard, if
// set, may veto the transition from inside the atomic update. Callers hold mu.
func (r *Registry) offline(id string, now time.Time, guard func(identity *model.Identity) error) []delivery {
	identity, err := r.directory.Update(id, func(identity *model.Identity) error {
		if guard != nil {
			if err := guard(identity); err != nil {
				return err
			}
		}
		identity.IsOnline = false
		identity.LastActiveAt = &now
		identity.Status = model.StatusOffline
		return nil
	})
	if err != nil {
		if !errors.Is(err, errFresh) {
			log.Error("mark identity offline failed", zap.String("id", id), zap.Error(err))
		}
		return nil
	}
	if !identity.HasPartner() {
		return nil
	}
	partner, ok := r.channels[identity.PartnerID]
	if !ok {
		return nil
	}
	return []delivery{{partner, frames.NewPartnerOffline(now)}}
}

// Touch refreshes the activity timestamp of an online identity.
func (r *Registry) Touch(id string) {
	now := r.now().UTC()
	_, err := r.directory.Update(id, func(identity *model.Identity) error {
		if identity.IsOnline {
			identity.LastActiveAt = &now
		}
		return nil
	})
	if err != nil {
		log.Warn("touch identity failed", zap.String("id", id), zap.Error(err))
	}
}

// Sweep forces offline every online identity silent for longer than the
// offline timeout and closes its channel.
func (r *Registry) Sweep(now time.Time) int {
	now = now.UTC()
	timeout := r.config.OfflineTimeout
	stale := func(identity *model.Identity) error {
		if !identity.IsOnline || identity.LastActiveAt == nil {
			return errFresh
		}
		if now.Sub(*identity.LastActiveAt) <= timeout {
			return errFresh
		}
		return nil
	}

	var (
		out     []delivery
		expired []Channel
	)
	r.mu.Lock()
	for id, ch := range r.channels {
		notify := r.offline(id, now, stale)
		identity, err := r.directory.Get(id)
		if err != nil || identity.IsOnline {
			continue
		}
		delete(r.channels, id)
		expired = append(expired, ch)
		out = append(out, notify...)
		log.Info("identity timed out", zap.String("id", id), zap.String("conn", ch.ID()))
	}
	r.mu.Unlock()

	for _, ch := range expired {
		ch.Close(ReasonTimeout)
	}
	deliver(out)
	return len(expired)
}

// Run sweeps on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	log.Info("liveness sweep started",
		zap.Duration("interval", r.config.SweepInterval),
		zap.Duration("timeout", r.config.OfflineTimeout))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				log.Debug("liveness sweep", zap.Int("expired", n))
			}
		}
	}
}

// UpdateStatus stores status for id and forwards it to the partner's live
// channel, if any. The returned timestamp is the one sent to the partner.
func (r *Registry) UpdateStatus(id, status string) (time.Time, error) {
	if err := frames.ValidateStatus(status); err != nil {
		return time.Time{}, err
	}
	now := r.now().UTC()

	r.mu.Lock()
	identity, err := r.directory.Update(id, func(identity *model.Identity) error {
		identity.Status = status
		identity.LastActiveAt = &now
		return nil
	})
	if err != nil {
		r.mu.Unlock()
		return time.Time{}, err
	}
	var partner Channel
	if identity.HasPartner() {
		partner = r.channels[identity.PartnerID]
	}
	r.mu.Unlock()

	if partner != nil {
		if !partner.Send(frames.NewPartnerStatus(status, now)) {
			log.Warn("partner status dropped", zap.String("id", id), zap.String("partner", identity.PartnerID))
		}
	}
	return now, nil
}

func (r *Registry) StatusOf(id string) (model.Presence, error) {
	identity, err := r.directory.Get(id)
	if err != nil {
		return model.Presence{}, err
	}
	return identity.Presence(), nil
}

func (r *Registry) StatusOfPartner(id string) (model.Presence, error) {
	partner, err := r.directory.Partner(id)
	if err != nil {
		return model.Presence{}, err
	}
	return partner.Presence(), nil
}

func (r *Registry) Lookup(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	return ch, ok
}

// Relay sends frame to the live channel of id. Nothing is queued for an
// absent identity.
func (r *Registry) Relay(id string, frame model.Frame) bool {
	ch, ok := r.Lookup(id)
	if !ok {
		return false
	}
	return ch.Send(frame)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.channels)
}

// PairingChanged sends a fresh welcome to every connected member so clients
// see their new partner id. Members whose partner is connected also learn
// that it is online.
func (r *Registry) PairingChanged(ids ...string) {
	var out []delivery

	r.mu.Lock()
	for _, id := range ids {
		ch, ok := r.channels[id]
		if !ok {
			continue
		}
		identity, err := r.directory.Get(id)
		if err != nil {
			continue
		}
		out = append(out, delivery{ch, frames.NewWelcome(identity)})
		if _, ok := r.channels[identity.PartnerID]; ok && identity.HasPartner() {
			out = append(out, delivery{ch, frames.NewPartnerOnline()})
		}
	}
	r.mu.Unlock()

	deliver(out)
}

// Close marks every connected identity offline and closes its channel. Later
// registrations are refused.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	now := r.now().UTC()
	channels := r.channels
	r.channels = make(map[string]Channel)
	for id := range channels {
		_, err := r.directory.Update(id, func(identity *model.Identity) error {
			identity.IsOnline = false
			identity.LastActiveAt = &now
			identity.Status = model.StatusOffline
			return nil
		})
		if err != nil {
			log.Error("mark identity offline failed", zap.String("id", id), zap.Error(err))
		}
	}
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close(ReasonShutdown)
	}
	log.Info("registry closed", zap.Int("connections", len(channels)))
}

func deliver(out []delivery) {
	for _, d := range out {
		if !d.ch.Send(d.frame) {
			log.Warn("frame dropped", zap.String("conn", d.ch.ID()), zap.String("type", string(d.frame.Type)))
		}
	}
}
