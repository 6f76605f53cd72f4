package pairing

import (
	"context"
	"sync"
	"time"

	"pair_sync/internal/model"
	"pair_sync/internal/service/directory"
	"pair_sync/internal/utils/log"

	"go.uber.org/zap"
)

const storeTimeout = 5 * time.Second

type (
	// Store mirrors pairing records outside the process.
	Store interface {
		Put(ctx context.Context, p model.Pairing) error
		Get(ctx context.Context, key string) (*model.Pairing, error)
		Delete(ctx context.Context, key string) error
	}

	// Notifier is told about identities whose partner changed.
	Notifier interface {
		PairingChanged(ids ...string)
	}

	// Manager establishes and breaks the symmetric partner relationship. It is
	// the only writer of Identity.PartnerID.
	Manager struct {
		mu      sync.Mutex
		records map[string]model.Pairing

		directory *directory.Directory
		store     Store
		notifier  Notifier
		now       func() time.Time
	}
)

func NewManager(dir *directory.Directory, store Store) *Manager {
	return &Manager{
		records:   make(map[string]model.Pairing),
		directory: dir,
		store:     store,
		now:       time.Now,
	}
}

func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Restore rebuilds the pairing records from the identities' partner ids.
// One sided links left behind by a crash are cleared. Creation times come
// from the store when it has them; a store failure keeps the restore time.
func (m *Manager) Restore(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var broken []string
	for _, identity := range m.directory.Snapshot() {
		if !identity.HasPartner() {
			continue
		}
		partner, err := m.directory.Get(identity.PartnerID)
		if err != nil || partner.PartnerID != identity.ID {
			broken = append(broken, identity.ID)
			continue
		}
		key := model.PairingKey(identity.ID, partner.ID)
		if _, ok := m.records[key]; ok {
			continue
		}
		record := model.NewPairing(identity.ID, partner.ID, m.now().UTC())
		if stored := m.stored(ctx, key); stored != nil {
			record.CreatedAt = stored.CreatedAt
		}
		m.records[key] = record
	}
	for _, id := range broken {
		log.Warn("clearing one sided pairing", zap.String("id", id))
		_, err := m.directory.Update(id, func(identity *model.Identity) error {
			identity.PartnerID = ""
			return nil
		})
		if err != nil {
			log.Error("clear one sided pairing failed", zap.String("id", id), zap.Error(err))
		}
	}
	m.directory.Persist(ctx, broken...)

	log.Info("pairings restored", zap.Int("pairings", len(m.records)))
}

func (m *Manager) stored(ctx context.Context, key string) *model.Pairing {
	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	record, err := m.store.Get(ctx, key)
	if err != nil {
		log.Error("load pairing mirror failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return record
}

// Pair binds selfID to the identity owning partnerSecret. The partner is
// resolved through the directory and therefore created if it never connected.
func (m *Manager) Pair(ctx context.Context, selfID, partnerSecret string) (model.Identity, model.Identity, error) {
	if _, err := m.directory.Get(selfID); err != nil {
		return model.Identity{}, model.Identity{}, err
	}
	partner, err := m.directory.Resolve(ctx, partnerSecret)
	if err != nil {
		return model.Identity{}, model.Identity{}, err
	}

	m.mu.Lock()
	self, partner, err := m.directory.UpdatePair(selfID, partner.ID, func(a, b *model.Identity) error {
		if a.ID == b.ID {
			return model.Errorf(model.KindSelfPair, "cannot pair with yourself")
		}
		if a.HasPartner() {
			return model.Errorf(model.KindAlreadyPaired, "you already have a partner")
		}
		if b.HasPartner() {
			return model.Errorf(model.KindAlreadyPaired, "partner already paired with someone else")
		}
		a.PartnerID = b.ID
		b.PartnerID = a.ID
		return nil
	})
	if err != nil {
		m.mu.Unlock()
		return model.Identity{}, model.Identity{}, err
	}
	record := model.NewPairing(self.ID, partner.ID, m.now().UTC())
	m.records[record.Key] = record
	m.mu.Unlock()

	log.Info("identities paired", zap.String("self", self.ID), zap.String("partner", partner.ID))

	m.mirror(ctx, func(ctx context.Context) error { return m.store.Put(ctx, record) })
	m.directory.Persist(ctx, self.ID, partner.ID)
	if m.notifier != nil {
		m.notifier.PairingChanged(self.ID, partner.ID)
	}
	return self, partner, nil
}

// Unpair breaks the pairing of selfID. A second call fails with NoPartner.
func (m *Manager) Unpair(ctx context.Context, selfID string) (model.Identity, model.Identity, error) {
	m.mu.Lock()
	current, err := m.directory.Get(selfID)
	if err != nil {
		m.mu.Unlock()
		return model.Identity{}, model.Identity{}, err
	}
	if !current.HasPartner() {
		m.mu.Unlock()
		return model.Identity{}, model.Identity{}, model.Errorf(model.KindNoPartner, "no active pairing found")
	}
	partnerID := current.PartnerID

	self, former, err := m.directory.UpdatePair(selfID, partnerID, func(a, b *model.Identity) error {
		a.PartnerID = ""
		if b.PartnerID == a.ID {
			b.PartnerID = ""
		}
		return nil
	})
	if err != nil {
		m.mu.Unlock()
		return model.Identity{}, model.Identity{}, err
	}
	key := model.PairingKey(selfID, partnerID)
	delete(m.records, key)
	m.mu.Unlock()

	log.Info("identities unpaired", zap.String("self", self.ID), zap.String("partner", former.ID))

	m.mirror(ctx, func(ctx context.Context) error { return m.store.Delete(ctx, key) })
	m.directory.Persist(ctx, self.ID, former.ID)
	if m.notifier != nil {
		m.notifier.PairingChanged(self.ID, former.ID)
	}
	return self, former, nil
}

func (m *Manager) Get(key string) (model.Pairing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[key]
	return record, ok
}

// Of returns the pairing id belongs to.
func (m *Manager) Of(id string) (model.Pairing, error) {
	identity, err := m.directory.Get(id)
	if err != nil {
		return model.Pairing{}, err
	}
	if !identity.HasPartner() {
		return model.Pairing{}, model.Errorf(model.KindNoPartner, "no active pairing found")
	}
	record, ok := m.Get(model.PairingKey(id, identity.PartnerID))
	if !ok {
		return model.Pairing{}, model.Errorf(model.KindNotFound, "pairing not found")
	}
	return record, nil
}

func (m *Manager) mirror(ctx context.Context, fn func(ctx context.Context) error) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		log.Error("mirror pairing failed", zap.Error(err))
	}
}
