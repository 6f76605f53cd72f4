package directory

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"pair_sync/internal/cryptographic/kdf"
	"pair_sync/internal/model"
	"pair_sync/internal/utils/log"

	"go.uber.org/zap"
)

const (
	derivationSalt = "pair_sync/identity"
	storeTimeout   = 5 * time.Second
	saveStripes    = 32
)

type (
	// Store persists identity records. The directory stays authoritative in
	// memory; the store only mirrors it across restarts.
	Store interface {
		Load(ctx context.Context) ([]model.Identity, error)
		Save(ctx context.Context, identity *model.Identity) error
	}

	// Directory resolves pairing secrets to identities and serialises every
	// mutation of an identity record.
	Directory struct {
		mu       sync.RWMutex
		byID     map[string]*model.Identity
		byDigest map[string]string

		store Store
		// saveMu orders the saves of one id, striped by id hash.
		saveMu [saveStripes]sync.Mutex
		now    func() time.Time
	}
)

func New(store Store) *Directory {
	return &Directory{
		byID:     make(map[string]*model.Identity),
		byDigest: make(map[string]string),
		store:    store,
		now:      time.Now,
	}
}

// SetClock overrides the time source, used by tests.
func (d *Directory) SetClock(now func() time.Time) {
	d.now = now
}

// Load fills the directory from the store. Presence is not persisted, so every
// loaded identity starts offline.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	identities, err := d.store.Load(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range identities {
		identity := identities[i]
		identity.IsOnline = false
		identity.LastActiveAt = nil
		identity.Status = model.StatusOffline
		d.byID[identity.ID] = &identity
		d.byDigest[identity.SecretDigest] = identity.ID
	}
	log.Info("identity directory loaded", zap.Int("identities", len(identities)))
	return nil
}

// ParseSecret splits a pairing secret of the form <display>@<number>.
func ParseSecret(secret string) (display, number string, err error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", "", model.Errorf(model.KindValidation, "secret is required")
	}
	idx := strings.LastIndex(secret, "@")
	if idx < 0 {
		return "", "", model.Errorf(model.KindValidation, "invalid secret format")
	}
	display, number = strings.TrimSpace(secret[:idx]), strings.TrimSpace(secret[idx+1:])
	if display == "" || number == "" {
		return "", "", model.Errorf(model.KindValidation, "invalid secret format")
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return "", "", model.Errorf(model.KindValidation, "secret number must be numeric")
		}
	}
	return display, number, nil
}

// Derive returns the identity id and the secret digest for secret. Both are
// deterministic; neither reveals the secret.
func Derive(secret string) (id, digest string, err error) {
	secret = strings.TrimSpace(secret)

	idBytes, err := kdf.Derive([]byte(secret), derivationSalt, "IdentityID", 16)
	if err != nil {
		return "", "", err
	}
	digestBytes, err := kdf.Derive([]byte(secret), derivationSalt, "SecretDigest", 32)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(idBytes), hex.EncodeToString(digestBytes), nil
}

// Resolve returns the identity owning secret, creating it on first use.
func (d *Directory) Resolve(ctx context.Context, secret string) (model.Identity, error) {
	display, _, err := ParseSecret(secret)
	if err != nil {
		return model.Identity{}, err
	}
	id, digest, err := Derive(secret)
	if err != nil {
		return model.Identity{}, err
	}

	d.mu.Lock()
	if existing, ok := d.byDigest[digest]; ok {
		identity := d.byID[existing].Clone()
		d.mu.Unlock()
		return identity, nil
	}
	identity := &model.Identity{
		ID:           id,
		Name:         display,
		SecretDigest: digest,
		Status:       model.StatusOffline,
		CreatedAt:    d.now().UTC(),
	}
	d.byID[id] = identity
	d.byDigest[digest] = id
	created := identity.Clone()
	d.mu.Unlock()

	log.Info("identity created", zap.String("id", id), zap.String("name", display))
	d.Persist(ctx, id)
	return created, nil
}

func (d *Directory) Get(id string) (model.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	identity, ok := d.byID[id]
	if !ok {
		return model.Identity{}, model.Errorf(model.KindNotFound, "identity not found")
	}
	return identity.Clone(), nil
}

// Partner returns the partner of id, NoPartner if id is unpaired.
func (d *Directory) Partner(id string) (model.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	identity, ok := d.byID[id]
	if !ok {
		return model.Identity{}, model.Errorf(model.KindNotFound, "identity not found")
	}
	if !identity.HasPartner() {
		return model.Identity{}, model.Errorf(model.KindNoPartner, "no paired user found")
	}
	partner, ok := d.byID[identity.PartnerID]
	if !ok {
		return model.Identity{}, model.Errorf(model.KindNotFound, "partner not found")
	}
	return partner.Clone(), nil
}

// Update applies fn to the record of id as one atomic step. If fn fails the
// record is left untouched.
func (d *Directory) Update(id string, fn func(identity *model.Identity) error) (model.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	identity, ok := d.byID[id]
	if !ok {
		return model.Identity{}, model.Errorf(model.KindNotFound, "identity not found")
	}
	scratch := identity.Clone()
	if err := fn(&scratch); err != nil {
		return identity.Clone(), err
	}
	*identity = scratch
	return identity.Clone(), nil
}

// UpdatePair applies fn to two records as one atomic step.
func (d *Directory) UpdatePair(a, b string, fn func(a, b *model.Identity) error) (model.Identity, model.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ia, ok := d.byID[a]
	if !ok {
		return model.Identity{}, model.Identity{}, model.Errorf(model.KindNotFound, "identity not found")
	}
	ib, ok := d.byID[b]
	if !ok {
		return model.Identity{}, model.Identity{}, model.Errorf(model.KindNotFound, "partner not found")
	}
	sa, sb := ia.Clone(), ib.Clone()
	if a == b {
		// Both arguments alias the same record, fn sees one copy.
		if err := fn(&sa, &sa); err != nil {
			return ia.Clone(), ib.Clone(), err
		}
		*ia = sa
		return ia.Clone(), ia.Clone(), nil
	}
	if err := fn(&sa, &sb); err != nil {
		return ia.Clone(), ib.Clone(), err
	}
	*ia, *ib = sa, sb
	return ia.Clone(), ib.Clone(), nil
}

// Snapshot returns copies of all identities.
func (d *Directory) Snapshot() []model.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.Identity, 0, len(d.byID))
	for _, identity := range d.byID {
		out = append(out, identity.Clone())
	}
	return out
}

// Persist writes the current records of ids to the store. Failures are logged;
// the in-memory record remains the source of truth. The record is read under
// the id's save lock, so the last save of an id carries its newest state.
func (d *Directory) Persist(ctx context.Context, ids ...string) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	for _, id := range ids {
		d.persist(ctx, id)
	}
}

func (d *Directory) persist(ctx context.Context, id string) {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &d.saveMu[h.Sum32()%saveStripes]
	mu.Lock()
	defer mu.Unlock()

	identity, err := d.Get(id)
	if err != nil {
		return
	}
	if err := d.store.Save(ctx, &identity); err != nil {
		log.Error("persist identity failed", zap.String("id", id), zap.Error(err))
	}
}
