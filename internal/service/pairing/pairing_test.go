package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pair_sync/internal/model"
	"pair_sync/internal/service/directory"
	redisSvc "pair_sync/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changed []string
}

func (n *recordingNotifier) PairingChanged(ids ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, ids...)
}

func newTestManager(t *testing.T) (*Manager, *directory.Directory) {
	t.Helper()
	dir := directory.New(nil)
	return NewManager(dir, nil), dir
}

func resolve(t *testing.T, dir *directory.Directory, secret string) model.Identity {
	t.Helper()
	identity, err := dir.Resolve(context.Background(), secret)
	if err != nil {
		t.Fatalf("failed to resolve %q: %v", secret, err)
	}
	return identity
}

// Tests that pairing sets both partner ids and records the pairing.
func TestPairSymmetric(t *testing.T) {
	mgr, dir := newTestManager(t)
	notifier := new(recordingNotifier)
	mgr.SetNotifier(notifier)

	alice := resolve(t, dir, "alice@1")
	resolve(t, dir, "bob@2")

	self, partner, err := mgr.Pair(context.Background(), alice.ID, "bob@2")
	if err != nil {
		t.Fatalf("failed to pair: %v", err)
	}
	if self.PartnerID != partner.ID || partner.PartnerID != self.ID {
		t.Errorf("pairing not symmetric: self %+v, partner %+v", self, partner)
	}
	a, _ := dir.Get(alice.ID)
	b, _ := dir.Get(partner.ID)
	if a.PartnerID != b.ID || b.PartnerID != a.ID {
		t.Errorf("directory not symmetric: %q <-> %q", a.PartnerID, b.PartnerID)
	}
	record, ok := mgr.Get(model.PairingKey(b.ID, a.ID))
	if !ok {
		t.Fatalf("pairing record missing")
	}
	if record.Key != model.PairingKey(a.ID, b.ID) {
		t.Errorf("pairing key not order independent: %q", record.Key)
	}
	if of, err := mgr.Of(b.ID); err != nil || of.Key != record.Key {
		t.Errorf("pairing lookup by member failed: %v", err)
	}
	if len(notifier.changed) != 2 {
		t.Errorf("notifier calls mismatch: have %v", notifier.changed)
	}
}

// Tests that pairing creates the partner if it never verified before.
func TestPairCreatesPartner(t *testing.T) {
	mgr, dir := newTestManager(t)
	alice := resolve(t, dir, "alice@1")

	_, partner, err := mgr.Pair(context.Background(), alice.ID, "carol@3")
	if err != nil {
		t.Fatalf("failed to pair: %v", err)
	}
	later := resolve(t, dir, "carol@3")
	if later.ID != partner.ID || later.PartnerID != alice.ID {
		t.Errorf("partner created inconsistently: %+v", later)
	}
}

func TestPairSelf(t *testing.T) {
	mgr, dir := newTestManager(t)
	alice := resolve(t, dir, "alice@1")

	if _, _, err := mgr.Pair(context.Background(), alice.ID, "alice@1"); !errors.Is(err, model.ErrSelfPair) {
		t.Fatalf("error mismatch: have %v, want self pair", err)
	}
	if a, _ := dir.Get(alice.ID); a.HasPartner() {
		t.Errorf("self pairing left partner set: %q", a.PartnerID)
	}
}

// Tests that a paired identity cannot pair again, from either side, and that
// the failed attempt does not disturb the existing pairing.
func TestPairAlreadyPaired(t *testing.T) {
	mgr, dir := newTestManager(t)
	alice := resolve(t, dir, "alice@1")
	bob := resolve(t, dir, "bob@2")
	carol := resolve(t, dir, "carol@3")

	if _, _, err := mgr.Pair(context.Background(), alice.ID, "bob@2"); err != nil {
		t.Fatalf("failed to pair: %v", err)
	}
	if _, _, err := mgr.Pair(context.Background(), alice.ID, "carol@3"); !errors.Is(err, model.ErrAlreadyPaired) {
		t.Errorf("self side: error mismatch: have %v, want already paired", err)
	}
	if _, _, err := mgr.Pair(context.Background(), carol.ID, "bob@2"); !errors.Is(err, model.ErrAlreadyPaired) {
		t.Errorf("partner side: error mismatch: have %v, want already paired", err)
	}
	if _, _, err := mgr.Pair(context.Background(), alice.ID, "bob@2"); !errors.Is(err, model.ErrAlreadyPaired) {
		t.Errorf("repeat: error mismatch: have %v, want already paired", err)
	}
	a, _ := dir.Get(alice.ID)
	b, _ := dir.Get(bob.ID)
	c, _ := dir.Get(carol.ID)
	if a.PartnerID != bob.ID || b.PartnerID != alice.ID || c.HasPartner() {
		t.Errorf("state changed by failed pairing: a=%q b=%q c=%q", a.PartnerID, b.PartnerID, c.PartnerID)
	}
}

func TestPairErrors(t *testing.T) {
	mgr, dir := newTestManager(t)
	alice := resolve(t, dir, "alice@1")

	if _, _, err := mgr.Pair(context.Background(), "ghost", "bob@2"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown self: error mismatch: have %v, want not found", err)
	}
	if _, _, err := mgr.Pair(context.Background(), alice.ID, "bob"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("malformed partner: error mismatch: have %v, want validation", err)
	}
}

func TestUnpair(t *testing.T) {
	mgr, dir := newTestManager(t)
	alice := resolve(t, dir, "alice@1")
	bob := resolve(t, dir, "bob@2")

	if _, _, err := mgr.Pair(context.Background(), alice.ID, "bob@2"); err != nil {
		t.Fatalf("failed to pair: %v", err)
	}
	self, former, err := mgr.Unpair(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("failed to unpair: %v", err)
	}
	if self.HasPartner() || former.HasPartner() || former.ID != bob.ID {
		t.Errorf("unpair result mismatch: self %+v, former %+v", self, former)
	}
	if _, ok := mgr.Get(model.PairingKey(alice.ID, bob.ID)); ok {
		t.Errorf("pairing record survived unpair")
	}
	if _, _, err := mgr.Unpair(context.Background(), alice.ID); !errors.Is(err, model.ErrNoPartner) {
		t.Errorf("second unpair: error mismatch: have %v, want no partner", err)
	}
	if _, _, err := mgr.Unpair(context.Background(), bob.ID); !errors.Is(err, model.ErrNoPartner) {
		t.Errorf("partner unpair: error mismatch: have %v, want no partner", err)
	}
	// Both sides are free to pair again
	if _, _, err := mgr.Pair(context.Background(), bob.ID, "alice@1"); err != nil {
		t.Errorf("re-pairing failed: %v", err)
	}
}

// Tests that concurrent pairing attempts towards the same partner produce
// exactly one pairing.
func TestPairConcurrent(t *testing.T) {
	mgr, dir := newTestManager(t)
	target := resolve(t, dir, "target@0")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 1; i <= 16; i++ {
		self := resolve(t, dir, fmt.Sprintf("peer@%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := mgr.Pair(context.Background(), self.ID, "target@0"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("concurrent pairings mismatch: have %d, want 1", success)
	}
	have, _ := dir.Get(target.ID)
	partner, _ := dir.Get(have.PartnerID)
	if partner.PartnerID != target.ID {
		t.Errorf("pairing not symmetric after race")
	}
}

// Tests that pairing records are mirrored to Redis and their creation time is
// restored after a restart.
func TestRedisMirrorRestore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisStore(redisSvc.NewRedis(rdb))

	dir := directory.New(nil)
	mgr := NewManager(dir, store)
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return created }

	alice := resolve(t, dir, "alice@1")
	bob := resolve(t, dir, "bob@2")
	if _, _, err := mgr.Pair(context.Background(), alice.ID, "bob@2"); err != nil {
		t.Fatalf("failed to pair: %v", err)
	}
	key := model.PairingKey(alice.ID, bob.ID)
	if !mr.Exists("pairing:" + key) {
		t.Fatalf("pairing not mirrored to redis")
	}

	// Restart the manager over the same directory, different clock
	restarted := NewManager(dir, store)
	restarted.now = func() time.Time { return created.Add(time.Hour) }
	restarted.Restore(context.Background())
	record, ok := restarted.Get(key)
	if !ok {
		t.Fatalf("pairing not restored")
	}
	if !record.CreatedAt.Equal(created) {
		t.Errorf("creation time mismatch: have %v, want %v", record.CreatedAt, created)
	}

	if _, _, err := restarted.Unpair(context.Background(), bob.ID); err != nil {
		t.Fatalf("failed to unpair: %v", err)
	}
	if mr.Exists("pairing:" + key) {
		t.Errorf("pairing mirror survived unpair")
	}
}

// Tests that restoring clears partner links that are not mutual.
func TestRestoreClearsOneSided(t *testing.T) {
	mgr, dir := newTestManager(t)
	alice := resolve(t, dir, "alice@1")
	bob := resolve(t, dir, "bob@2")

	dir.Update(alice.ID, func(identity *model.Identity) error {
		identity.PartnerID = bob.ID
		return nil
	})
	mgr.Restore(context.Background())
	if a, _ := dir.Get(alice.ID); a.HasPartner() {
		t.Errorf("one sided link survived restore: %q", a.PartnerID)
	}
}

// Tests that an unreachable mirror does not block restoring pairings.
func TestRestoreMirrorDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisStore(redisSvc.NewRedis(rdb))

	dir := directory.New(nil)
	alice := resolve(t, dir, "alice@1")
	bob := resolve(t, dir, "bob@2")
	if _, _, err := NewManager(dir, store).Pair(context.Background(), alice.ID, "bob@2"); err != nil {
		t.Fatalf("failed to pair: %v", err)
	}
	mr.Close()

	restoredAt := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	restarted := NewManager(dir, store)
	restarted.now = func() time.Time { return restoredAt }
	restarted.Restore(context.Background())

	record, ok := restarted.Get(model.PairingKey(alice.ID, bob.ID))
	if !ok {
		t.Fatalf("pairing not restored with the mirror down")
	}
	if !record.CreatedAt.Equal(restoredAt) {
		t.Errorf("creation time mismatch: have %v, want %v", record.CreatedAt, restoredAt)
	}
}
