package identity

import (
	"context"
	"encoding/json"
	"pair_sync/internal/model"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// dbIdentityPrefix namespaces identity records inside the database.
var dbIdentityPrefix = []byte("identity-")

type (
	// LevelRepo keeps identities in an embedded LevelDB database, for single
	// node deployments without a MongoDB server.
	LevelRepo struct {
		db *leveldb.DB
	}

	levelRecord struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		SecretDigest string `json:"secret_digest"`
		PartnerID    string `json:"partner_id,omitempty"`
		CreatedAt    int64  `json:"created_at"`
	}
)

func NewLevelRepo(path string) (*LevelRepo, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &LevelRepo{db: db}, nil
}

func (r *LevelRepo) Close() error {
	return r.db.Close()
}

func (r *LevelRepo) Load(ctx context.Context) ([]model.Identity, error) {
	it := r.db.NewIterator(util.BytesPrefix(dbIdentityPrefix), nil)
	defer it.Release()

	var identities []model.Identity
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec levelRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, err
		}
		identities = append(identities, rec.toModel())
	}
	return identities, it.Error()
}

func (r *LevelRepo) Save(ctx context.Context, identity *model.Identity) error {
	blob, err := json.Marshal(levelRecord{
		ID:           identity.ID,
		Name:         identity.Name,
		SecretDigest: identity.SecretDigest,
		PartnerID:    identity.PartnerID,
		CreatedAt:    identity.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return r.db.Put(append(append([]byte{}, dbIdentityPrefix...), identity.ID...), blob, nil)
}

func (rec levelRecord) toModel() model.Identity {
	return model.Identity{
		ID:           rec.ID,
		Name:         rec.Name,
		SecretDigest: rec.SecretDigest,
		PartnerID:    rec.PartnerID,
		Status:       model.StatusOffline,
		CreatedAt:    time.Unix(0, rec.CreatedAt).UTC(),
	}
}
