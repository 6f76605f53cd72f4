package identity

import (
	"context"
	"pair_sync/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MongoRepo struct {
		collection *mongo.Collection
	}
)

func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		collection: db.Collection("identities"),
	}
}

func (r *MongoRepo) Load(ctx context.Context) ([]model.Identity, error) {
	cursor, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var identities []model.Identity
	if err := cursor.All(ctx, &identities); err != nil {
		return nil, err
	}
	return identities, nil
}

// Save upserts the persistent part of identity, keyed by its id.
func (r *MongoRepo) Save(ctx context.Context, identity *model.Identity) error {
	filter := bson.M{
		"_id": identity.ID,
	}
	update := bson.M{
		"$set": bson.M{
			"name":          identity.Name,
			"secret_digest": identity.SecretDigest,
			"partner_id":    identity.PartnerID,
			"created_at":    identity.CreatedAt,
		},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
