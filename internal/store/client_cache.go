// Package store holds the dispatcher's two small, ambient, restart-
// surviving Mongo-backed caches: client_cache and recovery_state. Neither
// is a source of truth — the registry's boot sequence and the recovery
// subsystem always recompute from the bus.
package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.chandispatch.dev/internal/registry"
)

var ErrNotFound = errors.New("not found")

// CachedClient is the document shape for client_cache: the last-known
// capability set, filter lists and bypass-approval flag per bus name.
type CachedClient struct {
	BusName         string    `bson:"_id"`
	Capabilities    uint8     `bson:"capabilities"`
	BypassApproval  bool      `bson:"bypass_approval"`
	ObserverFilters []bson.M  `bson:"observer_filters"`
	ApproverFilters []bson.M  `bson:"approver_filters"`
	HandlerFilters  []bson.M  `bson:"handler_filters"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

// ClientCacheRepository persists CachedClient documents.
type ClientCacheRepository struct {
	collection *mongo.Collection
}

func NewClientCacheRepository(db *mongo.Database) *ClientCacheRepository {
	return &ClientCacheRepository{collection: db.Collection("client_cache")}
}

// Upsert writes (or refreshes) the cached entry for one client, called
// whenever the registry resolves a client the slow way (descriptor file
// miss → bus query).
func (r *ClientCacheRepository) Upsert(ctx context.Context, busName string, caps registry.Capability, bypass bool) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": busName},
		bson.M{"$set": bson.M{
			"capabilities":    uint8(caps),
			"bypass_approval": bypass,
			"updated_at":      time.Now(),
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *ClientCacheRepository) FindByBusName(ctx context.Context, busName string) (*CachedClient, error) {
	var doc CachedClient
	err := r.collection.FindOne(ctx, bson.M{"_id": busName}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}
