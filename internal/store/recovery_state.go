package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RecoveryRecord is one document per channel the Recovery Subsystem has
// resolved, kept for operational audit only — nothing downstream reads it
// back to make a dispatch decision.
type RecoveryRecord struct {
	ChannelPath string    `bson:"_id"`
	Outcome     string    `bson:"outcome"` // already_handled, resubmitted
	HandlerName string    `bson:"handler_name,omitempty"`
	ResolvedAt  time.Time `bson:"resolved_at"`
}

const (
	OutcomeAlreadyHandled = "already_handled"
	OutcomeResubmitted    = "resubmitted"
)

// RecoveryStateRepository persists RecoveryRecord documents.
type RecoveryStateRepository struct {
	collection *mongo.Collection
}

func NewRecoveryStateRepository(db *mongo.Database) *RecoveryStateRepository {
	return &RecoveryStateRepository{collection: db.Collection("recovery_state")}
}

func (r *RecoveryStateRepository) Record(ctx context.Context, channelPath, outcome, handlerName string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": channelPath},
		bson.M{"$set": bson.M{
			"outcome":      outcome,
			"handler_name": handlerName,
			"resolved_at":  time.Now(),
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *RecoveryStateRepository) FindByChannelPath(ctx context.Context, channelPath string) (*RecoveryRecord, error) {
	var doc RecoveryRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": channelPath}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}
