package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"magpie/internal/constants"
)

// EnsureJobIndexes creates the indexes the queue store's claim query
// depends on. The dequeue path filters on queue+status+scheduled_at
// and sorts by effective_priority desc, created_at asc.
func EnsureJobIndexes(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.JobsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "status", Value: 1},
				{Key: "scheduled_at", Value: 1},
				{Key: "effective_priority", Value: -1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("idx_jobs_claim"),
		},
		{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_jobs_queue_status"),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_jobs_updated_at"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
