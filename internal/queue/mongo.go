package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"magpie/internal/constants"
)

// MongoStore is the durable Store. A single FindOneAndUpdate is the
// claim, so no two workers ever get the same job.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection(constants.JobsCollection),
	}
}

func (s *MongoStore) Enqueue(ctx context.Context, job *Job) error {
	if err := ValidateJob(job); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	if _, err := s.collection.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *MongoStore) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"queue":        queueName,
		"status":       bson.M{"$in": []Status{StatusQueued, StatusRetrying}},
		"scheduled_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     StatusActive,
			"started_at": now,
			"updated_at": now,
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "effective_priority", Value: -1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var job Job
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

func (s *MongoStore) MarkCompleted(ctx context.Context, id string, result map[string]interface{}) error {
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":       StatusCompleted,
		"result":       result,
		"completed_at": now,
		"updated_at":   now,
	}}
	return s.transition(ctx, id, []Status{StatusActive}, update)
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, jobErr string) error {
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":       StatusFailed,
		"last_error":   jobErr,
		"completed_at": now,
		"updated_at":   now,
	}}
	return s.transition(ctx, id, []Status{StatusActive}, update)
}

func (s *MongoStore) MarkRetrying(ctx context.Context, id string, delay time.Duration, jobErr string) error {
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":       StatusRetrying,
		"last_error":   jobErr,
		"scheduled_at": now.Add(delay),
		"updated_at":   now,
	}}
	return s.transition(ctx, id, []Status{StatusActive}, update)
}

func (s *MongoStore) Requeue(ctx context.Context, id string, delay time.Duration) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"status":       StatusQueued,
			"scheduled_at": now.Add(delay),
			"updated_at":   now,
		},
		// The claim consumed an attempt but the dependency was never
		// invoked, so give it back.
		"$inc": bson.M{"attempts": -1},
	}
	return s.transition(ctx, id, []Status{StatusActive}, update)
}

func (s *MongoStore) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":       StatusCancelled,
		"completed_at": now,
		"updated_at":   now,
	}}
	return s.transition(ctx, id, []Status{StatusQueued, StatusRetrying}, update)
}

// transition applies update only when the job is currently in one of the
// allowed statuses. A matched count of zero means either the job is gone
// or its status forbids the move.
func (s *MongoStore) transition(ctx context.Context, id string, from []Status, update bson.M) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id, "status": bson.M{"$in": from}}, update)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("failed to check job %s: %w", id, err)
		}
		if count == 0 {
			return ErrJobNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find job %s: %w", id, err)
	}
	return &job, nil
}

func (s *MongoStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := bson.M{}
	if filter.Queue != "" {
		query["queue"] = filter.Queue
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = constants.DefaultLimit
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}

func (s *MongoStore) CountByStatus(ctx context.Context, queueName string) (map[Status]int64, error) {
	match := bson.M{}
	if queueName != "" {
		match["queue"] = queueName
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[Status]int64)
	for cursor.Next(ctx) {
		var row struct {
			Status Status `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode count row: %w", err)
		}
		counts[row.Status] = row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}

func (s *MongoStore) BoostAged(ctx context.Context, queueName string, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	filter := bson.M{
		"queue":              queueName,
		"status":             bson.M{"$in": []Status{StatusQueued, StatusRetrying}},
		"created_at":         bson.M{"$lte": cutoff},
		"effective_priority": bson.M{"$lt": MaxPriorityWeight},
	}
	// Pipeline update so the increment is capped server-side.
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"effective_priority": bson.M{"$min": bson.A{MaxPriorityWeight, bson.M{"$add": bson.A{"$effective_priority", 1}}}},
			"updated_at":         time.Now().UTC(),
		}}},
	}

	res, err := s.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to boost aged jobs: %w", err)
	}
	return res.ModifiedCount, nil
}
