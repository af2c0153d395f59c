package journal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

const (
	trackedOpsCollection  = "tracked_ops"
	checkpointsCollection = "checkpoints"
)

// MongoStore is the production journal backed by the document store.
type MongoStore struct {
	ops         *mongo.Collection
	checkpoints *mongo.Collection
	timeout     time.Duration
}

// NewMongoStore wires the journal collections and ensures the uniqueness
// index that enforces ingestion idempotency.
func NewMongoStore(ctx context.Context, db *mongo.Database, timeout time.Duration) (*MongoStore, error) {
	s := &MongoStore{
		ops:         db.Collection(trackedOpsCollection),
		checkpoints: db.Collection(checkpointsCollection),
		timeout:     timeout,
	}
	_, err := s.ops.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "source_kind", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "source_timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "parent_group_id", Value: 1}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure tracked_ops indexes")
	}
	_, err = s.checkpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure checkpoints index")
	}
	return s, nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Insert implements Store.
func (s *MongoStore) Insert(ctx context.Context, op *tracked.Op) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.ops.InsertOne(ctx, op)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrapf(err, "insert tracked op %s", op.GroupID)
	}
	return nil
}

// Update implements Store.
func (s *MongoStore) Update(ctx context.Context, op *tracked.Op) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"group_id": op.GroupID, "source_kind": op.Kind}
	res, err := s.ops.ReplaceOne(ctx, filter, op)
	if err != nil {
		return errors.Wrapf(err, "update tracked op %s", op.GroupID)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// NextIngested implements Store.
func (s *MongoStore) NextIngested(ctx context.Context) (*tracked.Op, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "source_timestamp", Value: 1}})
	var op tracked.Op
	err := s.ops.FindOne(ctx, bson.M{"state": tracked.StateIngested}, opts).Decode(&op)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "next ingested op")
	}
	return &op, nil
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, groupID string, kind tracked.SourceKind) (*tracked.Op, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var op tracked.Op
	err := s.ops.FindOne(ctx, bson.M{"group_id": groupID, "source_kind": kind}).Decode(&op)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get tracked op %s/%s", groupID, kind)
	}
	return &op, nil
}

// FindGroup implements Store.
func (s *MongoStore) FindGroup(ctx context.Context, groupID string) ([]*tracked.Op, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.ops.Find(ctx, bson.M{"group_id": groupID})
	if err != nil {
		return nil, errors.Wrapf(err, "find group %s", groupID)
	}
	defer cur.Close(ctx)
	var out []*tracked.Op
	for cur.Next(ctx) {
		var op tracked.Op
		if err := cur.Decode(&op); err != nil {
			return nil, errors.Wrap(err, "decode tracked op")
		}
		out = append(out, &op)
	}
	return out, cur.Err()
}

// Release implements Store.
func (s *MongoStore) Release(ctx context.Context, groupID string, kind tracked.SourceKind) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"group_id":    groupID,
		"source_kind": kind,
		"state":       tracked.StateRouted,
	}
	update := bson.M{"$set": bson.M{"state": tracked.StateIngested}}
	_, err := s.ops.UpdateOne(ctx, filter, update)
	return errors.Wrapf(err, "release tracked op %s", groupID)
}

// Checkpoint implements Store.
func (s *MongoStore) Checkpoint(ctx context.Context, name string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.checkpoints.FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read checkpoint %s", name)
	}
	return doc.Value, nil
}

// SetCheckpoint implements Store. $max keeps resume points monotonic even
// when concurrent stream loops race on the same name.
func (s *MongoStore) SetCheckpoint(ctx context.Context, name string, value int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.checkpoints.UpdateOne(ctx,
		bson.M{"name": name},
		bson.M{"$max": bson.M{"value": value}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "set checkpoint %s", name)
}
