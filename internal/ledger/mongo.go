package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const ledgerCollection = "ledger"

// MongoStore persists ledger entries in the document store. Balance reads
// run as aggregations so only the signed per-unit sums cross the wire.
type MongoStore struct {
	col     *mongo.Collection
	timeout time.Duration
}

// NewMongoStore wires the ledger collection and its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database, timeout time.Duration) (*MongoStore, error) {
	s := &MongoStore{col: db.Collection(ledgerCollection), timeout: timeout}
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "ledger_type", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{
			{Key: "debit.account_type", Value: 1},
			{Key: "debit.name", Value: 1},
			{Key: "debit.sub", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "credit.account_type", Value: 1},
			{Key: "credit.name", Value: 1},
			{Key: "credit.sub", Value: 1},
		}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure ledger indexes")
	}
	return s, nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Insert implements Store.
func (s *MongoStore) Insert(ctx context.Context, e *Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.col.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateEntry
	}
	return errors.Wrapf(err, "insert ledger entry %s/%s", e.GroupID, e.Type)
}

func accountMatch(side string, acct Account) bson.M {
	m := bson.M{
		side + ".account_type": acct.Type,
		side + ".name":         acct.Name,
	}
	if acct.Sub == "" {
		m[side+".sub"] = bson.M{"$in": bson.A{nil, ""}}
	} else {
		m[side+".sub"] = acct.Sub
	}
	return m
}

// AccountLines implements Store. Each matching entry yields one signed
// line: debit-positive, credit-negative.
func (s *MongoStore) AccountLines(ctx context.Context, acct Account, asOf time.Time, age time.Duration) ([]Line, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	timeFilter := bson.M{"$lte": asOf}
	if age > 0 {
		timeFilter["$gte"] = asOf.Add(-age)
	}
	match := bson.M{
		"timestamp": timeFilter,
		"$or":       bson.A{accountMatch("debit", acct), accountMatch("credit", acct)},
	}
	debitCond := bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{"$debit.account_type", acct.Type}},
		bson.M{"$eq": bson.A{"$debit.name", acct.Name}},
		bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$debit.sub", ""}}, acct.Sub}},
	}}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: bson.D{{Key: "timestamp", Value: 1}}}},
		{{Key: "$project", Value: bson.M{
			"timestamp":   1,
			"ledger_type": 1,
			"group_id":    1,
			"unit":        1,
			"description": 1,
			"amount": bson.M{"$cond": bson.A{
				debitCond,
				"$amount",
				bson.M{"$multiply": bson.A{"$amount", -1}},
			}},
		}}},
	}
	cur, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate lines for %s", acct)
	}
	defer cur.Close(ctx)
	var lines []Line
	if err := cur.All(ctx, &lines); err != nil {
		return nil, errors.Wrap(err, "decode account lines")
	}
	return lines, nil
}

// Accounts implements Store.
func (s *MongoStore) Accounts(ctx context.Context) ([]Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.M{"accounts": bson.A{"$debit", "$credit"}}}},
		{{Key: "$unwind", Value: "$accounts"}},
		{{Key: "$group", Value: bson.M{"_id": "$accounts"}}},
	}
	cur, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate accounts")
	}
	defer cur.Close(ctx)
	var out []Account
	for cur.Next(ctx) {
		var doc struct {
			ID Account `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode account tuple")
		}
		out = append(out, doc.ID)
	}
	return out, cur.Err()
}

// EntriesForGroup implements Store.
func (s *MongoStore) EntriesForGroup(ctx context.Context, groupID string) ([]*Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.col.Find(ctx, bson.M{"group_id": groupID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, errors.Wrapf(err, "find entries for group %s", groupID)
	}
	defer cur.Close(ctx)
	var out []*Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode group entries")
	}
	return out, nil
}
