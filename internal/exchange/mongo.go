package exchange

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	pendingCollection = "pending_rebalance"
	resultsCollection = "rebalance_results"
)

// MongoPendingStore is the production PendingStore. Decimal fields cross
// the document boundary as strings so no precision is lost.
type MongoPendingStore struct {
	pending *mongo.Collection
	results *mongo.Collection
	timeout time.Duration
}

// NewMongoPendingStore wires the rebalance collections.
func NewMongoPendingStore(db *mongo.Database, timeout time.Duration) *MongoPendingStore {
	return &MongoPendingStore{
		pending: db.Collection(pendingCollection),
		results: db.Collection(resultsCollection),
		timeout: timeout,
	}
}

type pendingDoc struct {
	ID                   string    `bson:"_id"`
	Exchange             string    `bson:"exchange"`
	BaseAsset            string    `bson:"base_asset"`
	QuoteAsset           string    `bson:"quote_asset"`
	Direction            string    `bson:"direction"`
	PendingQty           string    `bson:"pending_qty"`
	PendingQuoteValue    string    `bson:"pending_quote_value"`
	MinQtyThreshold      string    `bson:"min_qty_threshold"`
	MinNotionalThreshold string    `bson:"min_notional_threshold"`
	TransactionCount     int       `bson:"transaction_count"`
	TransactionIDs       []string  `bson:"transaction_ids"`
	TotalExecutedQty     string    `bson:"total_executed_qty"`
	ExecutionCount       int       `bson:"execution_count"`
	UpdatedAt            time.Time `bson:"updated_at"`
	Version              int64     `bson:"version"`
}

func toDoc(row *PendingRebalance) *pendingDoc {
	return &pendingDoc{
		ID:                   row.ID,
		Exchange:             row.Exchange,
		BaseAsset:            row.BaseAsset,
		QuoteAsset:           row.QuoteAsset,
		Direction:            string(row.Direction),
		PendingQty:           row.PendingQty.String(),
		PendingQuoteValue:    row.PendingQuoteValue.String(),
		MinQtyThreshold:      row.MinQtyThreshold.String(),
		MinNotionalThreshold: row.MinNotionalThreshold.String(),
		TransactionCount:     row.TransactionCount,
		TransactionIDs:       row.TransactionIDs,
		TotalExecutedQty:     row.TotalExecutedQty.String(),
		ExecutionCount:       row.ExecutionCount,
		UpdatedAt:            row.UpdatedAt,
		Version:              row.Version,
	}
}

func fromDoc(doc *pendingDoc) (*PendingRebalance, error) {
	parse := func(s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}
	row := &PendingRebalance{
		ID:               doc.ID,
		Exchange:         doc.Exchange,
		BaseAsset:        doc.BaseAsset,
		QuoteAsset:       doc.QuoteAsset,
		Direction:        Direction(doc.Direction),
		TransactionCount: doc.TransactionCount,
		TransactionIDs:   doc.TransactionIDs,
		ExecutionCount:   doc.ExecutionCount,
		UpdatedAt:        doc.UpdatedAt,
		Version:          doc.Version,
	}
	var err error
	if row.PendingQty, err = parse(doc.PendingQty); err != nil {
		return nil, errors.Wrap(err, "parse pending_qty")
	}
	if row.PendingQuoteValue, err = parse(doc.PendingQuoteValue); err != nil {
		return nil, errors.Wrap(err, "parse pending_quote_value")
	}
	if row.MinQtyThreshold, err = parse(doc.MinQtyThreshold); err != nil {
		return nil, errors.Wrap(err, "parse min_qty_threshold")
	}
	if row.MinNotionalThreshold, err = parse(doc.MinNotionalThreshold); err != nil {
		return nil, errors.Wrap(err, "parse min_notional_threshold")
	}
	if row.TotalExecutedQty, err = parse(doc.TotalExecutedQty); err != nil {
		return nil, errors.Wrap(err, "parse total_executed_qty")
	}
	return row, nil
}

// Get implements PendingStore.
func (s *MongoPendingStore) Get(ctx context.Context, exchange, base, quote string, dir Direction) (*PendingRebalance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	id := pendingID(exchange, base, quote, dir)
	var doc pendingDoc
	err := s.pending.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &PendingRebalance{
			ID:         id,
			Exchange:   exchange,
			BaseAsset:  base,
			QuoteAsset: quote,
			Direction:  dir,
		}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load pending row %s", id)
	}
	return fromDoc(&doc)
}

// Save implements PendingStore. The version filter gives write-if-
// unchanged semantics; a miss on an existing row is a version conflict.
func (s *MongoPendingStore) Save(ctx context.Context, row *PendingRebalance) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	doc := toDoc(row)
	doc.Version = row.Version + 1
	if row.Version == 0 {
		_, err := s.pending.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return ErrVersionConflict
		}
		if err != nil {
			return errors.Wrapf(err, "insert pending row %s", row.ID)
		}
		row.Version = doc.Version
		return nil
	}
	res, err := s.pending.ReplaceOne(ctx,
		bson.M{"_id": row.ID, "version": row.Version},
		doc,
	)
	if err != nil {
		return errors.Wrapf(err, "save pending row %s", row.ID)
	}
	if res.MatchedCount == 0 {
		return ErrVersionConflict
	}
	row.Version = doc.Version
	return nil
}

// RecordExecution implements PendingStore.
func (s *MongoPendingStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	doc := bson.M{
		"exchange":       rec.Exchange,
		"pair":           rec.Pair,
		"direction":      string(rec.Direction),
		"requested_qty":  rec.RequestedQty.String(),
		"filled_qty":     rec.FilledQty.String(),
		"quote_received": rec.QuoteReceived.String(),
		"avg_price":      rec.AvgPrice.String(),
		"fee":            rec.Fee.String(),
		"fee_asset":      rec.FeeAsset,
		"order_id":       rec.OrderID,
		"group_id":       rec.GroupID,
		"executed_at":    rec.ExecutedAt,
	}
	_, err := s.results.InsertOne(ctx, doc)
	return errors.Wrap(err, "record execution")
}

// EnsureIndexes creates the audit-trail index.
func (s *MongoPendingStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.results.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "executed_at", Value: -1}},
		Options: options.Index(),
	})
	return errors.Wrap(err, "ensure rebalance_results index")
}
