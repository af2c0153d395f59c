// Package errorcode deduplicates recurring error events. The first
// occurrence of a code is allowed through; repeats inside the re-alert
// interval are suppressed; a clear is recorded when the condition goes
// away, and the history is persisted for later inspection.
package errorcode

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const collectionName = "error_codes"

// DefaultReAlertInterval suppresses repeats of the same code for an hour.
const DefaultReAlertInterval = time.Hour

// Record is the persisted state of one error code on one machine.
type Record struct {
	Code            string        `bson:"code"`
	Message         string        `bson:"message"`
	StartTime       time.Time     `bson:"start_time"`
	LastLogTime     time.Time     `bson:"last_log_time"`
	ReAlertInterval time.Duration `bson:"re_alert_interval"`
	Active          bool          `bson:"active"`
	ClearedAt       *time.Time    `bson:"cleared_at,omitempty"`
	MachineID       string        `bson:"machine_id"`
}

// Manager tracks active error codes in memory and mirrors them to the
// document store. The machine id is appended to every code so identical
// errors on different hosts do not suppress each other.
type Manager struct {
	col       *mongo.Collection
	logger    *zap.Logger
	machineID string
	interval  time.Duration

	mu     sync.Mutex
	active map[string]*Record
}

// NewManager builds a Manager. col may be nil in tests; history is then
// kept only in memory.
func NewManager(db *mongo.Database, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	m := &Manager{
		logger:    logger,
		machineID: host,
		interval:  DefaultReAlertInterval,
		active:    make(map[string]*Record),
	}
	if db != nil {
		m.col = db.Collection(collectionName)
	}
	return m
}

func (m *Manager) key(code string) string { return code + "@" + m.machineID }

// Allow reports whether an occurrence of code should be surfaced. The
// first occurrence, and the first after each re-alert interval, pass;
// everything in between is suppressed at the filter level.
func (m *Manager) Allow(ctx context.Context, code, message string) bool {
	now := time.Now().UTC()
	key := m.key(code)

	m.mu.Lock()
	rec, ok := m.active[key]
	if ok && rec.Active && now.Sub(rec.LastLogTime) < rec.ReAlertInterval {
		m.mu.Unlock()
		return false
	}
	if !ok || !rec.Active {
		rec = &Record{
			Code:            code,
			StartTime:       now,
			ReAlertInterval: m.interval,
			Active:          true,
			MachineID:       m.machineID,
		}
		m.active[key] = rec
	}
	rec.Message = message
	rec.LastLogTime = now
	cp := *rec
	m.mu.Unlock()

	m.persist(ctx, &cp)
	return true
}

// Clear marks a code as resolved and records the clear event. Returns the
// elapsed time the code was active, or false when the code was not known.
func (m *Manager) Clear(ctx context.Context, code string) (time.Duration, bool) {
	now := time.Now().UTC()
	key := m.key(code)

	m.mu.Lock()
	rec, ok := m.active[key]
	if !ok || !rec.Active {
		m.mu.Unlock()
		return 0, false
	}
	rec.Active = false
	rec.ClearedAt = &now
	elapsed := now.Sub(rec.StartTime)
	cp := *rec
	delete(m.active, key)
	m.mu.Unlock()

	m.persist(ctx, &cp)
	m.logger.Info("error code cleared",
		zap.String("error_code", code),
		zap.Duration("active_for", elapsed))
	return elapsed, true
}

func (m *Manager) persist(ctx context.Context, rec *Record) {
	if m.col == nil {
		return
	}
	filter := bson.M{
		"code":       rec.Code,
		"machine_id": rec.MachineID,
		"start_time": rec.StartTime,
	}
	_, err := m.col.UpdateOne(ctx, filter, bson.M{"$set": rec},
		options.Update().SetUpsert(true))
	if err != nil {
		m.logger.Warn("failed to persist error code",
			zap.String("error_code", rec.Code),
			zap.Error(errors.Wrap(err, "error_codes upsert")))
	}
}
