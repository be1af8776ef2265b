// Package badger persists engine state in an embedded BadgerDB.
//
// Keys are laid out by record kind:
//
//	variant/{variant_id}                   Variant
//	perf/{variant_id}/{scope_key}          Performance
//	exp/{experiment_id}                    Experiment
//	asg/{experiment_id}/{participant_id}   Assignment
//	tally/{experiment_id}/{variant_id}     Tally
//	event/{unix_nanos}/{event_id}          Event
//
// Values are JSON. Writes run in serializable transactions, so an event and
// every counter it moves commit together or not at all.
package badger

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
	"variantlab/ports"

	"github.com/dgraph-io/badger/v4"
)

var _ ports.Store = (*Store)(nil)

// maxConflictRetries bounds how often a transaction is replayed after ErrConflict
const maxConflictRetries = 8

// Config holds configuration for the badger store
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// Store implements ports.Store on BadgerDB
type Store struct {
	db *badger.DB

	// writes are serialized in-process; conflict retries still cover other
	// processes sharing the directory
	writeMu sync.Mutex
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the database described by cfg
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.ConfigInvalid("badger path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errors.DatabaseError(fmt.Sprintf("create badger directory %s", cfg.Path), err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.DatabaseError("open badger database", err)
	}
	return &Store{db: db}, nil
}

func variantKey(id core.VariantID) []byte {
	return []byte("variant/" + string(id))
}

func perfKey(id core.VariantID, scope variant.Scope) []byte {
	return []byte("perf/" + string(id) + "/" + scope.Key())
}

func experimentKey(id core.ExperimentID) []byte {
	return []byte("exp/" + string(id))
}

func assignmentPrefix(expID core.ExperimentID) []byte {
	return []byte("asg/" + string(expID) + "/")
}

func assignmentKey(expID core.ExperimentID, participantID core.ParticipantID) []byte {
	return append(assignmentPrefix(expID), participantID...)
}

func tallyPrefix(expID core.ExperimentID) []byte {
	return []byte("tally/" + string(expID) + "/")
}

func tallyKey(expID core.ExperimentID, variantID core.VariantID) []byte {
	return append(tallyPrefix(expID), variantID...)
}

func eventKey(e tracking.Event) []byte {
	return []byte(fmt.Sprintf("event/%020d/%s", e.Timestamp.UnixNano(), e.ID))
}

// update runs fn in a read-write transaction, replaying it on conflicts.
// Errors returned by fn pass through untouched.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !stderrors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return errors.DatabaseError("badger transaction kept conflicting", badger.ErrConflict)
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// getJSON decodes the value at key into out, reporting whether it existed
func getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.DatabaseError(fmt.Sprintf("get %s", key), err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return false, errors.DatabaseError(fmt.Sprintf("decode %s", key), err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.DatabaseError(fmt.Sprintf("encode %s", key), err)
	}
	if err := txn.Set(key, data); err != nil {
		return errors.DatabaseError(fmt.Sprintf("set %s", key), err)
	}
	return nil
}

// scanJSON calls fn for every value under prefix, in key order
func scanJSON(txn *badger.Txn, prefix []byte, newValue func() interface{}, fn func(key []byte, v interface{}) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v := newValue()
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, v) }); err != nil {
			return errors.DatabaseError(fmt.Sprintf("decode %s", item.Key()), err)
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

// Register implements ports.VariantRepository
func (s *Store) Register(ctx context.Context, v variant.Variant, bootstrap variant.Delta) (bool, error) {
	initial, err := variant.Performance{}.Apply(bootstrap)
	if err != nil {
		return false, err
	}
	created := false
	err = s.update(ctx, func(txn *badger.Txn) error {
		created = false
		var existing variant.Variant
		found, err := getJSON(txn, variantKey(v.ID), &existing)
		if err != nil || found {
			return err
		}
		if err := setJSON(txn, variantKey(v.ID), v); err != nil {
			return err
		}
		if err := setJSON(txn, perfKey(v.ID, variant.GlobalScope), initial); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// GetVariant implements ports.VariantRepository
func (s *Store) GetVariant(ctx context.Context, id core.VariantID, scope variant.Scope) (*variant.Record, error) {
	var rec *variant.Record
	err := s.view(func(txn *badger.Txn) error {
		var v variant.Variant
		found, err := getJSON(txn, variantKey(id), &v)
		if err != nil {
			return err
		}
		if !found {
			return errors.NotFound(fmt.Sprintf("variant %s", id))
		}
		r, err := loadRecord(txn, v, scope)
		rec = &r
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func loadRecord(txn *badger.Txn, v variant.Variant, scope variant.Scope) (variant.Record, error) {
	rec := variant.Record{Variant: v, Scope: scope}
	_, err := getJSON(txn, perfKey(v.ID, scope), &rec.Performance)
	return rec, err
}

// ListVariants implements ports.VariantRepository
func (s *Store) ListVariants(ctx context.Context, filter variant.Filter) ([]variant.Record, error) {
	scope := filter.Scope()
	out := make([]variant.Record, 0)
	err := s.view(func(txn *badger.Txn) error {
		var variants []variant.Variant
		err := scanJSON(txn, []byte("variant/"),
			func() interface{} { return &variant.Variant{} },
			func(_ []byte, v interface{}) error {
				variants = append(variants, *v.(*variant.Variant))
				return nil
			})
		if err != nil {
			return err
		}
		for _, v := range variants {
			rec, err := loadRecord(txn, v, scope)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// incrementTxn applies delta to every scope inside txn. Any violation aborts
// the whole transaction.
func incrementTxn(txn *badger.Txn, id core.VariantID, scopes []variant.Scope, delta variant.Delta) error {
	var v variant.Variant
	found, err := getJSON(txn, variantKey(id), &v)
	if err != nil {
		return err
	}
	if !found {
		return errors.NotFound(fmt.Sprintf("variant %s", id))
	}
	seen := make(map[variant.Scope]bool, len(scopes))
	for _, scope := range scopes {
		if seen[scope] {
			continue
		}
		seen[scope] = true
		var perf variant.Performance
		if _, err := getJSON(txn, perfKey(id, scope), &perf); err != nil {
			return err
		}
		next, err := perf.ApplyIn(scope, delta)
		if err != nil {
			return errors.Wrapf(err, "variant %s scope %s", id, scope.Key())
		}
		if err := setJSON(txn, perfKey(id, scope), next); err != nil {
			return err
		}
	}
	return nil
}

// Increment implements ports.VariantRepository
func (s *Store) Increment(ctx context.Context, id core.VariantID, scopes []variant.Scope, delta variant.Delta) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return incrementTxn(txn, id, scopes, delta)
	})
}

// Count implements ports.VariantRepository
func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("variant/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Create implements ports.ExperimentRepository
func (s *Store) Create(ctx context.Context, exp *experiment.Experiment) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var existing experiment.Experiment
		found, err := getJSON(txn, experimentKey(exp.ID), &existing)
		if err != nil {
			return err
		}
		if found {
			return errors.ValidationErrorf("experiment %s already exists", exp.ID)
		}
		return setJSON(txn, experimentKey(exp.ID), exp)
	})
}

func getExperimentTxn(txn *badger.Txn, id core.ExperimentID) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	found, err := getJSON(txn, experimentKey(id), &exp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NotFound(fmt.Sprintf("experiment %s", id))
	}
	return &exp, nil
}

// GetExperiment implements ports.ExperimentRepository
func (s *Store) GetExperiment(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, error) {
	var exp *experiment.Experiment
	err := s.view(func(txn *badger.Txn) error {
		var err error
		exp, err = getExperimentTxn(txn, id)
		return err
	})
	return exp, err
}

// ListExperiments implements ports.ExperimentRepository
func (s *Store) ListExperiments(ctx context.Context, filter experiment.ListFilter) ([]*experiment.Experiment, error) {
	out := make([]*experiment.Experiment, 0)
	err := s.view(func(txn *badger.Txn) error {
		return scanJSON(txn, []byte("exp/"),
			func() interface{} { return &experiment.Experiment{} },
			func(_ []byte, v interface{}) error {
				if exp := v.(*experiment.Experiment); filter.Matches(exp) {
					out = append(out, exp)
				}
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CompareAndSwapStatus implements ports.ExperimentRepository
func (s *Store) CompareAndSwapStatus(ctx context.Context, id core.ExperimentID, from, to experiment.Status, reason string, at time.Time) (*experiment.Experiment, error) {
	var updated *experiment.Experiment
	err := s.update(ctx, func(txn *badger.Txn) error {
		exp, err := getExperimentTxn(txn, id)
		if err != nil {
			return err
		}
		if exp.Status != from {
			return errors.InvalidState(fmt.Sprintf("experiment %s is %s, expected %s", id, exp.Status, from))
		}
		if !experiment.CanTransition(from, to) {
			return errors.InvalidState(fmt.Sprintf("cannot transition experiment from %s to %s", from, to))
		}
		exp.ApplyTransition(to, reason, at)
		updated = exp
		return setJSON(txn, experimentKey(id), exp)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetAssignment implements ports.AssignmentRepository
func (s *Store) GetAssignment(ctx context.Context, expID core.ExperimentID, participantID core.ParticipantID) (*experiment.Assignment, error) {
	var out *experiment.Assignment
	err := s.view(func(txn *badger.Txn) error {
		var a experiment.Assignment
		found, err := getJSON(txn, assignmentKey(expID, participantID), &a)
		if found {
			out = &a
		}
		return err
	})
	return out, err
}

// InsertAssignmentIfAbsent implements ports.AssignmentRepository
func (s *Store) InsertAssignmentIfAbsent(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	stored := a
	created := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		var existing experiment.Assignment
		found, err := getJSON(txn, assignmentKey(a.ExperimentID, a.ParticipantID), &existing)
		if err != nil {
			return err
		}
		if found {
			stored = existing
			return nil
		}
		stored = a
		created = true
		return setJSON(txn, assignmentKey(a.ExperimentID, a.ParticipantID), a)
	})
	if err != nil {
		return experiment.Assignment{}, false, err
	}
	return stored, created, nil
}

// ParticipantCounts implements ports.AssignmentRepository
func (s *Store) ParticipantCounts(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]uint64, error) {
	counts := make(map[core.VariantID]uint64)
	err := s.view(func(txn *badger.Txn) error {
		return scanJSON(txn, assignmentPrefix(expID),
			func() interface{} { return &experiment.Assignment{} },
			func(_ []byte, v interface{}) error {
				counts[v.(*experiment.Assignment).VariantID]++
				return nil
			})
	})
	return counts, err
}

// ApplyVariantEvent implements ports.FeedbackStore
func (s *Store) ApplyVariantEvent(ctx context.Context, event tracking.Event, scopes []variant.Scope) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := incrementTxn(txn, event.VariantID, scopes, event.Delta()); err != nil {
			return err
		}
		return setJSON(txn, eventKey(event), event)
	})
}

// ApplyExperimentEvent implements ports.FeedbackStore
func (s *Store) ApplyExperimentEvent(ctx context.Context, event tracking.Event) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := getExperimentTxn(txn, event.ExperimentID); err != nil {
			return err
		}
		key := tallyKey(event.ExperimentID, event.VariantID)
		var tally tracking.Tally
		if _, err := getJSON(txn, key, &tally); err != nil {
			return err
		}
		next, err := tally.Apply(event.Delta())
		if err != nil {
			return errors.Wrapf(err, "experiment %s variant %s", event.ExperimentID, event.VariantID)
		}
		if err := setJSON(txn, key, next); err != nil {
			return err
		}
		return setJSON(txn, eventKey(event), event)
	})
}

// ExperimentTallies implements ports.FeedbackStore
func (s *Store) ExperimentTallies(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]tracking.Tally, error) {
	prefix := tallyPrefix(expID)
	out := make(map[core.VariantID]tracking.Tally)
	err := s.view(func(txn *badger.Txn) error {
		return scanJSON(txn, prefix,
			func() interface{} { return &tracking.Tally{} },
			func(key []byte, v interface{}) error {
				id := core.VariantID(strings.TrimPrefix(string(key), string(prefix)))
				out[id] = *v.(*tracking.Tally)
				return nil
			})
	})
	return out, err
}

// Events implements ports.FeedbackStore. Keys sort by timestamp, so a limit
// keeps the most recent matches.
func (s *Store) Events(ctx context.Context, filter tracking.Filter) ([]tracking.Event, error) {
	out := make([]tracking.Event, 0)
	err := s.view(func(txn *badger.Txn) error {
		return scanJSON(txn, []byte("event/"),
			func() interface{} { return &tracking.Event{} },
			func(_ []byte, v interface{}) error {
				if e := *v.(*tracking.Event); filter.Matches(e) {
					out = append(out, e)
				}
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Ping implements ports.Store
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.DatabaseError("badger database is closed", nil)
	}
	return nil
}

// Close implements ports.Store
func (s *Store) Close() error {
	return s.db.Close()
}
