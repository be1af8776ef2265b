// Package redis serves sticky experiment assignments from Redis so several
// service instances agree on every participant's variant.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/internal/errors"
	"variantlab/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.AssignmentRepository = (*AssignmentRepository)(nil)

// insertIfAbsent stores the assignment and bumps the per-variant participant
// count in one step. Returns {1, assignment} on a win, {0, existing} on a loss.
var insertIfAbsent = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {0, existing}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
return {1, ARGV[1]}
`)

// AssignmentRepository implements ports.AssignmentRepository on Redis.
// Keys are namespaced with a prefix:
//
//	{prefix}:assignment:{experiment_id}:{participant_id}   JSON assignment
//	{prefix}:participants:{experiment_id}                  hash variant_id -> count
type AssignmentRepository struct {
	rdb    *redis.Client
	prefix string
}

// NewAssignmentRepository wraps an existing client
func NewAssignmentRepository(rdb *redis.Client, prefix string) *AssignmentRepository {
	if prefix == "" {
		prefix = "variantlab"
	}
	return &AssignmentRepository{rdb: rdb, prefix: prefix}
}

// Dial parses a redis:// URL and returns a repository on a new client
func Dial(url, prefix string) (*AssignmentRepository, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.ConfigInvalid(fmt.Sprintf("invalid REDIS_URL: %v", err))
	}
	return NewAssignmentRepository(redis.NewClient(opts), prefix), nil
}

func (r *AssignmentRepository) assignmentKey(expID core.ExperimentID, participantID core.ParticipantID) string {
	return fmt.Sprintf("%s:assignment:%s:%s", r.prefix, expID, participantID)
}

func (r *AssignmentRepository) participantsKey(expID core.ExperimentID) string {
	return fmt.Sprintf("%s:participants:%s", r.prefix, expID)
}

// GetAssignment implements ports.AssignmentRepository
func (r *AssignmentRepository) GetAssignment(ctx context.Context, expID core.ExperimentID, participantID core.ParticipantID) (*experiment.Assignment, error) {
	data, err := r.rdb.Get(ctx, r.assignmentKey(expID, participantID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("read assignment from redis", err)
	}
	var a experiment.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.DatabaseError("decode assignment", err)
	}
	return &a, nil
}

// InsertAssignmentIfAbsent implements ports.AssignmentRepository
func (r *AssignmentRepository) InsertAssignmentIfAbsent(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return experiment.Assignment{}, false, errors.DatabaseError("encode assignment", err)
	}

	keys := []string{r.assignmentKey(a.ExperimentID, a.ParticipantID), r.participantsKey(a.ExperimentID)}
	res, err := insertIfAbsent.Run(ctx, r.rdb, keys, string(data), string(a.VariantID)).Slice()
	if err != nil {
		return experiment.Assignment{}, false, errors.DatabaseError("insert assignment into redis", err)
	}
	if len(res) != 2 {
		return experiment.Assignment{}, false, errors.DatabaseError(fmt.Sprintf("unexpected script reply %v", res), nil)
	}

	created, _ := res[0].(int64)
	raw, _ := res[1].(string)
	var stored experiment.Assignment
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return experiment.Assignment{}, false, errors.DatabaseError("decode assignment", err)
	}
	return stored, created == 1, nil
}

// ParticipantCounts implements ports.AssignmentRepository
func (r *AssignmentRepository) ParticipantCounts(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]uint64, error) {
	raw, err := r.rdb.HGetAll(ctx, r.participantsKey(expID)).Result()
	if err != nil {
		return nil, errors.DatabaseError("read participant counts from redis", err)
	}
	counts := make(map[core.VariantID]uint64, len(raw))
	for id, v := range raw {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, errors.DatabaseError(fmt.Sprintf("participant count for %s", id), err)
		}
		counts[core.VariantID(id)] = n
	}
	return counts, nil
}

// Ping verifies Redis connectivity
func (r *AssignmentRepository) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return errors.DatabaseError("ping redis", err)
	}
	return nil
}

// Close closes the underlying client
func (r *AssignmentRepository) Close() error {
	return r.rdb.Close()
}

// overlay routes assignment calls to Redis and everything else to base
type overlay struct {
	ports.Store
	assignments *AssignmentRepository
}

// Overlay returns a store whose assignments live in Redis
func Overlay(base ports.Store, assignments *AssignmentRepository) ports.Store {
	return &overlay{Store: base, assignments: assignments}
}

func (o *overlay) GetAssignment(ctx context.Context, expID core.ExperimentID, participantID core.ParticipantID) (*experiment.Assignment, error) {
	return o.assignments.GetAssignment(ctx, expID, participantID)
}

func (o *overlay) InsertAssignmentIfAbsent(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	return o.assignments.InsertAssignmentIfAbsent(ctx, a)
}

func (o *overlay) ParticipantCounts(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]uint64, error) {
	return o.assignments.ParticipantCounts(ctx, expID)
}

func (o *overlay) Ping(ctx context.Context) error {
	if err := o.Store.Ping(ctx); err != nil {
		return err
	}
	return o.assignments.Ping(ctx)
}

func (o *overlay) Close() error {
	return stderrors.Join(o.assignments.Close(), o.Store.Close())
}
