package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	corep "github.com/ekorhonen/weft/internal/persistence"
	"github.com/ekorhonen/weft/pkg/api"
)

// RedisStore is a Store backed by Redis. It uses a simple key structure:
//
//	<prefix>run:<runID>           => HASH holding the run projection
//	<prefix>events:<runID>        => LIST of gob-encoded events (version = LLEN)
//	<prefix>open:<workflowID>     => SET of open run IDs sharing a workflow ID
//	<prefix>idx:wfid:<workflowID> => ZSET of run IDs scored by creation time
//	<prefix>idx:all               => SET of all run IDs
//	<prefix>idx:wf:<workflow>     => SET of run IDs for a workflow type
//	<prefix>idx:status:<status>   => SET of run IDs for a status
//
// Creation and append run as Lua scripts so the version check, the event
// push and the projection update are one atomic step. The idx: sets are
// maintained in the same scripts; ListRuns uses set operations for
// filtering.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisStore implements Store.
var _ corep.Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. prefix is optional but recommended
// (e.g. "weft:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "weft:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyRun(runID string) string {
	return r.prefix + "run:" + runID
}

func (r *RedisStore) keyEvents(runID string) string {
	return r.prefix + "events:" + runID
}

func (r *RedisStore) keyOpen(workflowID string) string {
	return r.prefix + "open:" + workflowID
}

func (r *RedisStore) keyByWorkflowID(workflowID string) string {
	return r.prefix + "idx:wfid:" + workflowID
}

func (r *RedisStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisStore) keyWorkflow(name string) string {
	return r.prefix + "idx:wf:" + name
}

func (r *RedisStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

// eventRecord is the gob shape of one history event in the events list.
// Payload concrete types are registered by the api package.
type eventRecord struct {
	Seq     int
	Type    string
	At      int64
	Payload any
}

func encodeEvent(ev api.Event) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(eventRecord{
		Seq:     ev.Seq,
		Type:    string(ev.Type),
		At:      ev.At.UnixNano(),
		Payload: ev.Payload,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEvent(runID string, data []byte) (api.Event, error) {
	var rec eventRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return api.Event{}, err
	}
	return api.Event{
		RunID:   runID,
		Seq:     rec.Seq,
		Type:    api.EventType(rec.Type),
		At:      time.Unix(0, rec.At),
		Payload: rec.Payload,
	}, nil
}

// createScript opens a run: duplicate check, projection hash, first event
// and index updates, atomically.
//
// KEYS: open, run, events, byWorkflowID, all, workflowSet, statusSet
// ARGV: runID, reject, workflow, workflowID, status, input, createdAt,
// updatedAt, startedBlob
var createScript = redis.NewScript(`
if ARGV[2] == '1' and redis.call('SCARD', KEYS[1]) > 0 then
	return 'exists'
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2],
	'workflow', ARGV[3],
	'workflow_id', ARGV[4],
	'status', ARGV[5],
	'input', ARGV[6],
	'error', '',
	'created_at', ARGV[7],
	'updated_at', ARGV[8])
redis.call('RPUSH', KEYS[3], ARGV[9])
redis.call('ZADD', KEYS[4], ARGV[7], ARGV[1])
redis.call('SADD', KEYS[5], ARGV[1])
redis.call('SADD', KEYS[6], ARGV[1])
redis.call('SADD', KEYS[7], ARGV[1])
return 'ok'
`)

// appendScript appends events after the expected version and folds the
// pre-computed projection update into the run hash. Terminal appends also
// retire the run from the open set and move it between status index sets.
//
// KEYS: run, events, open, oldStatusSet, newStatusSet
// ARGV: expectedVersion, runID, newStatus, output, error, updatedAt,
// terminal, blobs...
var appendScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return 'notfound'
end
if status == 'COMPLETED' or status == 'FAILED' or status == 'TERMINATED' or status == 'TIMED_OUT' then
	return 'conflict'
end
local version = redis.call('LLEN', KEYS[2])
if version ~= tonumber(ARGV[1]) then
	return 'conflict'
end
for i = 8, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('HSET', KEYS[1],
	'status', ARGV[3],
	'output', ARGV[4],
	'error', ARGV[5],
	'updated_at', ARGV[6])
if ARGV[3] ~= status then
	redis.call('SMOVE', KEYS[4], KEYS[5], ARGV[2])
end
if ARGV[7] == '1' then
	redis.call('SREM', KEYS[3], ARGV[2])
end
return redis.call('LLEN', KEYS[2])
`)

func (r *RedisStore) CreateRun(ctx context.Context, run *api.WorkflowRun, started api.Event, rejectDuplicate bool) error {
	input, err := corep.EncodeValue(run.Input)
	if err != nil {
		return err
	}

	started.RunID = run.RunID
	started.Seq = 1
	if started.At.IsZero() {
		started.At = time.Now()
	}
	blob, err := encodeEvent(started)
	if err != nil {
		return err
	}

	reject := "0"
	if rejectDuplicate {
		reject = "1"
	}

	keys := []string{
		r.keyOpen(run.WorkflowID),
		r.keyRun(run.RunID),
		r.keyEvents(run.RunID),
		r.keyByWorkflowID(run.WorkflowID),
		r.keyAll(),
		r.keyWorkflow(run.Workflow),
		r.keyStatus(run.Status),
	}
	res, err := createScript.Run(ctx, r.client, keys,
		run.RunID,
		reject,
		run.Workflow,
		run.WorkflowID,
		string(run.Status),
		input,
		strconv.FormatInt(run.CreatedAt.UnixNano(), 10),
		strconv.FormatInt(run.UpdatedAt.UnixNano(), 10),
		blob,
	).Result()
	if err != nil {
		return err
	}
	if res == "exists" {
		return api.ErrAlreadyExists
	}
	return nil
}

func (r *RedisStore) AppendEvents(ctx context.Context, runID string, expectedVersion int, events []api.Event) (int, error) {
	// The projection fold happens here; the script only validates the
	// version and applies the result.
	cur, err := r.GetRunByID(ctx, runID)
	if err != nil {
		return 0, err
	}

	run := api.WorkflowRun{Status: cur.Status, UpdatedAt: cur.UpdatedAt}
	args := make([]any, 0, 7+len(events))
	blobs := make([]any, 0, len(events))
	for i := range events {
		events[i].RunID = runID
		events[i].Seq = expectedVersion + i + 1
		if events[i].At.IsZero() {
			events[i].At = time.Now()
		}
		blob, err := encodeEvent(events[i])
		if err != nil {
			return 0, err
		}
		blobs = append(blobs, blob)
		corep.ApplyProjection(&run, events[i])
	}

	output, err := corep.EncodeValue(run.Output)
	if err != nil {
		return 0, err
	}
	errStr := ""
	if run.Err != nil {
		errStr = run.Err.Error()
	}
	terminal := "0"
	if run.Status.Terminal() {
		terminal = "1"
	}

	args = append(args,
		strconv.Itoa(expectedVersion),
		runID,
		string(run.Status),
		output,
		errStr,
		strconv.FormatInt(run.UpdatedAt.UnixNano(), 10),
		terminal,
	)
	args = append(args, blobs...)

	keys := []string{
		r.keyRun(runID),
		r.keyEvents(runID),
		r.keyOpen(cur.WorkflowID),
		r.keyStatus(cur.Status),
		r.keyStatus(run.Status),
	}
	res, err := appendScript.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case string:
		if v == "notfound" {
			return 0, api.ErrRunNotFound
		}
		return 0, api.ErrConcurrencyConflict
	case int64:
		return int(v), nil
	default:
		return 0, errors.New("unexpected append result")
	}
}

func (r *RedisStore) ReadEvents(ctx context.Context, runID string, fromVersion int) ([]api.Event, int, error) {
	exists, err := r.client.Exists(ctx, r.keyRun(runID)).Result()
	if err != nil {
		return nil, 0, err
	}
	if exists == 0 {
		return nil, 0, api.ErrRunNotFound
	}

	version, err := r.client.LLen(ctx, r.keyEvents(runID)).Result()
	if err != nil {
		return nil, 0, err
	}

	raw, err := r.client.LRange(ctx, r.keyEvents(runID), int64(fromVersion), version-1).Result()
	if err != nil {
		return nil, 0, err
	}

	var out []api.Event
	for _, blob := range raw {
		ev, err := decodeEvent(runID, []byte(blob))
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	return out, int(version), nil
}

func (r *RedisStore) GetRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	ids, err := r.client.ZRevRange(ctx, r.keyByWorkflowID(workflowID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, api.ErrRunNotFound
	}
	return r.GetRunByID(ctx, ids[0])
}

func (r *RedisStore) GetRunByID(ctx context.Context, runID string) (*api.WorkflowRun, error) {
	fields, err := r.client.HGetAll(ctx, r.keyRun(runID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, api.ErrRunNotFound
	}
	return runFromHash(runID, fields)
}

func (r *RedisStore) ListRuns(ctx context.Context, filter api.RunListOptions) ([]*api.WorkflowRun, error) {
	var ids []string
	var err error

	switch {
	case filter.Workflow != "" && filter.Status != "":
		ids, err = r.client.SInter(ctx, r.keyWorkflow(filter.Workflow), r.keyStatus(filter.Status)).Result()
	case filter.Workflow != "":
		ids, err = r.client.SMembers(ctx, r.keyWorkflow(filter.Workflow)).Result()
	case filter.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Status)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]*api.WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := r.GetRunByID(ctx, id)
		if err != nil {
			if errors.Is(err, api.ErrRunNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func runFromHash(runID string, fields map[string]string) (*api.WorkflowRun, error) {
	run := &api.WorkflowRun{
		RunID:      runID,
		WorkflowID: fields["workflow_id"],
		Workflow:   fields["workflow"],
		Status:     api.Status(fields["status"]),
	}

	if s := fields["created_at"]; s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		run.CreatedAt = time.Unix(0, n)
	}
	if s := fields["updated_at"]; s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		run.UpdatedAt = time.Unix(0, n)
	}

	var err error
	if run.Input, err = corep.DecodeValue([]byte(fields["input"])); err != nil {
		return nil, err
	}
	if run.Output, err = corep.DecodeValue([]byte(fields["output"])); err != nil {
		return nil, err
	}
	if msg := fields["error"]; msg != "" {
		run.Err = errors.New(msg)
	}
	return run, nil
}
