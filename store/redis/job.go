package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// Status replies from casScript.
const (
	casMissing  = "missing"
	casConflict = "conflict"
)

// insertScript creates the job hash and its index entries only if no
// hash exists for the id yet. Returns 1 on insert, 0 when the id is
// already taken.
//
// KEYS: job hash, id set, pending zset.
// ARGV: id, state, payload, result, progress, failure, created,
// modified (stamps in unix millis).
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'state', ARGV[2], 'payload', ARGV[3], 'result', ARGV[4],
	'progress', ARGV[5], 'failure', ARGV[6], 'created', ARGV[7], 'modified', ARGV[8])
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[2] == 'pending' then
	redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
end
return 1
`)

// claimScript picks the claim winner in one atomic step: the pending
// entry with the highest modified score, lowest id among ties. The
// winner leaves the pending index, flips to running with a fresh
// stamp, and its full hash comes back. Returns nil when no job is
// pending.
//
// KEYS: pending zset.
// ARGV: modified stamp (unix millis), job key prefix.
var claimScript = redis.NewScript(`
local top = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
if #top == 0 then
	return false
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], top[2], top[2], 'LIMIT', 0, 1)
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local key = ARGV[2] .. id
redis.call('HSET', key, 'state', 'running', 'modified', ARGV[1])
return redis.call('HGETALL', key)
`)

// casScript applies a mutation only while the job state still equals
// the expected state, keeping the pending index in step with any state
// change. Returns "missing" or "conflict" on precondition failure, the
// updated hash otherwise.
//
// KEYS: job hash, pending zset.
// ARGV: id, expected state, modified stamp (unix millis), new state,
// result, progress, failure (empty strings keep the stored value).
var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= ARGV[2] then
	return 'conflict'
end
local newstate = state
if ARGV[4] ~= '' then
	newstate = ARGV[4]
end
redis.call('HSET', KEYS[1], 'state', newstate, 'modified', ARGV[3])
if ARGV[5] ~= '' then
	redis.call('HSET', KEYS[1], 'result', ARGV[5])
end
if ARGV[6] ~= '' then
	redis.call('HSET', KEYS[1], 'progress', ARGV[6])
end
if ARGV[7] ~= '' then
	redis.call('HSET', KEYS[1], 'failure', ARGV[7])
end
if state == 'pending' then
	if newstate == 'pending' then
		redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	else
		redis.call('ZREM', KEYS[2], ARGV[1])
	end
end
return redis.call('HGETALL', KEYS[1])
`)

// InsertJob persists a new job record.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	keys := []string{jobKey(j.ID.String()), jobIDsKey, pendingKey}
	created, err := insertScript.Run(ctx, s.client, keys,
		j.ID.String(), string(j.State), string(j.Payload), string(j.Result),
		j.Progress, j.Failure,
		strconv.FormatInt(j.Created.UnixMilli(), 10),
		strconv.FormatInt(j.Modified.UnixMilli(), 10),
	).Bool()
	if err != nil {
		return storeErr("insert job", err)
	}
	if !created {
		return bidscore.ErrJobExists
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, storeErr("get job", err)
	}
	if len(fields) == 0 {
		return nil, bidscore.ErrJobNotFound
	}

	j, err := jobFromMap(fields)
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return j, nil
}

// ClaimJob atomically flips the most recently modified pending job to
// running. The whole claim runs server-side as one script, so
// concurrent claimers can never pop the same entry.
func (s *Store) ClaimJob(ctx context.Context, at time.Time) (*job.Job, bool, error) {
	reply, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey},
		strconv.FormatInt(at.UnixMilli(), 10), jobKeyPrefix,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, storeErr("claim job", err)
	}

	j, err := jobFromReply(reply)
	if err != nil {
		return nil, false, storeErr("claim job", err)
	}
	return j, true, nil
}

// CompareAndSwapJob applies a mutation to the job only while its state
// still equals expected. Empty mutation fields leave the stored value
// untouched; modified is always stamped.
func (s *Store) CompareAndSwapJob(ctx context.Context, jobID id.JobID, expected job.State, mut job.Mutation, at time.Time) (*job.Job, error) {
	reply, err := casScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), pendingKey},
		jobID.String(), string(expected),
		strconv.FormatInt(at.UnixMilli(), 10),
		string(mut.State), string(mut.Result), mut.Progress, mut.Failure,
	).Result()
	if err != nil {
		return nil, storeErr("compare and swap job", err)
	}

	if status, ok := reply.(string); ok {
		switch status {
		case casMissing:
			return nil, bidscore.ErrJobNotFound
		case casConflict:
			return nil, bidscore.ErrUpdateConflict
		}
	}

	j, err := jobFromReply(reply)
	if err != nil {
		return nil, storeErr("compare and swap job", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the given filters, newest first.
// Redis has no secondary query engine, so listing walks the id set and
// filters client-side.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, storeErr("list jobs", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jid := range ids {
		fields, err := s.client.HGetAll(ctx, jobKey(jid)).Result()
		if err != nil {
			return nil, storeErr("list jobs", err)
		}
		if len(fields) == 0 {
			// id set entry without a hash, skip
			continue
		}

		j, err := jobFromMap(fields)
		if err != nil {
			return nil, storeErr("list jobs", err)
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if !opts.ModifiedBefore.IsZero() && !j.Modified.Before(opts.ModifiedBefore) {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].Created.Equal(jobs[k].Created) {
			return jobs[i].Created.After(jobs[k].Created)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return []*job.Job{}, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given filters. The
// total and pending counts come straight from the indexes; other
// states walk the id set.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	switch opts.State {
	case "":
		n, err := s.client.SCard(ctx, jobIDsKey).Result()
		if err != nil {
			return 0, storeErr("count jobs", err)
		}
		return n, nil
	case job.StatePending:
		n, err := s.client.ZCard(ctx, pendingKey).Result()
		if err != nil {
			return 0, storeErr("count jobs", err)
		}
		return n, nil
	}

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, storeErr("count jobs", err)
	}

	var count int64
	for _, jid := range ids {
		state, err := s.client.HGet(ctx, jobKey(jid), "state").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return 0, storeErr("count jobs", err)
		}
		if job.State(state) == opts.State {
			count++
		}
	}
	return count, nil
}

// ── hash conversion ──────────────────────────────────────────────────

// jobFromMap rebuilds a job from its hash fields.
func jobFromMap(fields map[string]string) (*job.Job, error) {
	jobID, err := id.ParseJobID(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", fields["id"], err)
	}

	created, _ := strconv.ParseInt(fields["created"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data
	modified, _ := strconv.ParseInt(fields["modified"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:       jobID,
		State:    job.State(fields["state"]),
		Progress: fields["progress"],
		Failure:  fields["failure"],
		Created:  time.UnixMilli(created).UTC(),
		Modified: time.UnixMilli(modified).UTC(),
	}
	if payload := fields["payload"]; payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	if result := fields["result"]; result != "" {
		j.Result = json.RawMessage(result)
	}
	return j, nil
}

// jobFromReply converts a flattened HGETALL script reply into a job.
func jobFromReply(reply any) (*job.Job, error) {
	flat, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, kok := flat[i].(string)
		v, vok := flat[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected script reply element at %d", i)
		}
		fields[k] = v
	}
	return jobFromMap(fields)
}
