package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

const jobColumns = `id, state, payload, result, progress, failure, created, modified`

// InsertJob persists a new job record.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bidscore_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID.String(), string(j.State), []byte(j.Payload), []byte(j.Result),
		j.Progress, j.Failure, j.Created, j.Modified,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return bidscore.ErrJobExists
		}
		return storeErr("insert job", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM bidscore_jobs
		WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, bidscore.ErrJobNotFound
		}
		return nil, storeErr("get job", err)
	}
	return j, nil
}

// ClaimJob atomically flips the most recently modified pending job to
// running. FOR UPDATE SKIP LOCKED keeps concurrent claimers from
// blocking on or double-claiming the same row.
func (s *Store) ClaimJob(ctx context.Context, at time.Time) (*job.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE bidscore_jobs
			SET state = 'running', modified = $1
			WHERE id = (
				SELECT id FROM bidscore_jobs
				WHERE state = 'pending'
				ORDER BY modified DESC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns+`
		)
		SELECT `+jobColumns+` FROM claimed`,
		at,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, storeErr("claim job", err)
	}
	return j, true, nil
}

// CompareAndSwapJob applies a mutation to the job only while its state
// still equals expected. Empty mutation fields leave the stored value
// untouched; modified is always stamped.
func (s *Store) CompareAndSwapJob(ctx context.Context, jobID id.JobID, expected job.State, mut job.Mutation, at time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bidscore_jobs
		SET state    = CASE WHEN $3::text = '' THEN state ELSE $3::text END,
		    result   = COALESCE($4, result),
		    progress = CASE WHEN $5::text = '' THEN progress ELSE $5::text END,
		    failure  = CASE WHEN $6::text = '' THEN failure ELSE $6::text END,
		    modified = $7
		WHERE id = $1 AND state = $2
		RETURNING `+jobColumns,
		jobID.String(), string(expected),
		string(mut.State), []byte(mut.Result), mut.Progress, mut.Failure,
		at,
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, storeErr("compare and swap job", err)
	}

	// No row matched: either the job is gone or its state moved on.
	var exists bool
	if probeErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM bidscore_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists); probeErr != nil {
		return nil, storeErr("compare and swap probe", probeErr)
	}
	if !exists {
		return nil, bidscore.ErrJobNotFound
	}
	return nil, bidscore.ErrUpdateConflict
}

// ListJobs returns jobs matching the given filters, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var modifiedBefore *time.Time
	if !opts.ModifiedBefore.IsZero() {
		modifiedBefore = &opts.ModifiedBefore
	}

	query := `
		SELECT ` + jobColumns + `
		FROM bidscore_jobs
		WHERE ($1::text = '' OR state = $1::text)
		  AND ($2::timestamptz IS NULL OR modified < $2::timestamptz)
		ORDER BY created DESC, id ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, string(opts.State), modifiedBefore)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given filters.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bidscore_jobs
		WHERE ($1::text = '' OR state = $1::text)`,
		string(opts.State),
	).Scan(&count)
	if err != nil {
		return 0, storeErr("count jobs", err)
	}
	return count, nil
}

// ── row scanning ─────────────────────────────────────────────────

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		rawID    string
		state    string
		payload  []byte
		result   []byte
		progress string
		failure  string
		created  time.Time
		modified time.Time
	)
	if err := row.Scan(&rawID, &state, &payload, &result, &progress, &failure, &created, &modified); err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", rawID, err)
	}

	return &job.Job{
		ID:       parsedID,
		State:    job.State(state),
		Payload:  payload,
		Result:   result,
		Progress: progress,
		Failure:  failure,
		Created:  created.UTC(),
		Modified: modified.UTC(),
	}, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("scan job row", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate job rows", err)
	}
	return jobs, nil
}
