package sqlite

import (
	"context"
	"fmt"
	"time"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

const jobColumns = `id, state, payload, result, progress, failure, created, modified`

// InsertJob persists a new job record.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bidscore_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), string(j.State), []byte(j.Payload), []byte(j.Result),
		j.Progress, j.Failure, j.Created.UnixNano(), j.Modified.UnixNano(),
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
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM bidscore_jobs
		WHERE id = ?`,
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
// running. A single UPDATE statement is atomic under SQLite's write
// lock, so two claimers can never pick the same row.
func (s *Store) ClaimJob(ctx context.Context, at time.Time) (*job.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE bidscore_jobs
		SET state = 'running', modified = ?
		WHERE id = (
			SELECT id FROM bidscore_jobs
			WHERE state = 'pending'
			ORDER BY modified DESC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		at.UnixNano(),
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
	row := s.db.QueryRowContext(ctx, `
		UPDATE bidscore_jobs
		SET state    = CASE WHEN ?3 = '' THEN state ELSE ?3 END,
		    result   = COALESCE(?4, result),
		    progress = CASE WHEN ?5 = '' THEN progress ELSE ?5 END,
		    failure  = CASE WHEN ?6 = '' THEN failure ELSE ?6 END,
		    modified = ?7
		WHERE id = ?1 AND state = ?2
		RETURNING `+jobColumns,
		jobID.String(), string(expected),
		string(mut.State), []byte(mut.Result), mut.Progress, mut.Failure,
		at.UnixNano(),
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
	if probeErr := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM bidscore_jobs WHERE id = ?)`,
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
	var modifiedBefore int64
	if !opts.ModifiedBefore.IsZero() {
		modifiedBefore = opts.ModifiedBefore.UnixNano()
	}

	query := `
		SELECT ` + jobColumns + `
		FROM bidscore_jobs
		WHERE (?1 = '' OR state = ?1)
		  AND (?2 = 0 OR modified < ?2)
		ORDER BY created DESC, id ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, string(opts.State), modifiedBefore)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

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

// CountJobs returns the number of jobs matching the given filters.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bidscore_jobs
		WHERE (?1 = '' OR state = ?1)`,
		string(opts.State),
	).Scan(&count)
	if err != nil {
		return 0, storeErr("count jobs", err)
	}
	return count, nil
}

// ── row scanning ─────────────────────────────────────────────────

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		rawID    string
		state    string
		payload  []byte
		result   []byte
		progress string
		failure  string
		created  int64
		modified int64
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
		Created:  time.Unix(0, created).UTC(),
		Modified: time.Unix(0, modified).UTC(),
	}, nil
}
