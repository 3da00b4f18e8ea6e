package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// InsertJob persists a new job record.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	if _, err := s.jobs().InsertOne(ctx, toJobDoc(j)); err != nil {
		if isDuplicateKey(err) {
			return bidscore.ErrJobExists
		}
		return storeErr("insert job", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var d jobDoc
	err := s.jobs().FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return nil, bidscore.ErrJobNotFound
		}
		return nil, storeErr("get job", err)
	}
	return fromJobDoc(&d)
}

// ClaimJob atomically flips the most recently modified pending job to
// running. FindOneAndUpdate makes the match and the write one server-side
// operation, so concurrent claimers can never take the same job.
func (s *Store) ClaimJob(ctx context.Context, at time.Time) (*job.Job, bool, error) {
	filter := bson.M{"state": string(job.StatePending)}
	update := bson.M{"$set": bson.M{
		"state":    string(job.StateRunning),
		"modified": at,
	}}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{
			{Key: "modified", Value: -1},
			{Key: "_id", Value: 1},
		})

	var d jobDoc
	err := s.jobs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return nil, false, nil
		}
		return nil, false, storeErr("claim job", err)
	}

	j, convErr := fromJobDoc(&d)
	if convErr != nil {
		return nil, false, convErr
	}
	return j, true, nil
}

// CompareAndSwapJob applies a mutation to the job only while its state
// still equals expected. Empty mutation fields leave the stored value
// untouched; modified is always stamped.
func (s *Store) CompareAndSwapJob(ctx context.Context, jobID id.JobID, expected job.State, mut job.Mutation, at time.Time) (*job.Job, error) {
	set := bson.M{"modified": at}
	if mut.HasState() {
		set["state"] = string(mut.State)
	}
	if mut.Result != nil {
		set["result"] = []byte(mut.Result)
	}
	if mut.Progress != "" {
		set["progress"] = mut.Progress
	}
	if mut.Failure != "" {
		set["failure"] = mut.Failure
	}

	filter := bson.M{"_id": jobID.String(), "state": string(expected)}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d jobDoc
	err := s.jobs().FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&d)
	if err == nil {
		return fromJobDoc(&d)
	}
	if !isNoDocuments(err) {
		return nil, storeErr("compare and swap job", err)
	}

	// No document matched: either the job is gone or its state moved on.
	count, probeErr := s.jobs().CountDocuments(ctx, bson.M{"_id": jobID.String()})
	if probeErr != nil {
		return nil, storeErr("compare and swap probe", probeErr)
	}
	if count == 0 {
		return nil, bidscore.ErrJobNotFound
	}
	return nil, bidscore.ErrUpdateConflict
}

// ListJobs returns jobs matching the given filters, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	filter := bson.M{}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}
	if !opts.ModifiedBefore.IsZero() {
		filter["modified"] = bson.M{"$lt": opts.ModifiedBefore}
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created", Value: -1},
		{Key: "_id", Value: 1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.jobs().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer cursor.Close(ctx)

	var docs []jobDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storeErr("list jobs decode", err)
	}

	jobs := make([]*job.Job, 0, len(docs))
	for i := range docs {
		j, convErr := fromJobDoc(&docs[i])
		if convErr != nil {
			return nil, convErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given filters.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}

	count, err := s.jobs().CountDocuments(ctx, filter)
	if err != nil {
		return 0, storeErr("count jobs", err)
	}
	return count, nil
}
