package mongo

import (
	"fmt"
	"time"

	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// jobDoc is the persisted shape of a job. The typed id becomes the
// document key and timestamps are stored as BSON datetimes, which hold
// millisecond precision.
type jobDoc struct {
	ID       string    `bson:"_id"`
	State    string    `bson:"state"`
	Payload  []byte    `bson:"payload,omitempty"`
	Result   []byte    `bson:"result,omitempty"`
	Progress string    `bson:"progress,omitempty"`
	Failure  string    `bson:"failure,omitempty"`
	Created  time.Time `bson:"created"`
	Modified time.Time `bson:"modified"`
}

func toJobDoc(j *job.Job) *jobDoc {
	return &jobDoc{
		ID:       j.ID.String(),
		State:    string(j.State),
		Payload:  j.Payload,
		Result:   j.Result,
		Progress: j.Progress,
		Failure:  j.Failure,
		Created:  j.Created,
		Modified: j.Modified,
	}
}

func fromJobDoc(d *jobDoc) (*job.Job, error) {
	parsedID, err := id.ParseJobID(d.ID)
	if err != nil {
		return nil, fmt.Errorf("bidscore/mongo: parse job id %q: %w", d.ID, err)
	}

	return &job.Job{
		ID:       parsedID,
		State:    job.State(d.State),
		Payload:  d.Payload,
		Result:   d.Result,
		Progress: d.Progress,
		Failure:  d.Failure,
		Created:  d.Created.UTC(),
		Modified: d.Modified.UTC(),
	}, nil
}
