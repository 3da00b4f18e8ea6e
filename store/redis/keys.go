package redis

// Key layout. Every key lives under a single prefix so multiple
// applications can share one Redis without colliding.
const (
	keyPrefix = "bidscore:"

	// jobIDsKey is a SET holding the id of every stored job.
	jobIDsKey = keyPrefix + "job_ids"

	// pendingKey is a ZSET of pending job ids scored by their modified
	// stamp in unix milliseconds. Claims pop from the top of this index.
	pendingKey = keyPrefix + "pending"

	// jobKeyPrefix prefixes the per-job hash keys.
	jobKeyPrefix = keyPrefix + "job:"
)

// jobKey returns the hash key for a job id.
func jobKey(id string) string {
	return jobKeyPrefix + id
}
