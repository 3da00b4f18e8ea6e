package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/job"
)

const (
	defaultDatabase = "bidscore"
	colJobs         = "bidscore_jobs"
)

var _ job.Store = (*Store)(nil)

// Store is a MongoDB job store using the official driver. Claims use
// FindOneAndUpdate so the pending check and the flip to running happen
// as one atomic document operation on the server.
type Store struct {
	client   *mongod.Client
	database string
	logger   *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithDatabase sets the database name. Defaults to "bidscore".
func WithDatabase(name string) Option {
	return func(s *Store) {
		s.database = name
	}
}

// New creates a new MongoDB store from a connection URI, e.g.
// "mongodb://localhost:27017". The store owns the client; Close
// disconnects it.
func New(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storeErr("connect", err)
	}

	s := newStore(client, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewFromClient creates a new MongoDB store from an existing client.
// Close still disconnects the client.
func NewFromClient(client *mongod.Client, opts ...Option) *Store {
	return newStore(client, opts...)
}

func newStore(client *mongod.Client, opts ...Option) *Store {
	s := &Store{
		client:   client,
		database: defaultDatabase,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) jobs() *mongod.Collection {
	return s.client.Database(s.database).Collection(colJobs)
}

// Migrate creates the indexes that back claiming and listing.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := []mongod.IndexModel{
		// Claim index: pending jobs by most recent modified, id ties.
		{Keys: bson.D{
			{Key: "state", Value: 1},
			{Key: "modified", Value: -1},
			{Key: "_id", Value: 1},
		}},
		// Reaper index: running jobs older than a cutoff.
		{Keys: bson.D{
			{Key: "state", Value: 1},
			{Key: "modified", Value: 1},
		}},
		// List order.
		{Keys: bson.D{{Key: "created", Value: -1}}},
	}

	if _, err := s.jobs().Indexes().CreateMany(ctx, indexes); err != nil {
		return storeErr("migrate indexes", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("bidscore/mongo: disconnect: %w", err)
	}
	return nil
}

// Client returns the underlying driver client for advanced usage.
func (s *Store) Client() *mongod.Client {
	return s.client
}

// ── helpers ──────────────────────────────────────────────────────

// storeErr wraps a driver failure so callers can classify it with
// errors.Is(err, bidscore.ErrStoreUnavailable).
func storeErr(op string, err error) error {
	return fmt.Errorf("bidscore/mongo: %s: %w: %w", op, bidscore.ErrStoreUnavailable, err)
}

// isNoDocuments returns true when err indicates no documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if an error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}
