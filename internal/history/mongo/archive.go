// Package mongo implements history.Archive on MongoDB. Each archived call is
// one document keyed by task id; the fields used by Find are stored at the
// top level and the full request and report as JSON.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ChuLiYu/beaver-dispatch/internal/history"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// DefaultCollection is the collection archived calls are written to.
const DefaultCollection = "archived_calls"

var _ history.Archive = (*Archive)(nil)

// Option configures the Archive.
type Option func(*Archive)

// WithLogger sets the logger for the archive.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithCollection overrides the collection name.
func WithCollection(name string) Option {
	return func(a *Archive) {
		a.collection = name
	}
}

// Archive is a MongoDB history archive.
type Archive struct {
	client     *mongod.Client
	db         *mongod.Database
	collection string
	ownsClient bool
	logger     *slog.Logger
}

type archivedModel struct {
	TaskID     string    `bson:"_id"`
	JobID      string    `bson:"job_id"`
	ScheduleID string    `bson:"schedule_id"`
	Operation  string    `bson:"operation"`
	State      string    `bson:"state"`
	Tags       []string  `bson:"tags"`
	Request    []byte    `bson:"request"`
	Report     []byte    `bson:"report"`
	ArchivedAt time.Time `bson:"archived_at"`
}

// Connect opens a client for uri and returns an archive on database. The
// archive owns the client and disconnects it on Close.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Archive, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("history/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("history/mongo: ping: %w", err)
	}
	a := New(client.Database(database), opts...)
	a.client = client
	a.ownsClient = true
	return a, nil
}

// New wraps an existing database handle. The caller owns the client.
func New(db *mongod.Database, opts ...Option) *Archive {
	a := &Archive{
		db:         db,
		collection: DefaultCollection,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Archive) col() *mongod.Collection {
	return a.db.Collection(a.collection)
}

// Migrate creates the indexes Find and Purge rely on.
func (a *Archive) Migrate(ctx context.Context) error {
	_, err := a.col().Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
		{Keys: bson.D{{Key: "archived_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("history/mongo: migrate indexes: %w", err)
	}
	return nil
}

// Archive upserts one record.
func (a *Archive) Archive(ctx context.Context, rec types.ArchivedCall) error {
	m, err := toModel(rec)
	if err != nil {
		return err
	}
	_, err = a.col().ReplaceOne(ctx, bson.M{"_id": m.TaskID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("history/mongo: archive %s: %w", rec.Report.TaskID, err)
	}
	return nil
}

// Get returns the record of a task.
func (a *Archive) Get(ctx context.Context, id types.TaskID) (types.ArchivedCall, error) {
	var m archivedModel
	err := a.col().FindOne(ctx, bson.M{"_id": string(id)}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return types.ArchivedCall{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
		}
		return types.ArchivedCall{}, fmt.Errorf("history/mongo: get %s: %w", id, err)
	}
	return fromModel(&m)
}

// Find returns matching records, newest first.
func (a *Archive) Find(ctx context.Context, c types.Criteria, limit int) ([]types.ArchivedCall, error) {
	opts := options.Find().SetSort(bson.D{{Key: "archived_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := a.col().Find(ctx, filterFor(c), opts)
	if err != nil {
		return nil, fmt.Errorf("history/mongo: find: %w", err)
	}
	defer cursor.Close(ctx)

	var models []archivedModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("history/mongo: decode: %w", err)
	}

	out := make([]types.ArchivedCall, 0, len(models))
	for i := range models {
		rec, err := fromModel(&models[i])
		if err != nil {
			a.logger.Warn("Skipping undecodable archived call", "task_id", models[i].TaskID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Purge deletes records archived before the cutoff.
func (a *Archive) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := a.col().DeleteMany(ctx, bson.M{"archived_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("history/mongo: purge: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Close disconnects the client when the archive opened it.
func (a *Archive) Close() error {
	if !a.ownsClient || a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}

// filterFor translates criteria; every non-zero field becomes one clause.
func filterFor(c types.Criteria) bson.M {
	filter := bson.M{}
	if len(c.TaskIDs) > 0 {
		ids := make([]string, 0, len(c.TaskIDs))
		for _, id := range c.TaskIDs {
			ids = append(ids, string(id))
		}
		filter["_id"] = bson.M{"$in": ids}
	}
	if c.JobID != "" {
		filter["job_id"] = c.JobID
	}
	if c.ScheduleID != "" {
		filter["schedule_id"] = c.ScheduleID
	}
	if c.Operation != "" {
		filter["operation"] = c.Operation
	}
	if len(c.States) > 0 {
		states := make([]string, 0, len(c.States))
		for _, s := range c.States {
			states = append(states, string(s))
		}
		filter["state"] = bson.M{"$in": states}
	}
	if len(c.Tags) > 0 {
		filter["tags"] = bson.M{"$all": c.Tags}
	}
	return filter
}

func toModel(rec types.ArchivedCall) (*archivedModel, error) {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return nil, fmt.Errorf("history/mongo: marshal request %s: %w", rec.Report.TaskID, err)
	}
	report, err := json.Marshal(rec.Report)
	if err != nil {
		return nil, fmt.Errorf("history/mongo: marshal report %s: %w", rec.Report.TaskID, err)
	}
	tags := rec.Report.Tags
	if tags == nil {
		tags = []string{}
	}
	return &archivedModel{
		TaskID:     string(rec.Report.TaskID),
		JobID:      rec.Report.JobID,
		ScheduleID: rec.Report.ScheduleID,
		Operation:  rec.Report.Operation,
		State:      string(rec.Report.State),
		Tags:       tags,
		Request:    request,
		Report:     report,
		ArchivedAt: rec.ArchivedAt.UTC(),
	}, nil
}

func fromModel(m *archivedModel) (types.ArchivedCall, error) {
	rec := types.ArchivedCall{ArchivedAt: m.ArchivedAt}
	if err := json.Unmarshal(m.Request, &rec.Request); err != nil {
		return rec, fmt.Errorf("history/mongo: decode request %s: %w", m.TaskID, err)
	}
	if err := json.Unmarshal(m.Report, &rec.Report); err != nil {
		return rec, fmt.Errorf("history/mongo: decode report %s: %w", m.TaskID, err)
	}
	return rec, nil
}
