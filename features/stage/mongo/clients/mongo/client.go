// Package mongo implements the low-level MongoDB client used by the stage store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
	"goa.design/obs/store/stage"
)

type (
	// Client exposes Mongo-backed operations for stage nodes.
	Client interface {
		health.Pinger

		CreateStage(ctx context.Context, st stage.Stage) error
		LoadStage(ctx context.Context, id ident.ID) (stage.Stage, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	stageDocument struct {
		ID               string            `bson:"_id"`
		ProjectID        string            `bson:"project_id"`
		RunID            string            `bson:"run_id"`
		Name             string            `bson:"name"`
		AncestorGroupIDs []string          `bson:"ancestor_group_ids,omitempty"`
		PreviousStageIDs []string          `bson:"previous_stage_ids,omitempty"`
		Metadata         map[string]string `bson:"metadata,omitempty"`
		CreatedAt        time.Time         `bson:"created_at"`
	}
)

const (
	defaultCollection = "obs_stages"
	defaultTimeout    = 5 * time.Second
	clientName        = "stage-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateStage(ctx context.Context, st stage.Stage) error {
	if st.ID.IsZero() {
		return errors.New("stage id is required")
	}
	if st.RunID.IsZero() {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.InsertOne(ctx, fromStage(st))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("stage %s: %w", st.ID, obs.ErrIdentifierConflict)
	}
	return err
}

func (c *client) LoadStage(ctx context.Context, id ident.ID) (stage.Stage, error) {
	if id.IsZero() {
		return stage.Stage{}, errors.New("stage id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc stageDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return stage.Stage{}, fmt.Errorf("stage %s: %w", id, obs.ErrNotFound)
		}
		return stage.Stage{}, err
	}
	return doc.toStage(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

func fromStage(st stage.Stage) stageDocument {
	return stageDocument{
		ID:               string(st.ID),
		ProjectID:        st.ProjectID,
		RunID:            string(st.RunID),
		Name:             st.Name,
		AncestorGroupIDs: fromIDs(st.AncestorGroupIDs),
		PreviousStageIDs: fromIDs(st.PreviousStageIDs),
		Metadata:         cloneMetadata(st.Metadata),
		CreatedAt:        st.CreatedAt.UTC(),
	}
}

func (doc stageDocument) toStage() stage.Stage {
	return stage.Stage{
		ID:               ident.ID(doc.ID),
		ProjectID:        doc.ProjectID,
		RunID:            ident.ID(doc.RunID),
		Name:             doc.Name,
		AncestorGroupIDs: toIDs(doc.AncestorGroupIDs),
		PreviousStageIDs: toIDs(doc.PreviousStageIDs),
		Metadata:         cloneMetadata(doc.Metadata),
		CreatedAt:        doc.CreatedAt,
	}
}

func fromIDs(ids []ident.ID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toIDs(raw []string) []ident.ID {
	if len(raw) == 0 {
		return nil
	}
	out := make([]ident.ID, len(raw))
	for i, s := range raw {
		out[i] = ident.ID(s)
	}
	return out
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
