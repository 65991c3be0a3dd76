// Package mongo implements the low-level MongoDB client used by the ingest store.
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
)

type (
	// Client exposes Mongo-backed operations for executions and their
	// observation logs.
	Client interface {
		health.Pinger

		CreateExecution(ctx context.Context, e obs.Execution) error
		LoadExecution(ctx context.Context, id ident.ID) (obs.Execution, error)
		Append(ctx context.Context, o *obs.Observation) error
		LoadObservation(ctx context.Context, id ident.ID) (obs.Observation, error)
		MarkPayloadFailed(ctx context.Context, blobKey string) error
		ListExecutions(ctx context.Context, anchor, before ident.ID, limit int) ([]obs.Execution, error)
		ListExecutionsAsc(ctx context.Context, anchor, from ident.ID, limit int) ([]obs.Execution, error)
		CountExecutions(ctx context.Context, upTo ident.ID) (int, error)
		ListObservations(ctx context.Context, executionID ident.ID, afterSeq uint64, limit int) ([]obs.Observation, error)
		CountObservations(ctx context.Context, executionID ident.ID) (uint64, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client                 *mongodriver.Client
		Database               string
		ExecutionsCollection   string
		ObservationsCollection string
		Timeout                time.Duration
	}

	client struct {
		mongo        *mongodriver.Client
		executions   collection
		observations collection
		timeout      time.Duration
	}

	executionDocument struct {
		ID        string            `bson:"_id"`
		Name      string            `bson:"name"`
		Metadata  map[string]string `bson:"metadata,omitempty"`
		CreatedAt time.Time         `bson:"created_at"`
	}

	observationDocument struct {
		ID          string            `bson:"_id"`
		ExecutionID string            `bson:"execution_id"`
		Seq         uint64            `bson:"seq"`
		Name        string            `bson:"name"`
		Payload     payloadRefDoc     `bson:"payload"`
		Labels      []string          `bson:"labels,omitempty"`
		Metadata    []metadataPairDoc `bson:"metadata,omitempty"`
		Source      *sourceRefDoc     `bson:"source,omitempty"`
		CreatedAt   time.Time         `bson:"created_at"`
	}

	payloadRefDoc struct {
		Inline   []byte `bson:"inline,omitempty"`
		BlobKey  string `bson:"blob_key,omitempty"`
		MIMEType string `bson:"mime_type,omitempty"`
		Size     int    `bson:"size"`
		State    int    `bson:"state"`
	}

	metadataPairDoc struct {
		Key   string `bson:"key"`
		Value string `bson:"value"`
	}

	sourceRefDoc struct {
		File string `bson:"file"`
		Line int    `bson:"line"`
	}
)

const (
	defaultExecutionsCollection   = "obs_executions"
	defaultObservationsCollection = "obs_observations"
	defaultTimeout                = 5 * time.Second
	clientName                    = "ingest-mongo"

	// maxSeqAttempts bounds the optimistic retries when concurrent appenders
	// race for the same sequence number.
	maxSeqAttempts = 16
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	execColl := opts.ExecutionsCollection
	if execColl == "" {
		execColl = defaultExecutionsCollection
	}
	obsColl := opts.ObservationsCollection
	if obsColl == "" {
		obsColl = defaultObservationsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	executions := mongoCollection{coll: db.Collection(execColl)}
	observations := mongoCollection{coll: db.Collection(obsColl)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, observations); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, executions, observations, timeout)
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

func (c *client) CreateExecution(ctx context.Context, e obs.Execution) error {
	if e.ID.IsZero() {
		return errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.executions.InsertOne(ctx, fromExecution(e))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("execution %s: %w", e.ID, obs.ErrIdentifierConflict)
	}
	return err
}

func (c *client) LoadExecution(ctx context.Context, id ident.ID) (obs.Execution, error) {
	if id.IsZero() {
		return obs.Execution{}, errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc executionDocument
	if err := c.executions.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return obs.Execution{}, fmt.Errorf("execution %s: %w", id, obs.ErrNotFound)
		}
		return obs.Execution{}, err
	}
	return doc.toExecution(), nil
}

// Append assigns the observation's sequence number and inserts it. The
// sequence is claimed optimistically: the unique (execution_id, seq) index
// rejects the loser of a concurrent race, which then re-reads the tail and
// tries the next number. Sequence numbers are only consumed by successful
// inserts, so the log stays contiguous.
func (c *client) Append(ctx context.Context, o *obs.Observation) error {
	if o == nil {
		return errors.New("observation is required")
	}
	if o.ID.IsZero() {
		return errors.New("observation id is required")
	}
	if o.ExecutionID.IsZero() {
		return errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.executions.FindOne(ctx, bson.M{"_id": string(o.ExecutionID)}).Decode(&executionDocument{}); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("execution %s: %w", o.ExecutionID, obs.ErrNotFound)
		}
		return err
	}

	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		seq, err := c.lastSeq(ctx, o.ExecutionID)
		if err != nil {
			return err
		}
		o.Seq = seq + 1
		_, err = c.observations.InsertOne(ctx, fromObservation(*o))
		if err == nil {
			return nil
		}
		if !mongodriver.IsDuplicateKeyError(err) {
			return err
		}
		// Duplicate key is either the observation id or a lost seq race.
		if ferr := c.observations.FindOne(ctx, bson.M{"_id": string(o.ID)}).Decode(&observationDocument{}); ferr == nil {
			return fmt.Errorf("observation %s: %w", o.ID, obs.ErrIdentifierConflict)
		} else if !errors.Is(ferr, mongodriver.ErrNoDocuments) {
			return ferr
		}
	}
	return fmt.Errorf("append to execution %s: gave up after %d sequence races", o.ExecutionID, maxSeqAttempts)
}

func (c *client) lastSeq(ctx context.Context, executionID ident.ID) (uint64, error) {
	cur, err := c.observations.Find(ctx, bson.M{"execution_id": string(executionID)}, options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(1).
		SetProjection(bson.M{"seq": 1}),
	)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return 0, cur.Err()
	}
	var doc struct {
		Seq uint64 `bson:"seq"`
	}
	if err := cur.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (c *client) LoadObservation(ctx context.Context, id ident.ID) (obs.Observation, error) {
	if id.IsZero() {
		return obs.Observation{}, errors.New("observation id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc observationDocument
	if err := c.observations.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return obs.Observation{}, fmt.Errorf("observation %s: %w", id, obs.ErrNotFound)
		}
		return obs.Observation{}, err
	}
	return doc.toObservation(), nil
}

func (c *client) MarkPayloadFailed(ctx context.Context, blobKey string) error {
	if blobKey == "" {
		return errors.New("blob key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.observations.UpdateOne(ctx,
		bson.M{"payload.blob_key": blobKey},
		bson.M{"$set": bson.M{"payload.state": int(obs.PayloadStateFailed)}},
	)
	return err
}

func (c *client) ListExecutions(ctx context.Context, anchor, before ident.ID, limit int) ([]obs.Execution, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	idFilter := bson.M{}
	if !anchor.IsZero() {
		idFilter["$lte"] = string(anchor)
	}
	if !before.IsZero() {
		idFilter["$lt"] = string(before)
	}
	filter := bson.M{}
	if len(idFilter) > 0 {
		filter["_id"] = idFilter
	}
	return c.findExecutions(ctx, filter, -1, limit)
}

func (c *client) ListExecutionsAsc(ctx context.Context, anchor, from ident.ID, limit int) ([]obs.Execution, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	idFilter := bson.M{}
	if !anchor.IsZero() {
		idFilter["$lte"] = string(anchor)
	}
	if !from.IsZero() {
		idFilter["$gt"] = string(from)
	}
	filter := bson.M{}
	if len(idFilter) > 0 {
		filter["_id"] = idFilter
	}
	return c.findExecutions(ctx, filter, 1, limit)
}

func (c *client) findExecutions(ctx context.Context, filter bson.M, order int, limit int) (executions []obs.Execution, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.executions.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: order}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		executions = append(executions, doc.toExecution())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return executions, nil
}

func (c *client) CountExecutions(ctx context.Context, upTo ident.ID) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if !upTo.IsZero() {
		filter["_id"] = bson.M{"$lte": string(upTo)}
	}
	n, err := c.executions.CountDocuments(ctx, filter)
	return int(n), err
}

func (c *client) ListObservations(ctx context.Context, executionID ident.ID, afterSeq uint64, limit int) (observations []obs.Observation, err error) {
	if executionID.IsZero() {
		return nil, errors.New("execution id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.executions.FindOne(ctx, bson.M{"_id": string(executionID)}).Decode(&executionDocument{}); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("execution %s: %w", executionID, obs.ErrNotFound)
		}
		return nil, err
	}

	cur, err := c.observations.Find(ctx, bson.M{
		"execution_id": string(executionID),
		"seq":          bson.M{"$gt": afterSeq},
	}, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc observationDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		observations = append(observations, doc.toObservation())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return observations, nil
}

func (c *client) CountObservations(ctx context.Context, executionID ident.ID) (uint64, error) {
	if executionID.IsZero() {
		return 0, errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.executions.FindOne(ctx, bson.M{"_id": string(executionID)}).Decode(&executionDocument{}); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, fmt.Errorf("execution %s: %w", executionID, obs.ErrNotFound)
		}
		return 0, err
	}
	n, err := c.observations.CountDocuments(ctx, bson.M{"execution_id": string(executionID)})
	return uint64(n), err
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

func ensureIndexes(ctx context.Context, observations collection) error {
	for _, index := range []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "execution_id", Value: 1},
				{Key: "seq", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "payload.blob_key", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	} {
		if _, err := observations.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, executions, observations collection, timeout time.Duration) (*client, error) {
	if executions == nil || observations == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:        mongoClient,
		executions:   executions,
		observations: observations,
		timeout:      timeout,
	}, nil
}

func fromExecution(e obs.Execution) executionDocument {
	return executionDocument{
		ID:        string(e.ID),
		Name:      e.Name,
		Metadata:  cloneMetadata(e.Metadata),
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func (doc executionDocument) toExecution() obs.Execution {
	return obs.Execution{
		ID:        ident.ID(doc.ID),
		Name:      doc.Name,
		Metadata:  cloneMetadata(doc.Metadata),
		CreatedAt: doc.CreatedAt,
	}
}

func fromObservation(o obs.Observation) observationDocument {
	doc := observationDocument{
		ID:          string(o.ID),
		ExecutionID: string(o.ExecutionID),
		Seq:         o.Seq,
		Name:        o.Name,
		Payload: payloadRefDoc{
			Inline:   append([]byte(nil), o.Payload.Inline...),
			BlobKey:  o.Payload.BlobKey,
			MIMEType: o.Payload.MIMEType,
			Size:     o.Payload.Size,
			State:    int(o.Payload.State),
		},
		Labels:    append([]string(nil), o.Labels...),
		Metadata:  fromMetadata(o.Metadata),
		CreatedAt: o.CreatedAt.UTC(),
	}
	if o.Source != nil {
		doc.Source = &sourceRefDoc{File: o.Source.File, Line: o.Source.Line}
	}
	return doc
}

func (doc observationDocument) toObservation() obs.Observation {
	o := obs.Observation{
		ID:          ident.ID(doc.ID),
		ExecutionID: ident.ID(doc.ExecutionID),
		Seq:         doc.Seq,
		Name:        doc.Name,
		Payload: obs.PayloadRef{
			Inline:   append([]byte(nil), doc.Payload.Inline...),
			BlobKey:  doc.Payload.BlobKey,
			MIMEType: doc.Payload.MIMEType,
			Size:     doc.Payload.Size,
			State:    obs.PayloadState(doc.Payload.State),
		},
		Labels:    append([]string(nil), doc.Labels...),
		Metadata:  toMetadata(doc.Metadata),
		CreatedAt: doc.CreatedAt,
	}
	if doc.Source != nil {
		o.Source = &obs.SourceRef{File: doc.Source.File, Line: doc.Source.Line}
	}
	return o
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

func fromMetadata(pairs []obs.MetadataPair) []metadataPairDoc {
	if len(pairs) == 0 {
		return nil
	}
	docs := make([]metadataPairDoc, len(pairs))
	for i, p := range pairs {
		docs[i] = metadataPairDoc{Key: p.Key, Value: p.Value}
	}
	return docs
}

func toMetadata(docs []metadataPairDoc) []obs.MetadataPair {
	if len(docs) == 0 {
		return nil
	}
	pairs := make([]obs.MetadataPair, len(docs))
	for i, d := range docs {
		pairs[i] = obs.MetadataPair{Key: d.Key, Value: d.Value}
	}
	return pairs
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
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

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
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

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
