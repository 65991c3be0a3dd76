package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeObservations()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.Len(t, fc.indexes, 2)
	require.True(t, fc.indexes[0].unique, "the (execution_id, seq) index must be unique")
}

func TestCreateAndLoadExecution(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()

	e := obs.Execution{
		ID:        ident.New(),
		Name:      "demo",
		Metadata:  map[string]string{"env": "test"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, client.CreateExecution(ctx, e))

	stored, err := client.LoadExecution(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, stored.ID)
	require.Equal(t, "demo", stored.Name)
	require.Equal(t, e.Metadata, stored.Metadata)

	err = client.CreateExecution(ctx, e)
	require.ErrorIs(t, err, obs.ErrIdentifierConflict)
}

func TestLoadExecutionMissing(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LoadExecution(context.Background(), ident.New())
	require.ErrorIs(t, err, obs.ErrNotFound)
}

func TestAppendAssignsContiguousSequence(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	e := obs.Execution{ID: ident.New(), Name: "run", CreatedAt: time.Now().UTC()}
	require.NoError(t, client.CreateExecution(ctx, e))

	for i := 1; i <= 5; i++ {
		o := obs.Observation{
			ID:          ident.New(),
			ExecutionID: e.ID,
			Name:        fmt.Sprintf("step-%d", i),
			Payload:     obs.PayloadRef{Inline: []byte("x"), State: obs.PayloadStateReady},
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, client.Append(ctx, &o))
		require.Equal(t, uint64(i), o.Seq)
	}
}

func TestAppendUnknownExecution(t *testing.T) {
	client := mustNewTestClient()
	o := obs.Observation{ID: ident.New(), ExecutionID: ident.New(), Name: "step"}
	err := client.Append(context.Background(), &o)
	require.ErrorIs(t, err, obs.ErrNotFound)
}

func TestAppendDuplicateObservationID(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	e := obs.Execution{ID: ident.New(), Name: "run", CreatedAt: time.Now().UTC()}
	require.NoError(t, client.CreateExecution(ctx, e))

	o := obs.Observation{ID: ident.New(), ExecutionID: e.ID, Name: "step"}
	require.NoError(t, client.Append(ctx, &o))

	dup := obs.Observation{ID: o.ID, ExecutionID: e.ID, Name: "step again"}
	err := client.Append(ctx, &dup)
	require.ErrorIs(t, err, obs.ErrIdentifierConflict)
}

func TestAppendRecoversFromSequenceRace(t *testing.T) {
	fe := newFakeExecutions()
	fo := newFakeObservations()
	client, err := newClientWithCollections(nil, fe, fo, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	e := obs.Execution{ID: ident.New(), Name: "run", CreatedAt: time.Now().UTC()}
	require.NoError(t, client.CreateExecution(ctx, e))

	// Steal the next sequence number right before the first insert, as a
	// concurrent appender would.
	stolen := false
	fo.beforeInsert = func(doc observationDocument) {
		if stolen {
			return
		}
		stolen = true
		fo.insertLocked(observationDocument{
			ID:          string(ident.New()),
			ExecutionID: doc.ExecutionID,
			Seq:         doc.Seq,
			Name:        "rival",
		})
	}

	o := obs.Observation{ID: ident.New(), ExecutionID: e.ID, Name: "step"}
	require.NoError(t, client.Append(ctx, &o))
	require.Equal(t, uint64(2), o.Seq, "loser of the race must claim the next number")
}

func TestObservationRoundTrip(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	e := obs.Execution{ID: ident.New(), Name: "run", CreatedAt: time.Now().UTC()}
	require.NoError(t, client.CreateExecution(ctx, e))

	o := obs.Observation{
		ID:          ident.New(),
		ExecutionID: e.ID,
		Name:        "step",
		Payload: obs.PayloadRef{
			BlobKey:  "exec/blob",
			MIMEType: "application/json",
			Size:     4096,
			State:    obs.PayloadStatePending,
		},
		Labels:    []string{"phase/setup", "phase/setup/io"},
		Metadata:  []obs.MetadataPair{{Key: "host", Value: "worker-1"}},
		Source:    &obs.SourceRef{File: "pipeline.go", Line: 42},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, client.Append(ctx, &o))

	stored, err := client.LoadObservation(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, o.ID, stored.ID)
	require.Equal(t, o.Payload, stored.Payload)
	require.Equal(t, o.Labels, stored.Labels)
	require.Equal(t, o.Metadata, stored.Metadata)
	require.Equal(t, o.Source, stored.Source)
}

func TestMarkPayloadFailed(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	e := obs.Execution{ID: ident.New(), Name: "run", CreatedAt: time.Now().UTC()}
	require.NoError(t, client.CreateExecution(ctx, e))

	o := obs.Observation{
		ID:          ident.New(),
		ExecutionID: e.ID,
		Name:        "step",
		Payload:     obs.PayloadRef{BlobKey: "exec/blob", State: obs.PayloadStatePending},
	}
	require.NoError(t, client.Append(ctx, &o))
	require.NoError(t, client.MarkPayloadFailed(ctx, "exec/blob"))

	stored, err := client.LoadObservation(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, obs.PayloadStateFailed, stored.Payload.State)
}

func TestListObservationsPages(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	e := obs.Execution{ID: ident.New(), Name: "run", CreatedAt: time.Now().UTC()}
	require.NoError(t, client.CreateExecution(ctx, e))
	for i := 0; i < 7; i++ {
		o := obs.Observation{ID: ident.New(), ExecutionID: e.ID, Name: fmt.Sprintf("step-%d", i)}
		require.NoError(t, client.Append(ctx, &o))
	}

	first, err := client.ListObservations(ctx, e.ID, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, uint64(1), first[0].Seq)

	rest, err := client.ListObservations(ctx, e.ID, 3, 10)
	require.NoError(t, err)
	require.Len(t, rest, 4)
	assert.Equal(t, uint64(4), rest[0].Seq)

	n, err := client.CountObservations(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	_, err = client.ListObservations(ctx, ident.New(), 0, 10)
	require.ErrorIs(t, err, obs.ErrNotFound)
}

func TestListExecutionsWindows(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()

	ids := make([]ident.ID, 5)
	for i := range ids {
		ids[i] = ident.New()
		e := obs.Execution{ID: ids[i], Name: fmt.Sprintf("run-%d", i), CreatedAt: time.Now().UTC()}
		require.NoError(t, client.CreateExecution(ctx, e))
	}

	// Newest first, bounded above by the anchor.
	desc, err := client.ListExecutions(ctx, ids[3], "", 10)
	require.NoError(t, err)
	require.Len(t, desc, 4)
	assert.Equal(t, ids[3], desc[0].ID)
	assert.Equal(t, ids[0], desc[3].ID)

	// The before bound is exclusive.
	older, err := client.ListExecutions(ctx, ids[3], ids[2], 10)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, ids[1], older[0].ID)

	asc, err := client.ListExecutionsAsc(ctx, ids[3], ids[0], 10)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, ids[1], asc[0].ID)
	assert.Equal(t, ids[3], asc[2].ID)

	total, err := client.CountExecutions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	upTo, err := client.CountExecutions(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, 3, upTo)
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollections(nil, newFakeExecutions(), newFakeObservations(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

func duplicateKeyError() error {
	return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
}

// fakeExecutions implements collection over an id-keyed map.
type fakeExecutions struct {
	mu   sync.Mutex
	docs map[string]executionDocument
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{docs: make(map[string]executionDocument)}
}

func (c *fakeExecutions) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(executionDocument)
	if _, ok := c.docs[doc.ID]; ok {
		return nil, duplicateKeyError()
	}
	c.docs[doc.ID] = doc
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeExecutions) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeExecutions) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.matchLocked(filter.(bson.M))
	order, limit := findParams(opts)
	sort.Strings(ids)
	if order < 0 {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	docs := make([]any, len(ids))
	for i, id := range ids {
		docs[i] = c.docs[id]
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeExecutions) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("not supported")
}

func (c *fakeExecutions) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.matchLocked(filter.(bson.M)))), nil
}

func (c *fakeExecutions) Indexes() indexView {
	return fakeIndexView{}
}

func (c *fakeExecutions) matchLocked(filter bson.M) []string {
	bounds, _ := filter["_id"].(bson.M)
	var ids []string
	for id := range c.docs {
		if v, ok := bounds["$lte"].(string); ok && id > v {
			continue
		}
		if v, ok := bounds["$lt"].(string); ok && id >= v {
			continue
		}
		if v, ok := bounds["$gt"].(string); ok && id <= v {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// fakeObservations implements collection over an append-ordered slice with
// the same unique constraints the real indexes enforce.
type fakeObservations struct {
	mu           sync.Mutex
	docs         []observationDocument
	indexes      []fakeIndex
	beforeInsert func(observationDocument)
}

type fakeIndex struct {
	unique bool
}

func newFakeObservations() *fakeObservations {
	return &fakeObservations{}
}

func (c *fakeObservations) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(observationDocument)
	if c.beforeInsert != nil {
		c.beforeInsert(doc)
	}
	for _, d := range c.docs {
		if d.ID == doc.ID {
			return nil, duplicateKeyError()
		}
		if d.ExecutionID == doc.ExecutionID && d.Seq == doc.Seq {
			return nil, duplicateKeyError()
		}
	}
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

// insertLocked bypasses the unique checks. Callers hold the lock via
// beforeInsert.
func (c *fakeObservations) insertLocked(doc observationDocument) {
	c.docs = append(c.docs, doc)
}

func (c *fakeObservations) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	for _, d := range c.docs {
		if d.ID == id {
			return fakeSingleResult{doc: d}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeObservations) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := c.matchLocked(filter.(bson.M))
	order, limit := findParams(opts)
	sort.Slice(matched, func(i, j int) bool {
		if order < 0 {
			return matched[i].Seq > matched[j].Seq
		}
		return matched[i].Seq < matched[j].Seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	docs := make([]any, len(matched))
	for i, d := range matched {
		docs[i] = d
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeObservations) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := filter.(bson.M)["payload.blob_key"].(string)
	state := update.(bson.M)["$set"].(bson.M)["payload.state"].(int)
	for i := range c.docs {
		if c.docs[i].Payload.BlobKey == key {
			c.docs[i].Payload.State = state
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeObservations) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.matchLocked(filter.(bson.M)))), nil
}

func (c *fakeObservations) Indexes() indexView {
	return fakeIndexView{parent: c}
}

func (c *fakeObservations) matchLocked(filter bson.M) []observationDocument {
	var matched []observationDocument
	for _, d := range c.docs {
		if execID, ok := filter["execution_id"].(string); ok && d.ExecutionID != execID {
			continue
		}
		if bounds, ok := filter["seq"].(bson.M); ok {
			if after, ok := bounds["$gt"].(uint64); ok && d.Seq <= after {
				continue
			}
		}
		matched = append(matched, d)
	}
	return matched
}

type fakeIndexView struct {
	parent *fakeObservations
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	if v.parent != nil {
		unique := model.Options != nil && model.Options.Unique != nil && *model.Options.Unique
		v.parent.indexes = append(v.parent.indexes, fakeIndex{unique: unique})
	}
	return "idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch target := val.(type) {
	case *executionDocument:
		*target = r.doc.(executionDocument)
	case *observationDocument:
		*target = r.doc.(observationDocument)
	default:
		return errors.New("unsupported target")
	}
	return nil
}

type fakeCursor struct {
	docs []any
	pos  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	doc := c.docs[c.pos-1]
	switch target := val.(type) {
	case *executionDocument:
		*target = doc.(executionDocument)
	case *observationDocument:
		*target = doc.(observationDocument)
	default:
		data, err := bson.Marshal(doc)
		if err != nil {
			return err
		}
		return bson.Unmarshal(data, val)
	}
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func findParams(opts []*options.FindOptions) (order int, limit int) {
	order = 1
	for _, o := range opts {
		if o == nil {
			continue
		}
		if o.Sort != nil {
			if d, ok := o.Sort.(bson.D); ok && len(d) > 0 {
				if v, ok := d[0].Value.(int); ok && v < 0 {
					order = -1
				}
			}
		}
		if o.Limit != nil {
			limit = int(*o.Limit)
		}
	}
	return order, limit
}
