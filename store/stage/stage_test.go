package stage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
	"goa.design/obs/store/retry"
	"goa.design/obs/store/stage"
	"goa.design/obs/store/stage/inmem"
)

func newBuilder(t *testing.T) (*stage.Builder, *inmem.Store) {
	t.Helper()
	st := inmem.New()
	b, err := stage.NewBuilder(stage.Options{
		Store: st,
		Retry: retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return b, st
}

func root(t *testing.T, b *stage.Builder, runID ident.ID) stage.Stage {
	t.Helper()
	s, err := b.Create(context.Background(), stage.CreateStage{
		ProjectID: "proj-1",
		RunID:     runID,
		Name:      "root",
		Metadata:  map[string]string{"kind": "root"},
	})
	require.NoError(t, err)
	return s
}

func TestCreatePersistsImmutableNode(t *testing.T) {
	t.Parallel()

	b, store := newBuilder(t)
	s := root(t, b, ident.New())

	loaded, err := store.LoadStage(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, s.Equal(loaded))
	require.Empty(t, loaded.PreviousStageIDs)
	require.Empty(t, loaded.AncestorGroupIDs)
}

func TestAppendExtendsLinearly(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	ctx := context.Background()
	first := root(t, b, ident.New())

	second, err := b.Append(ctx, first, "second")
	require.NoError(t, err)
	require.Equal(t, []ident.ID{first.ID}, second.PreviousStageIDs)
	require.Equal(t, first.AncestorGroupIDs, second.AncestorGroupIDs)
	require.Equal(t, first.RunID, second.RunID)
}

func TestChildDescendsOneLevel(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	ctx := context.Background()
	parent := root(t, b, ident.New())

	child, err := b.Child(ctx, parent, "child")
	require.NoError(t, err)
	require.Equal(t, []ident.ID{parent.ID}, child.AncestorGroupIDs)
	require.Empty(t, child.PreviousStageIDs)

	grandchild, err := b.Child(ctx, child, "grandchild")
	require.NoError(t, err)
	require.Equal(t, []ident.ID{parent.ID, child.ID}, grandchild.AncestorGroupIDs)
}

func TestJoinOrdersPredecessors(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	ctx := context.Background()
	runID := ident.New()
	a := root(t, b, runID)

	bb, err := b.Append(ctx, a, "b")
	require.NoError(t, err)
	cc, err := b.Append(ctx, a, "c")
	require.NoError(t, err)

	joined, err := b.Join(ctx, "x", a, bb, cc)
	require.NoError(t, err)
	require.Equal(t, []ident.ID{a.ID, bb.ID, cc.ID}, joined.PreviousStageIDs)
	require.Equal(t, a.AncestorGroupIDs, joined.AncestorGroupIDs)
}

func TestJoinRejectsCrossRunInputs(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	ctx := context.Background()
	a := root(t, b, ident.New())
	other := root(t, b, ident.New())

	_, err := b.Join(ctx, "x", a, other)
	require.ErrorIs(t, err, obs.ErrGraphIntegrity)
}

func TestJoinRejectsMismatchedAncestors(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	ctx := context.Background()
	a := root(t, b, ident.New())
	nested, err := b.Child(ctx, a, "nested")
	require.NoError(t, err)

	_, err = b.Join(ctx, "x", a, nested)
	require.ErrorIs(t, err, obs.ErrGraphIntegrity)
}

func TestCreateRejectsUnknownPredecessor(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	_, err := b.Create(context.Background(), stage.CreateStage{
		ProjectID:        "proj-1",
		RunID:            ident.New(),
		Name:             "dangling",
		PreviousStageIDs: []ident.ID{ident.New()},
	})
	require.ErrorIs(t, err, obs.ErrGraphIntegrity)
}

func TestCreateRejectsDuplicateAncestors(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	dup := ident.New()
	_, err := b.Create(context.Background(), stage.CreateStage{
		ProjectID:        "proj-1",
		RunID:            ident.New(),
		Name:             "looped",
		AncestorGroupIDs: []ident.ID{dup, dup},
	})
	require.ErrorIs(t, err, obs.ErrGraphIntegrity)
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t)
	ctx := context.Background()
	a := root(t, b, ident.New())
	nested, err := b.Child(ctx, a, "nested")
	require.NoError(t, err)
	s, err := b.Append(ctx, nested, "work")
	require.NoError(t, err)

	token, err := stage.Token(s)
	require.NoError(t, err)

	resumed, err := stage.FromToken(token)
	require.NoError(t, err)
	require.True(t, s.Equal(resumed), "token round trip must preserve all fields")
}

func TestResumedHandleExtendsGraph(t *testing.T) {
	t.Parallel()

	b, store := newBuilder(t)
	ctx := context.Background()
	original := root(t, b, ident.New())

	token, err := stage.Token(original)
	require.NoError(t, err)

	// A second builder stands in for an unrelated process sharing only the
	// backing store and the token.
	b2, err := stage.NewBuilder(stage.Options{Store: store})
	require.NoError(t, err)
	resumed, err := stage.FromToken(token)
	require.NoError(t, err)

	next, err := b2.Append(ctx, resumed, "resumed-work")
	require.NoError(t, err)
	require.Equal(t, []ident.ID{original.ID}, next.PreviousStageIDs)
}

func TestFromTokenRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := stage.FromToken("%%%not-base64%%%")
	require.Error(t, err)

	_, err = stage.FromToken("bm90LWpzb24")
	require.Error(t, err)
}
