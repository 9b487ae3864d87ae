package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/embedding"
	"steward/internal/store"
)

func newTestIndex(t *testing.T, engine embedding.Engine) *Index {
	t.Helper()
	s, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, engine)
}

func seedMenu(t *testing.T, ix *Index) {
	t.Helper()
	ctx := context.Background()
	docs := map[string]string{
		"entity:1": "MenuItem spicy burger",
		"entity:2": "MenuItem margherita pizza",
		"entity:3": "MenuItem lemonade",
	}
	for id, content := range docs {
		require.NoError(t, ix.Put(ctx, id, content, DocTypeEntity, map[string]interface{}{"entity_type": "MenuItem", "id": id}))
	}
	require.NoError(t, ix.Put(ctx, "workflow:create-order", "order a menu item for a table", DocTypeWorkflow,
		map[string]interface{}{"workflow_id": "create-order"}))
}

func TestSearchRanksByEmbeddingSimilarity(t *testing.T) {
	ix := newTestIndex(t, embedding.NewLocalEngine(256))
	seedMenu(t, ix)

	results, err := ix.Search(context.Background(), "the spicy burger", DocTypeEntity, 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "entity:1", results[0].DocID)
	assert.Equal(t, "MenuItem", results[0].Metadata["entity_type"])
	for _, r := range results {
		assert.Equal(t, DocTypeEntity, r.DocType)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestSearchKeywordFallbackWithoutEngine(t *testing.T) {
	ix := newTestIndex(t, nil)
	seedMenu(t, ix)

	results, err := ix.Search(context.Background(), "order a spicy burger", DocTypeEntity, 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "entity:1", results[0].DocID)
}

func TestSearchFiltersByDocType(t *testing.T) {
	ix := newTestIndex(t, embedding.NewLocalEngine(128))
	seedMenu(t, ix)

	results, err := ix.Search(context.Background(), "order", DocTypeWorkflow, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "workflow:create-order", results[0].DocID)
}

func TestSearchEntitiesRestrictsTypeBeforeTopK(t *testing.T) {
	ix := newTestIndex(t, nil)
	ctx := context.Background()
	seedMenu(t, ix)

	// Enough near-verbatim Customer documents to fill the topK cut on
	// their own. The burger must still surface for a MenuItem search.
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("entity:c%d", i)
		require.NoError(t, ix.Put(ctx, id, fmt.Sprintf("Customer spicy burger fan %d", i),
			DocTypeEntity, map[string]interface{}{"entity_type": "Customer", "id": id}))
	}

	results, err := ix.SearchEntities(ctx, "spicy burger", "MenuItem", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "entity:1", results[0].DocID)
	for _, r := range results {
		assert.Equal(t, "MenuItem", r.Metadata["entity_type"])
	}
}

func TestPutReplacesDocument(t *testing.T) {
	ix := newTestIndex(t, embedding.NewLocalEngine(128))
	ctx := context.Background()

	require.NoError(t, ix.Put(ctx, "workflow:w", "book a table", DocTypeWorkflow, nil))
	require.NoError(t, ix.Put(ctx, "workflow:w", "reserve a table for dinner", DocTypeWorkflow, nil))

	results, err := ix.Search(ctx, "reserve", DocTypeWorkflow, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "reserve a table for dinner", results[0].Content)
}

func TestRemove(t *testing.T) {
	ix := newTestIndex(t, nil)
	ctx := context.Background()

	require.NoError(t, ix.Put(ctx, "workflow:w", "book a table", DocTypeWorkflow, nil))
	require.NoError(t, ix.Remove(ctx, "workflow:w"))
	require.NoError(t, ix.Remove(ctx, "workflow:w")) // absent doc is fine

	stats, err := ix.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["total_documents"])
}

func TestStats(t *testing.T) {
	ix := newTestIndex(t, embedding.NewLocalEngine(128))
	seedMenu(t, ix)

	stats, err := ix.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats["total_documents"])
	assert.Equal(t, int64(4), stats["with_embeddings"])
	assert.Equal(t, "local-hash", stats["embedding_engine"])
}
