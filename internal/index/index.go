// Package index implements the fuzzy match surface for request interpretation.
// Documents (workflow triggers, entity identifiers) are stored with vector
// embeddings and recalled by cosine similarity, with a keyword fallback when
// no embedding engine is configured or a document has no embedding yet.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"steward/internal/embedding"
	"steward/internal/logging"
	"steward/internal/store"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// Well-known document types stored in the index.
const (
	DocTypeWorkflow = "workflow" // workflow trigger phrases
	DocTypeEntity   = "entity"   // entity instance identifying fields
)

// Result is a single ranked search hit.
type Result struct {
	DocID    string
	Content  string
	DocType  string
	Score    float64
	Metadata map[string]interface{}
}

// =============================================================================
// FUZZY INDEX
// =============================================================================

// Index stores and recalls documents over the shared store database.
// All reads tolerate missing embeddings; writes embed synchronously when an
// engine is present.
type Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	engine embedding.Engine
}

// New creates an index backed by the given store.
func New(st *store.Store, engine embedding.Engine) *Index {
	return &Index{
		db:     st.DB(),
		engine: engine,
	}
}

// Put stores or replaces a document. When an embedding engine is configured
// the content is embedded before insert; otherwise the document is stored for
// keyword recall only.
func (ix *Index) Put(ctx context.Context, docID, content, docType string, metadata map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryIndex, "Put")
	defer timer.Stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	logging.IndexDebug("Indexing document %s (type=%s, %d bytes)", docID, docType, len(content))

	metaJSON, _ := json.Marshal(metadata)

	var embeddingJSON interface{}
	if ix.engine != nil {
		vec, err := ix.engine.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to embed document %s: %w", docID, err)
		}
		raw, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		embeddingJSON = string(raw)
	}

	_, err := ix.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO fuzzy_documents (doc_id, content, doc_type, embedding, metadata) VALUES (?, ?, ?, ?, ?)",
		docID, content, docType, embeddingJSON, string(metaJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryIndex).Error("Failed to index document %s: %v", docID, err)
		return fmt.Errorf("failed to index document: %w", err)
	}
	return nil
}

// Remove deletes a document from the index. Removing an absent document is
// not an error.
func (ix *Index) Remove(ctx context.Context, docID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.ExecContext(ctx, "DELETE FROM fuzzy_documents WHERE doc_id = ?", docID)
	if err != nil {
		return fmt.Errorf("failed to remove document: %w", err)
	}
	return nil
}

// Search returns the topK documents most similar to the query, restricted to
// docType when non-empty. Embedded documents are ranked by cosine similarity;
// documents without embeddings are ranked by keyword overlap. Scores from
// both paths live in [0,1].
func (ix *Index) Search(ctx context.Context, query, docType string, topK int) ([]Result, error) {
	return ix.search(ctx, query, docType, "", topK)
}

// SearchEntities returns the topK entity documents of one entity type. The
// type restriction is applied before the topK cut, so instances of other
// types never displace matches of the requested type.
func (ix *Index) SearchEntities(ctx context.Context, query, entityType string, topK int) ([]Result, error) {
	return ix.search(ctx, query, DocTypeEntity, entityType, topK)
}

func (ix *Index) search(ctx context.Context, query, docType, entityType string, topK int) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Search")
	defer timer.Stop()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if topK <= 0 {
		topK = 10
	}

	logging.IndexDebug("Search query=%q type=%q topK=%d", query, docType, topK)

	var queryVec []float32
	if ix.engine != nil {
		vec, err := ix.engine.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryIndex).Warn("Query embedding failed, falling back to keywords: %v", err)
		} else {
			queryVec = vec
		}
	}

	sqlQuery := "SELECT doc_id, content, doc_type, embedding, metadata FROM fuzzy_documents"
	var args []interface{}
	if docType != "" {
		sqlQuery += " WHERE doc_type = ?"
		args = append(args, docType)
	}

	rows, err := ix.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("index search failed: %w", err)
	}
	defer rows.Close()

	queryTokens := embedding.Tokenize(query)

	var results []Result
	for rows.Next() {
		var r Result
		var embeddingJSON, metaJSON sql.NullString
		if err := rows.Scan(&r.DocID, &r.Content, &r.DocType, &embeddingJSON, &metaJSON); err != nil {
			continue
		}
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
		}
		if entityType != "" {
			if et, _ := r.Metadata["entity_type"].(string); et != entityType {
				continue
			}
		}

		score, ok := scoreDocument(queryVec, queryTokens, embeddingJSON, r.Content)
		if !ok {
			continue
		}
		r.Score = score
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index search failed: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	logging.IndexDebug("Search returned %d results", len(results))
	return results, nil
}

// scoreDocument scores one stored document against the query. The bool result
// is false when the document is not comparable at all (zero score documents
// are still returned so callers can apply their own floor).
func scoreDocument(queryVec []float32, queryTokens []string, embeddingJSON sql.NullString, content string) (float64, bool) {
	if queryVec != nil && embeddingJSON.Valid && embeddingJSON.String != "" {
		var docVec []float32
		if err := json.Unmarshal([]byte(embeddingJSON.String), &docVec); err == nil {
			if sim, err := embedding.CosineSimilarity(queryVec, docVec); err == nil {
				// Cosine lands in [-1,1]; clamp to [0,1].
				if sim < 0 {
					sim = 0
				}
				return sim, true
			}
		}
	}
	return keywordOverlap(queryTokens, content), true
}

// keywordOverlap is the fallback score: fraction of query tokens present in
// the document content.
func keywordOverlap(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	docTokens := make(map[string]bool)
	for _, t := range embedding.Tokenize(content) {
		docTokens[t] = true
	}
	matched := 0
	for _, t := range queryTokens {
		if docTokens[t] || strings.Contains(strings.ToLower(content), t) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// Stats returns index statistics.
func (ix *Index) Stats() (map[string]interface{}, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	stats := make(map[string]interface{})

	var total int64
	ix.db.QueryRow("SELECT COUNT(*) FROM fuzzy_documents").Scan(&total)
	stats["total_documents"] = total

	var embedded int64
	ix.db.QueryRow("SELECT COUNT(*) FROM fuzzy_documents WHERE embedding IS NOT NULL").Scan(&embedded)
	stats["with_embeddings"] = embedded

	if ix.engine != nil {
		stats["embedding_engine"] = ix.engine.Name()
		stats["embedding_dimensions"] = ix.engine.Dimensions()
	} else {
		stats["embedding_engine"] = "none (keyword search)"
	}

	return stats, nil
}
