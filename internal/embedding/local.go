package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// =============================================================================
// LOCAL HASHING ENGINE
// =============================================================================

// LocalEngine is a deterministic, dependency-free embedding engine: token and
// character-trigram features hashed into a fixed-width vector. Texts sharing
// vocabulary land close under cosine similarity, which is enough for trigger
// matching and slot extraction when no real model is configured. Scores are
// only "monotonic similarity" - no absolute scale is promised.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a local engine with the given dimensionality.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = 128
	}
	return &LocalEngine{dims: dims}
}

// Embed generates a deterministic embedding for the text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	for _, tok := range Tokenize(text) {
		// Whole-token feature, weighted above trigrams.
		addFeature(vec, tok, 2.0)

		// Character trigrams catch morphological variants ("burgers" vs
		// "burger") the token feature misses.
		padded := "_" + tok + "_"
		for i := 0; i+3 <= len(padded); i++ {
			addFeature(vec, padded[i:i+3], 1.0)
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return "local-hash"
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New32a()
	h.Write([]byte(feature))
	sum := h.Sum32()
	idx := int(sum) % len(vec)
	if idx < 0 {
		idx += len(vec)
	}
	// Sign hashing halves the collision bias of plain feature hashing.
	if sum&0x80000000 != 0 {
		vec[idx] -= weight
	} else {
		vec[idx] += weight
	}
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}

// Tokenize lowercases and splits text into alphanumeric tokens.
// Shared with the index's lexical fallback scorer.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
