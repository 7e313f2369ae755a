// Package retrieval defines the Retriever contract this core consumes
// and a deterministic in-memory reference implementation.
// Grounded on other_examples' Spherical retrieval.Router (request/response
// shape, hybrid scoring) and RAGbox.co's cache/query.go (ranked-result
// merge), with role-based visibility generalized from the router's
// visibility-less design to enforce per-bucket access rules.
package retrieval

import (
	"context"
	"sort"

	"elidacore/internal/core"
)

// Request is a single retrieval query scoped to a principal.
type Request struct {
	QueryText      string
	Principal      core.Principal
	Limit          int
	RequireBucket  *core.Bucket // nil = no bucket restriction beyond visibility
}

// Retriever is the contract this core depends on; its internals (vector
// similarity, lexical scoring) are treated as given rather than built here.
type Retriever interface {
	Retrieve(ctx context.Context, req Request) (core.RetrievalResult, error)
}

// candidate is one indexed chunk available to the in-memory reference
// Retriever, carrying the raw signal the hybrid scorer combines.
type candidate struct {
	chunk          core.Chunk
	semanticScore  float64
	lexicalScore   float64
}

// InMemoryRetriever is a deterministic reference implementation: no
// external vector store, a fixed corpus supplied at construction, hybrid
// score = w*semantic + (1-w)*lexical, ties broken by chunk id for
// byte-identical results on identical input.
type InMemoryRetriever struct {
	corpus          map[string]core.Document // document id -> document
	candidates      []candidate
	semanticWeight  float64
}

// NewInMemoryRetriever builds a retriever over docs/chunks with
// precomputed semantic/lexical scores. semanticWeight corresponds to
// RETRIEVAL_WEIGHT_SEMANTIC.
func NewInMemoryRetriever(docs []core.Document, chunkScores map[string]struct {
	Chunk    core.Chunk
	Semantic float64
	Lexical  float64
}, semanticWeight float64) *InMemoryRetriever {
	corpus := make(map[string]core.Document, len(docs))
	for _, d := range docs {
		corpus[d.ID] = d
	}

	candidates := make([]candidate, 0, len(chunkScores))
	for _, cs := range chunkScores {
		candidates = append(candidates, candidate{
			chunk:         cs.Chunk,
			semanticScore: cs.Semantic,
			lexicalScore:  cs.Lexical,
		})
	}

	return &InMemoryRetriever{corpus: corpus, candidates: candidates, semanticWeight: semanticWeight}
}

// Retrieve implements Retriever. It filters by the principal's
// role-based visibility (role=user -> public only, superuser/admin ->
// public and confidential, read-only), scores by the
// configured hybrid weight, and returns the top Limit chunks ordered by
// descending score with a chunk-id tie-break for determinism.
func (r *InMemoryRetriever) Retrieve(ctx context.Context, req Request) (core.RetrievalResult, error) {
	select {
	case <-ctx.Done():
		return core.RetrievalResult{}, core.NewError(core.RetrievalUnavailable, "", "retrieval cancelled", ctx.Err())
	default:
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	scored := make([]core.ScoredChunk, 0, len(r.candidates))
	for _, c := range r.candidates {
		doc, ok := r.corpus[c.chunk.DocumentID]
		if !ok {
			continue
		}
		if !visible(req.Principal, doc.Bucket) {
			continue
		}
		if req.RequireBucket != nil && doc.Bucket != *req.RequireBucket {
			continue
		}

		score := r.semanticWeight*c.semanticScore + (1-r.semanticWeight)*c.lexicalScore
		scored = append(scored, core.ScoredChunk{
			Chunk:      c.chunk,
			Score:      score,
			DocumentID: doc.ID,
			Bucket:     doc.Bucket,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	return core.RetrievalResult{Chunks: scored}, nil
}

// visible implements the bucket visibility rule. role=user sees only
// public-bucket chunks; superuser and admin see both, read-only — this
// function never grants write/modify access, which is an external
// concern the Retrieval Service explicitly does not enforce.
func visible(p core.Principal, bucket core.Bucket) bool {
	if bucket == core.BucketPublic {
		return true
	}
	return p.CanReadConfidential()
}
