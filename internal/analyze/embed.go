package analyze

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder turns text into a vector for similarity linking. The default is a
// deterministic local hasher; deployments can plug a semantic provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashEmbedder maps token stems into a fixed-dimension bag-of-words vector
// via feature hashing, L2 normalized. Deterministic, no external calls.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dimensions() int { return e.dim }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range contentTokens(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32()) % e.dim
		if idx < 0 {
			idx += e.dim
		}
		vec[idx]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// CachedEmbedder fronts another embedder with an LRU so that re-embedding the
// open-task window on every batch stays cheap.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

func NewCachedEmbedder(inner Embedder, cacheSize int) (*CachedEmbedder, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embed cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := normalizeText(text)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, vec)
	return vec, nil
}

// Cosine computes cosine similarity between two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "on": true, "in": true, "of": true,
	"for": true, "to": true, "and": true, "or": true, "with": true,
	"using": true, "please": true, "also": true, "then": true, "it": true,
	"is": true, "are": true, "be": true, "this": true, "that": true,
	"my": true, "our": true, "your": true, "from": true, "about": true,
}

func contentTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

// stem trims common English suffixes so "research"/"researching" and
// "report"/"reports" land on the same feature.
func stem(w string) string {
	for _, suf := range []string{"ing", "ed", "es", "s"} {
		if strings.HasSuffix(w, suf) && len(w)-len(suf) >= 4 {
			return w[:len(w)-len(suf)]
		}
	}
	return w
}

func normalizeText(in string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(in))), " ")
}
