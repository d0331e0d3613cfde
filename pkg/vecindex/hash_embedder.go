package vecindex

import (
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedderDim is the fixed dimension of the fallback embedder.
const HashEmbedderDim = 384

// HashEmbedder is the default deterministic embedder: each token is hashed
// into one of 384 slots and the vector is L2-normalized. It carries no
// semantics but keeps the index and KNN path working without a model runtime.
type HashEmbedder struct{}

// ModelName implements Embedder.
func (HashEmbedder) ModelName() string { return "builtin-hash" }

// Dim implements Embedder.
func (HashEmbedder) Dim() int { return HashEmbedderDim }

// Embed implements Embedder.
func (HashEmbedder) Embed(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, HashEmbedderDim)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(token))
			vec[h.Sum32()%HashEmbedderDim]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= inv
			}
		}
		out[i] = vec
	}
	return out, nil
}
