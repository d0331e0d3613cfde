// Package vecindex holds the embedding-space logic for the vault's vector
// index: space naming, passage composition over encrypted content and its
// enrichment, the default deterministic embedder, and the lexical fallback
// scorer used when no embedder is available.
package vecindex

import (
	"fmt"
	"strings"
	"unicode"
)

// SpaceID derives the stable identifier for a (model, dim) embedding universe.
func SpaceID(modelName string, dim int) string {
	return fmt.Sprintf("s_%s_%d", normalizeModelName(modelName), dim)
}

// normalizeModelName lowercases and maps every non-alphanumeric run to a
// single underscore so the name is safe inside a table identifier.
func normalizeModelName(name string) string {
	var out strings.Builder
	lastWasUnderscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out.WriteRune(r)
			lastWasUnderscore = false
		} else if !lastWasUnderscore {
			out.WriteByte('_')
			lastWasUnderscore = true
		}
	}
	return strings.Trim(out.String(), "_")
}

// Embedder turns batches of text into fixed-dimension vectors.
type Embedder interface {
	ModelName() string
	Dim() int
	Embed(texts []string) ([][]float32, error)
}
