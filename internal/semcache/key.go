// Package semcache implements the semantic response cache: deterministic
// keys derived from the request's stable units and spectral signature, with
// a Redis backend and an in-memory fallback.
package semcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// KeyPrefix is the wire prefix of every semantic cache key.
const KeyPrefix = "semantic_"

const (
	maxKeyUnitIDs    = 10
	maxKeyEmbeddings = 20
	keyEmbeddingDims = 8
)

// BuildKey derives the semantic cache key: a pure function of the stable
// unit IDs, embedding fingerprints, model, path, stability index, and λ₂.
// Equal inputs always yield equal keys.
func BuildKey(stableUnitIDs []string, embeddings [][]float32, model, path string, stability, lambda2 float64) string {
	ids := append([]string(nil), stableUnitIDs...)
	sort.Strings(ids)
	if len(ids) > maxKeyUnitIDs {
		ids = ids[:maxKeyUnitIDs]
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(ids, ","))
	sb.WriteString("|")
	n := len(embeddings)
	if n > maxKeyEmbeddings {
		n = maxKeyEmbeddings
	}
	for i := 0; i < n; i++ {
		dims := keyEmbeddingDims
		if len(embeddings[i]) < dims {
			dims = len(embeddings[i])
		}
		for j := 0; j < dims; j++ {
			fmt.Fprintf(&sb, "%.3f,", embeddings[i][j])
		}
		sb.WriteString(";")
	}
	fmt.Fprintf(&sb, "|%s|%s|%.3f|%.3f", model, path, stability, lambda2)

	sum := sha256.Sum256([]byte(sb.String()))
	return KeyPrefix + hex.EncodeToString(sum[:8])
}
