// Package source provides the Chunk type shared by the Chunker, Retrieval
// Engine, and Sacred Store (spec.md §3 "Chunk").
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Chunk is a bounded-size slice of a source artifact (file or sacred plan),
// carrying ordinal and offsets — the unit of embedding (spec.md §3).
type Chunk struct {
	// ParentID is the id of the document or plan this chunk belongs to.
	ParentID string `json:"parent_id"`

	// Ordinal is the chunk's position within the parent, 0-indexed.
	Ordinal int `json:"ordinal"`

	// Section is the nearest enclosing heading, if any.
	Section string `json:"section,omitempty"`

	// Content is the embedded text: CoreContent plus any leading/trailing
	// overlap borrowed from adjacent chunks for retrieval context.
	Content string `json:"content"`

	// CoreContent is the non-overlapping slice of the parent this chunk
	// owns. Concatenating CoreContent across ordinals in order reconstructs
	// the parent exactly (spec.md §9 open question: reassembly via the
	// manifest's offsets naturally deduplicates overlap).
	CoreContent string `json:"core_content"`

	// StartOffset and EndOffset are byte offsets of CoreContent within the
	// parent's canonical content.
	StartOffset int `json:"start_offset"`
	EndOffset   int `json:"end_offset"`

	// ContentHash is the SHA-256 hex digest of Content, used for
	// unchanged-file no-op detection on re-ingestion (spec.md §4.4).
	ContentHash string `json:"content_hash"`
}

// HashContent computes the chunk's content hash.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ManifestEntry is one row of a plan's reconstruction manifest (spec.md
// §4.2, §4.3): enough to reassemble a plan's content losslessly from its
// chunk set without re-reading the original file.
type ManifestEntry struct {
	Ordinal int `json:"ordinal"`
	Start   int `json:"start"`
	End     int `json:"end"`
}

// Manifest is the ordered set of a parent's chunk offsets.
type Manifest []ManifestEntry

// BuildManifest derives a reconstruction manifest from a chunk set.
func BuildManifest(chunks []Chunk) Manifest {
	m := make(Manifest, len(chunks))
	for i, c := range chunks {
		m[i] = ManifestEntry{Ordinal: c.Ordinal, Start: c.StartOffset, End: c.EndOffset}
	}
	return m
}

// Reconstruct reassembles a parent's content from its chunks by
// concatenating CoreContent in ordinal order. Returns IntegrityError-shaped
// errors (via the returned error's message; callers wrap with apierr) if the
// chunk set is not a contiguous, gap-free partition.
func Reconstruct(chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", nil
	}
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	var b strings.Builder
	expectedStart := 0
	for i, c := range ordered {
		if c.Ordinal != i {
			return "", fmt.Errorf("reconstruct: missing or duplicate ordinal, expected %d got %d", i, c.Ordinal)
		}
		if c.StartOffset != expectedStart {
			return "", fmt.Errorf("reconstruct: gap or overlap at ordinal %d: expected start %d, got %d", i, expectedStart, c.StartOffset)
		}
		b.WriteString(c.CoreContent)
		expectedStart = c.EndOffset
	}
	return b.String(), nil
}
