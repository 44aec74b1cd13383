// Package chunker implements the Chunker (spec.md §4.2): a deterministic,
// language-agnostic splitter that never breaks inside a fenced code block,
// parameterised by target chunk size in characters and inter-chunk overlap.
// Adapted from the teacher's token-budgeted markdown chunker
// (source/chunker/chunker.go): the section/heading/code-fence scanning idiom
// is kept, but sizing moved from an estimated-token heuristic to exact byte
// counts (spec.md's budgets are stated in characters, not tokens), and every
// chunk now carries byte offsets into its parent plus a content hash so
// re-ingestion can detect "unchanged" and the Sacred Store can reconstruct a
// plan from a manifest.
package chunker

import (
	"fmt"
	"strings"

	"github.com/c360studio/contextkeeper/source"
)

// Config holds chunking configuration, all sizes in characters (bytes, since
// splits only ever happen at line boundaries which are single-byte in UTF-8).
type Config struct {
	// TargetChars is the ideal chunk size.
	TargetChars int
	// MaxChars is the hard ceiling outside of an unsplittable code fence.
	MaxChars int
	// MinChars is the minimum chunk size; smaller trailing chunks are merged
	// into their predecessor.
	MinChars int
	// OverlapChars is how much trailing/leading context from neighboring
	// chunks is folded into Content (not CoreContent) for embedding quality.
	OverlapChars int
}

// DefaultConfig returns spec.md §6.4's default chunking parameters.
func DefaultConfig() Config {
	return Config{
		TargetChars:  1500,
		MaxChars:     2000,
		MinChars:     300,
		OverlapChars: 150,
	}
}

// Validate checks if the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MinChars <= 0 {
		return fmt.Errorf("MinChars must be positive, got %d", c.MinChars)
	}
	if c.TargetChars <= 0 {
		return fmt.Errorf("TargetChars must be positive, got %d", c.TargetChars)
	}
	if c.MaxChars <= 0 {
		return fmt.Errorf("MaxChars must be positive, got %d", c.MaxChars)
	}
	if c.MinChars >= c.TargetChars {
		return fmt.Errorf("MinChars (%d) must be less than TargetChars (%d)", c.MinChars, c.TargetChars)
	}
	if c.TargetChars > c.MaxChars {
		return fmt.Errorf("TargetChars (%d) must not exceed MaxChars (%d)", c.TargetChars, c.MaxChars)
	}
	if c.OverlapChars < 0 {
		return fmt.Errorf("OverlapChars must not be negative, got %d", c.OverlapChars)
	}
	if c.OverlapChars >= c.TargetChars {
		return fmt.Errorf("OverlapChars (%d) must be less than TargetChars (%d)", c.OverlapChars, c.TargetChars)
	}
	return nil
}

// Chunker splits source content into chunks for embedding.
type Chunker struct {
	config Config
}

// New creates a new Chunker with the given configuration. A zero-value
// Config gets defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg.TargetChars == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// MustNew creates a new Chunker, panicking on invalid config.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewDefault creates a Chunker with default configuration.
func NewDefault() *Chunker {
	return MustNew(DefaultConfig())
}

// line is a single line of content with its byte offsets in the parent and
// fence/heading classification.
type line struct {
	start, end    int // [start, end) byte range, end includes the trailing newline if present
	inCodeBlock   bool
	isFenceMarker bool
	isHeading     bool
	headingText   string
}

// Chunk splits content into an ordered, gap-free, non-overlapping partition
// of chunks (spec.md §4.2: "emit chunks in original order with ordinal
// index, start/end offsets, and content hash"). Content is never split
// inside a fenced code block; the chunk carrying an oversized fence simply
// extends past MaxChars.
func (c *Chunker) Chunk(parentID string, content string) []source.Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := scanLines(content)
	cores := c.partition(lines)

	chunks := make([]source.Chunk, 0, len(cores))
	for i, core := range cores {
		chunks = append(chunks, source.Chunk{
			ParentID:    parentID,
			Ordinal:     i,
			Section:     core.section,
			CoreContent: content[core.start:core.end],
			StartOffset: core.start,
			EndOffset:   core.end,
		})
	}

	chunks = c.mergeSmallTrailing(chunks)
	c.applyOverlap(content, chunks)
	return chunks
}

// coreRange is one logical, non-overlapping partition before overlap and
// hashing are applied.
type coreRange struct {
	start, end int
	section    string
}

// partition walks the scanned lines and groups them into coreRanges,
// preferring to break at TargetChars, never breaking inside a code fence,
// and only forcing a break past MaxChars once the fence closes.
func (c *Chunker) partition(lines []line) []coreRange {
	var ranges []coreRange
	if len(lines) == 0 {
		return ranges
	}

	start := lines[0].start
	size := 0
	section := ""
	currentHeading := ""

	flush := func(end int) {
		if end <= start {
			return
		}
		ranges = append(ranges, coreRange{start: start, end: end, section: section})
	}

	for i, ln := range lines {
		if ln.isHeading && section == "" {
			section = ln.headingText
		}
		if ln.isHeading {
			currentHeading = ln.headingText
		}

		lineLen := ln.end - ln.start
		wouldBe := size + lineLen

		if size > 0 && !ln.inCodeBlock && wouldBe > c.config.TargetChars {
			flush(ln.start)
			start = ln.start
			size = 0
			section = currentHeading
		}

		size += lineLen

		// Hard ceiling: only enforceable outside a fence, since splitting
		// inside one would break the reconstruction-visible code block.
		if !ln.inCodeBlock && size > c.config.MaxChars && i < len(lines)-1 {
			flush(ln.end)
			start = ln.end
			size = 0
			section = currentHeading
		}
	}

	flush(lines[len(lines)-1].end)
	return ranges
}

// mergeSmallTrailing folds a final chunk smaller than MinChars into its
// predecessor, re-deriving offsets and ordinals.
func (c *Chunker) mergeSmallTrailing(chunks []source.Chunk) []source.Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	last := chunks[len(chunks)-1]
	if len(last.CoreContent) >= c.config.MinChars {
		return chunks
	}
	prev := chunks[len(chunks)-2]
	merged := source.Chunk{
		ParentID:    prev.ParentID,
		Ordinal:     prev.Ordinal,
		Section:     prev.Section,
		CoreContent: prev.CoreContent + last.CoreContent,
		StartOffset: prev.StartOffset,
		EndOffset:   last.EndOffset,
	}
	result := append([]source.Chunk{}, chunks[:len(chunks)-2]...)
	result = append(result, merged)
	return result
}

// applyOverlap fills in Content (CoreContent plus bounded neighboring
// context) and ContentHash for each chunk in place.
func (c *Chunker) applyOverlap(content string, chunks []source.Chunk) {
	for i := range chunks {
		prefixStart := chunks[i].StartOffset - c.config.OverlapChars
		if prefixStart < 0 {
			prefixStart = 0
		}
		suffixEnd := chunks[i].EndOffset + c.config.OverlapChars
		if suffixEnd > len(content) {
			suffixEnd = len(content)
		}
		chunks[i].Content = content[prefixStart:suffixEnd]
		chunks[i].ContentHash = source.HashContent(chunks[i].Content)
	}
}

// scanLines splits content into lines with byte offsets, tracking fenced
// code blocks and markdown headings.
func scanLines(content string) []line {
	var lines []line
	start := 0
	inCodeBlock := false

	for start <= len(content) {
		idx := strings.IndexByte(content[start:], '\n')
		var end int
		if idx == -1 {
			end = len(content)
		} else {
			end = start + idx + 1
		}
		if end == start {
			break
		}

		raw := content[start:end]
		trimmed := strings.TrimSpace(raw)

		fenceMarker := isCodeFence(trimmed)
		// The fence line itself is not "inside" the block it opens/closes.
		wasInBlock := inCodeBlock
		if fenceMarker {
			inCodeBlock = !inCodeBlock
		}

		l := line{
			start:         start,
			end:           end,
			inCodeBlock:   wasInBlock || fenceMarker,
			isFenceMarker: fenceMarker,
		}
		if !wasInBlock && !fenceMarker && isHeading(trimmed) {
			_, text := parseHeading(trimmed)
			l.isHeading = true
			l.headingText = text
		}
		lines = append(lines, l)

		if end == len(content) {
			break
		}
		start = end
	}

	return lines
}

// isCodeFence checks if a line is a code fence (``` or ~~~).
func isCodeFence(trimmed string) bool {
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// isHeading checks if a line is a markdown heading.
func isHeading(trimmed string) bool {
	return strings.HasPrefix(trimmed, "#")
}

// parseHeading extracts the level and text from a heading line.
func parseHeading(trimmed string) (int, string) {
	level := 0
	for _, ch := range trimmed {
		if ch == '#' {
			level++
		} else {
			break
		}
	}
	if level > 6 {
		level = 6
	}
	text := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
	return level, text
}
