// Package loader reads documents from disk and splits them into
// overlapping chunks with character spans, so the original text can be
// reconstructed from the stored chunks.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
)

// supportedExtensions lists the plain-text formats the loader accepts.
var supportedExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".text":     true,
}

// Document is a loaded file ready for chunking.
type Document struct {
	// SourceID identifies the document in the chunk store. It is the
	// cleaned path the document was loaded from.
	SourceID string
	Text     string
}

// Load reads a document from path. Only plain-text formats are
// supported; other extensions are rejected rather than read as bytes.
func Load(path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExtensions[ext] {
		return nil, fmt.Errorf("unsupported document type %q (supported: .txt, .md)", ext)
	}

	data, err := os.ReadFile(path) // #nosec G304 - user-supplied document path
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("document %s is empty", path)
	}

	return &Document{
		SourceID: filepath.Clean(path),
		Text:     string(data),
	}, nil
}

// Chunker splits text into overlapping windows, preferring to break at
// sentence edges.
type Chunker struct {
	// Size is the target chunk length in characters.
	Size int
	// Overlap is how many characters consecutive chunks share.
	Overlap int
}

// NewChunker creates a chunker with the given window and overlap.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// sentence-edge delimiters, checked in order.
var sentenceEdges = []string{". ", ".\n", "! ", "!\n", "? ", "?\n", "\n\n"}

// Chunk splits the document text into chunks with Start/End character
// spans. Each window ends at the last sentence edge found past 70% of
// the target size; if no edge lands in that region, the window is cut
// at the full size. Cuts never land inside a multi-byte rune, so every
// chunk is valid UTF-8 and survives JSON persistence byte-for-byte.
func (c *Chunker) Chunk(doc *Document) []vectorstore.Chunk {
	text := doc.Text
	var chunks []vectorstore.Chunk

	start := 0
	sequence := 0
	for start < len(text) {
		end := start + c.Size
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.cutPoint(text, start, snapToRuneStart(text, end))
		}

		chunks = append(chunks, vectorstore.Chunk{
			SourceID: doc.SourceID,
			Sequence: sequence,
			Text:     text[start:end],
			Start:    start,
			End:      end,
		})
		sequence++

		if end == len(text) {
			break
		}
		next := snapToRuneStart(text, end-c.Overlap)
		if next <= start {
			_, size := utf8.DecodeRuneInString(text[start:])
			next = start + size
		}
		start = next
	}

	return chunks
}

// snapToRuneStart moves i back to the nearest rune boundary at or
// before it.
func snapToRuneStart(s string, i int) int {
	if i <= 0 {
		return 0
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// cutPoint finds the window end: the last sentence edge in the final
// 30% of the window, or the hard limit when none exists.
func (c *Chunker) cutPoint(text string, start, limit int) int {
	window := text[start:limit]
	floor := int(float64(len(window)) * 0.7)

	best := -1
	for _, edge := range sentenceEdges {
		idx := strings.LastIndex(window, edge)
		if idx < 0 {
			continue
		}
		cut := idx + len(edge)
		if cut >= floor && cut > best {
			best = cut
		}
	}

	if best > 0 {
		return start + best
	}
	return limit
}
