// Package chunker splits document text into bounded, overlapping pieces.
//
// Markdown heading structure (H1/H2) is used to cut sections first so a
// piece never straddles two unrelated topics; oversized sections are then
// windowed with a fractional overlap, preferring paragraph and sentence
// boundaries over hard cuts. Splitting is deterministic: the same input
// always yields the same pieces.
package chunker

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

const (
	// DefaultChunkSize is the target piece size in runes, on the order of a
	// few hundred tokens.
	DefaultChunkSize = 1200

	// DefaultOverlap is the fraction of each window carried into the next
	// so context at piece boundaries is not lost.
	DefaultOverlap = 0.15
)

// Piece is one span of a split document.
type Piece struct {
	Ordinal    int    // position in document (0, 1, 2...)
	HeaderPath string // section hierarchy, e.g. "# Policy > ## MFA"; empty for unstructured text
	Content    string
}

// Splitter chunks text using a deterministic windowing policy.
type Splitter struct {
	parser    goldmark.Markdown
	chunkSize int
	overlap   float64
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithChunkSize sets the target piece size in runes.
func WithChunkSize(size int) Option {
	return func(s *Splitter) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// WithOverlap sets the fractional window overlap. Values outside (0, 0.5]
// are ignored.
func WithOverlap(overlap float64) Option {
	return func(s *Splitter) {
		if overlap > 0 && overlap <= 0.5 {
			s.overlap = overlap
		}
	}
}

// New creates a Splitter with the given options.
func New(opts ...Option) *Splitter {
	s := &Splitter{
		parser: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
		chunkSize: DefaultChunkSize,
		overlap:   DefaultOverlap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split breaks text into ordered pieces. Whitespace-only input yields nil.
func (s *Splitter) Split(input string) []Piece {
	if strings.TrimSpace(input) == "" {
		return nil
	}

	var pieces []Piece
	for _, section := range s.sections([]byte(input)) {
		for _, window := range s.window(section.content) {
			pieces = append(pieces, Piece{
				Ordinal:    len(pieces),
				HeaderPath: section.headerPath,
				Content:    window,
			})
		}
	}
	return pieces
}

// section is a heading-delimited region of the source document.
type section struct {
	headerPath string
	content    string
}

// sections cuts the document at H1/H2 boundaries, keeping the heading
// hierarchy as a path for each section. Documents without headings come
// back as a single unstructured section.
func (s *Splitter) sections(source []byte) []section {
	reader := text.NewReader(source)
	doc := s.parser.Parser().Parse(reader)

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil || len(tree.Items) == 0 {
		return []section{{content: strings.TrimSpace(string(source))}}
	}

	var sections []section

	// Preamble before the first heading still belongs to the document.
	if first := findHeaderByID(doc, string(tree.Items[0].ID)); first != nil {
		head := strings.TrimSpace(string(source[:first.Lines().At(0).Start]))
		if head != "" {
			sections = append(sections, section{content: head})
		}
	}

	s.extractSections(doc, source, tree.Items, nil, &sections)
	return sections
}

// extractSections recursively walks TOC items to extract content spans with
// their header paths.
func (s *Splitter) extractSections(doc ast.Node, source []byte, items toc.Items, ancestors []string, sections *[]section) {
	for i, item := range items {
		currentPath := append(ancestors, string(item.Title))

		headerNode := findHeaderByID(doc, string(item.ID))
		if headerNode == nil {
			continue
		}

		startLine := headerNode.Lines().At(0)
		var endLine text.Segment

		if i+1 < len(items) {
			if nextHeader := findHeaderByID(doc, string(items[i+1].ID)); nextHeader != nil {
				endLine = nextHeader.Lines().At(0)
			}
		} else {
			endLine = findNextHeaderBoundary(doc, headerNode, headerNode.(*ast.Heading).Level)
		}

		content := extractContent(source, startLine, endLine)
		if content != "" {
			*sections = append(*sections, section{
				headerPath: formatHeaderPath(currentPath),
				content:    content,
			})
		}

		if len(item.Items) > 0 {
			s.extractSections(doc, source, item.Items, currentPath, sections)
		}
	}
}

// window slices section content into chunkSize-rune windows with the
// configured overlap. Window ends prefer a paragraph break, then a sentence
// end, inside the last portion of the window before falling back to a hard
// cut.
func (s *Splitter) window(content string) []string {
	runes := []rune(content)
	if len(runes) <= s.chunkSize {
		return []string{content}
	}

	overlapRunes := int(float64(s.chunkSize) * s.overlap)
	var windows []string

	start := 0
	for start < len(runes) {
		end := start + s.chunkSize
		if end >= len(runes) {
			windows = append(windows, strings.TrimSpace(string(runes[start:])))
			break
		}

		// Search the last third of the window for a natural boundary.
		searchFrom := start + (s.chunkSize*2)/3
		cut := findBoundary(runes, searchFrom, end)

		windows = append(windows, strings.TrimSpace(string(runes[start:cut])))

		next := cut - overlapRunes
		if next <= start {
			next = cut // guarantee forward progress
		}
		start = next
	}

	// Trimming can leave empty windows on pathological whitespace runs.
	out := windows[:0]
	for _, w := range windows {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// findBoundary returns the cut position within (from, to], preferring the
// last paragraph break, then the last sentence end, then the hard limit.
func findBoundary(runes []rune, from, to int) int {
	span := string(runes[from:to])

	if idx := strings.LastIndex(span, "\n\n"); idx >= 0 {
		return from + len([]rune(span[:idx])) + 2
	}

	best := -1
	for _, mark := range []string{". ", ".\n", "! ", "? ", "。", "！", "？"} {
		if idx := strings.LastIndex(span, mark); idx > best {
			best = idx + len(mark)
		}
	}
	if best > 0 {
		return from + len([]rune(span[:best]))
	}

	return to
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Policy", "MFA"] -> "# Policy > ## MFA"
func formatHeaderPath(path []string) string {
	if len(path) == 0 {
		return ""
	}

	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", i+1), segment)
	}
	return strings.Join(parts, " > ")
}

// findHeaderByID locates a heading node by its auto-generated ID.
func findHeaderByID(node ast.Node, id string) ast.Node {
	var found ast.Node
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			heading := n.(*ast.Heading)
			headingID, ok := heading.AttributeString("id")
			if ok && string(headingID.([]byte)) == id {
				found = n
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// findNextHeaderBoundary finds the next heading at the same or higher level
// after the given node.
func findNextHeaderBoundary(root ast.Node, current ast.Node, currentLevel int) text.Segment {
	var nextHeader ast.Node
	foundCurrent := false

	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		if n.Kind() == ast.KindHeading {
			heading := n.(*ast.Heading)

			if !foundCurrent {
				if n == current {
					foundCurrent = true
				}
				return ast.WalkContinue, nil
			}

			if heading.Level <= currentLevel {
				nextHeader = n
				return ast.WalkStop, nil
			}
		}

		return ast.WalkContinue, nil
	})

	if nextHeader != nil {
		return nextHeader.Lines().At(0)
	}

	// No next header, extract to EOF.
	return text.Segment{}
}

// extractContent extracts text between start and end line segments.
func extractContent(source []byte, start, end text.Segment) string {
	if end.Start == 0 && end.Stop == 0 {
		return strings.TrimSpace(string(source[start.Start:]))
	}
	return strings.TrimSpace(string(source[start.Start:end.Start]))
}
