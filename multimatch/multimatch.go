// Package multimatch groups the line matches of a file into chunks of
// contiguous, highlighted lines.
package multimatch

import (
	"bytes"
	"sort"

	"github.com/alecthomas/chroma/v2"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
)

const (
	// MaxChunks is the ceiling on chunks returned per file.
	MaxChunks = 50

	// threshold is the largest line gap between two matches that still
	// share a chunk.
	threshold = 2
)

// Extractor is safe for concurrent use.
type Extractor struct {
	maxChunks int
}

// New returns an Extractor emitting at most maxChunks chunks per file,
// clamped to [0, MaxChunks].
func New(maxChunks int) *Extractor {
	if maxChunks < 0 {
		maxChunks = 0
	}
	if maxChunks > MaxChunks {
		maxChunks = MaxChunks
	}
	return &Extractor{maxChunks: maxChunks}
}

// MaxChunks returns the per file chunk cap.
func (e *Extractor) MaxChunks() int {
	return e.maxChunks
}

// ChunksForFile returns the chunks of fm and the number of matches they
// hold. Line matches must be sorted by line number.
func (e *Extractor) ChunksForFile(fm *dispatch.FileMatch) ([]dispatch.Chunk, int) {
	if e.maxChunks == 0 || len(fm.LineMatches) == 0 {
		return nil, 0
	}

	lexer := lexerFor(fm.FileName, fm.Language)

	var (
		chunks  []dispatch.Chunk
		cur     *chunk
		limited int
	)
	for i := range fm.LineMatches {
		m := &fm.LineMatches[i]
		if cur == nil {
			if len(chunks) >= e.maxChunks {
				break
			}
			cur = newChunk()
		}

		cur.addBefore(lexer, m)
		cur.addMatch(lexer, m)
		cur.addAfter(lexer, m)
		limited++

		if i+1 == len(fm.LineMatches) || fm.LineMatches[i+1].LineNumber-m.LineNumber > threshold {
			chunks = append(chunks, cur.build())
			cur = nil
		}
	}
	return chunks, limited
}

type chunk struct {
	lines   map[int]dispatch.ChunkLine
	matches int
}

func newChunk() *chunk {
	return &chunk{lines: map[int]dispatch.ChunkLine{}}
}

// addContext sets line n unless a line is already present.
func (c *chunk) addContext(lexer chroma.Lexer, n int, text []byte) {
	if _, ok := c.lines[n]; ok {
		return
	}
	s := string(text)
	c.lines[n] = dispatch.ChunkLine{Number: n, Text: s, RichText: highlight(lexer, s, nil)}
}

// addBefore adds the lines preceding m, nearest first.
func (c *chunk) addBefore(lexer chroma.Lexer, m *dispatch.LineMatch) {
	if m.LineNumber <= 1 || len(m.Before) == 0 {
		return
	}
	lines := contextLines(m.Before)
	n := m.LineNumber
	for i := len(lines) - 1; i >= 0; i-- {
		n--
		if n < 1 {
			break
		}
		c.addContext(lexer, n, lines[i])
	}
}

func (c *chunk) addAfter(lexer chroma.Lexer, m *dispatch.LineMatch) {
	if len(m.After) == 0 {
		return
	}
	for i, l := range contextLines(m.After) {
		c.addContext(lexer, m.LineNumber+1+i, l)
	}
}

// addMatch sets the match line, replacing context added for it earlier.
func (c *chunk) addMatch(lexer chroma.Lexer, m *dispatch.LineMatch) {
	s := string(bytes.TrimSuffix(m.Line, []byte("\n")))
	fs := make([]fragment, len(m.LineFragments))
	for i, f := range m.LineFragments {
		fs[i] = fragment{offset: f.LineOffset, length: f.MatchLength}
	}
	c.lines[m.LineNumber] = dispatch.ChunkLine{Number: m.LineNumber, Text: s, RichText: highlight(lexer, s, fs)}
	c.matches++
}

func (c *chunk) build() dispatch.Chunk {
	lines := make([]dispatch.ChunkLine, 0, len(c.lines))
	for _, l := range c.lines {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Number < lines[j].Number })
	return dispatch.Chunk{Lines: lines, MatchCountInChunk: c.matches}
}

// contextLines splits context bytes into lines. A trailing newline does not
// start another line.
func contextLines(b []byte) [][]byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.Split(b, []byte("\n"))
}
