package multimatch

import (
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
)

// Private use runes delimiting matches while the line is tokenised.
const (
	matchStart = '\ue000'
	matchEnd   = '\ue001'
	markers    = string(matchStart) + string(matchEnd)
)

// lexerFor returns the lexer for a file, falling back to plain text.
func lexerFor(filename, language string) chroma.Lexer {
	l := lexers.Match(filename)
	if l == nil && language != "" {
		l = lexers.Get(language)
	}
	if l == nil {
		l = lexers.Fallback
	}
	return chroma.Coalesce(l)
}

// markFragments wraps every fragment of line in match markers. Fragments
// are clamped to the line, widened to whole runes and trimmed where they
// overlap.
func markFragments(line string, fragments []fragment) string {
	if len(fragments) == 0 {
		return line
	}
	fs := make([]fragment, 0, len(fragments))
	for _, f := range fragments {
		start, end := f.offset, f.offset+f.length
		if start < 0 {
			start = 0
		}
		if end > len(line) {
			end = len(line)
		}
		// Offsets are in bytes; never split a rune.
		for start > 0 && start < len(line) && !utf8.RuneStart(line[start]) {
			start--
		}
		for end < len(line) && !utf8.RuneStart(line[end]) {
			end++
		}
		if start >= end {
			continue
		}
		fs = append(fs, fragment{offset: start, length: end - start})
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].offset < fs[j].offset })

	var sb strings.Builder
	sb.Grow(len(line) + 6*len(fs))
	pos := 0
	for _, f := range fs {
		start, end := f.offset, f.offset+f.length
		if start < pos {
			start = pos
		}
		if start >= end {
			continue
		}
		sb.WriteString(line[pos:start])
		sb.WriteRune(matchStart)
		sb.WriteString(line[start:end])
		sb.WriteRune(matchEnd)
		pos = end
	}
	sb.WriteString(line[pos:])
	return sb.String()
}

type fragment struct {
	offset, length int
}

// highlight renders line as HTML using chroma's short class names. Match
// markers become <b> and </b>, placed between token spans so the two kinds
// of markup never interleave.
func highlight(lexer chroma.Lexer, line string, fragments []fragment) string {
	marked := markFragments(line, fragments)

	it, err := lexer.Tokenise(nil, marked)
	if err != nil {
		return html.EscapeString(line)
	}
	tokens := it.Tokens()
	if !strings.HasSuffix(marked, "\n") {
		tokens = trimNewline(tokens)
	}

	var sb strings.Builder
	for _, tok := range tokens {
		class := cssClass(tok.Type)
		value := tok.Value
		for value != "" {
			i := strings.IndexAny(value, markers)
			if i < 0 {
				writeSpan(&sb, class, value)
				break
			}
			writeSpan(&sb, class, value[:i])
			r, size := utf8.DecodeRuneInString(value[i:])
			if r == matchStart {
				sb.WriteString("<b>")
			} else {
				sb.WriteString("</b>")
			}
			value = value[i+size:]
		}
	}
	return sb.String()
}

func writeSpan(sb *strings.Builder, class, text string) {
	if text == "" {
		return
	}
	if class == "" {
		sb.WriteString(html.EscapeString(text))
		return
	}
	sb.WriteString(`<span class="`)
	sb.WriteString(class)
	sb.WriteString(`">`)
	sb.WriteString(html.EscapeString(text))
	sb.WriteString(`</span>`)
}

func cssClass(t chroma.TokenType) string {
	for _, tt := range []chroma.TokenType{t, t.SubCategory(), t.Category()} {
		if c, ok := chroma.StandardTypes[tt]; ok {
			return c
		}
	}
	return ""
}

// trimNewline drops the newline lexers append to unterminated input.
func trimNewline(tokens []chroma.Token) []chroma.Token {
	if len(tokens) == 0 {
		return tokens
	}
	last := &tokens[len(tokens)-1]
	last.Value = strings.TrimSuffix(last.Value, "\n")
	if last.Value == "" {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}
