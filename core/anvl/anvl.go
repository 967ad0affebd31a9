// Package anvl parses the legacy ANVL ("A Name Value Language") registry
// format used by the NAAN registry files. ANVL is line oriented: `label:
// value` pairs, `|`-delimited multi-values, `%XX` percent-escapes,
// whitespace-indented continuation lines, `#` comment lines, and blank-line
// separated blocks.
package anvl

import (
	"iter"
	"log/slog"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/CDLUC3/naanreg/core/errors"
)

// anvlLexer defines tokens for ANVL registry files using line-based patterns.
// Order matters: more specific patterns must come first.
var anvlLexer = lexer.MustSimple([]lexer.SimpleRule{
	// Comment lines (full line starting with #)
	{Name: "Comment", Pattern: `#[^\r\n]*`},
	// Continuation lines start with whitespace and extend the previous value
	{Name: "Continuation", Pattern: `[ \t][^\r\n]*`},
	// Label starting with a colon; always an empty-label error
	{Name: "NoLabel", Pattern: `:[^\r\n]*`},
	// Pair line: label, first colon, value
	{Name: "Pair", Pattern: `[^ \t\r\n:][^:\r\n]*:[^\r\n]*`},
	// Any other non-empty line; always a no-colon error
	{Name: "Bare", Pattern: `[^\r\n]+`},
	// Line terminators, one token per newline so blank lines are visible
	{Name: "EOL", Pattern: `\r\n|\r|\n`},
})

var (
	symComment      = anvlLexer.Symbols()["Comment"]
	symContinuation = anvlLexer.Symbols()["Continuation"]
	symNoLabel      = anvlLexer.Symbols()["NoLabel"]
	symPair         = anvlLexer.Symbols()["Pair"]
	symBare         = anvlLexer.Symbols()["Bare"]
	symEOL          = anvlLexer.Symbols()["EOL"]
)

// lineKind classifies one source line of a block.
type lineKind int

const (
	linePair lineKind = iota
	lineContinuation
	lineNoColon
	lineBlank
)

// line is one classified source line with its 1-based position.
type line struct {
	kind lineKind
	text string
	num  int
}

// Parser converts raw ANVL text into Blocks.
type Parser struct {
	log *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger used for parse diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(p *Parser) {
		p.log = log
	}
}

// NewParser creates an ANVL parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// lexLines tokenizes text and classifies each line. Comment lines are
// discarded here, before any grouping, matching the registry convention that
// a whole line starting with # carries no content.
func lexLines(text string) ([]line, error) {
	lx, err := anvlLexer.Lex("", strings.NewReader(text))
	if err != nil {
		return nil, errors.NewParse(0, err.Error())
	}
	toks, err := lexer.ConsumeAll(lx)
	if err != nil {
		return nil, errors.NewParse(0, err.Error())
	}

	var lines []line
	sawContent := false
	for _, tok := range toks {
		if tok.EOF() {
			break
		}
		switch tok.Type {
		case symComment:
			sawContent = true
		case symEOL:
			if !sawContent {
				lines = append(lines, line{kind: lineBlank, num: tok.Pos.Line})
			}
			sawContent = false
		case symContinuation:
			sawContent = true
			lines = append(lines, line{kind: lineContinuation, text: tok.Value, num: tok.Pos.Line})
		case symPair, symNoLabel:
			sawContent = true
			lines = append(lines, line{kind: linePair, text: tok.Value, num: tok.Pos.Line})
		case symBare:
			sawContent = true
			lines = append(lines, line{kind: lineNoColon, text: tok.Value, num: tok.Pos.Line})
		}
	}
	return lines, nil
}

// Blocks returns the blank-line delimited blocks of text in order. Each
// malformed block is reported as an error in sequence position so the caller
// can skip it and continue, or abort the iteration.
func (p *Parser) Blocks(text string) iter.Seq2[*Block, error] {
	return func(yield func(*Block, error) bool) {
		lines, err := lexLines(text)
		if err != nil {
			yield(nil, err)
			return
		}

		var cur []line
		flush := func() bool {
			if len(cur) == 0 {
				return true
			}
			blk, err := parseLines(cur)
			cur = nil
			if err != nil {
				p.log.Debug("malformed block", "error", err)
				return yield(nil, err)
			}
			if blk.Len() == 0 {
				// Nothing but whitespace-only lines; not a record.
				return true
			}
			return yield(blk, nil)
		}

		for _, ln := range lines {
			if ln.kind == lineBlank {
				if !flush() {
					return
				}
				continue
			}
			cur = append(cur, ln)
		}
		flush()
	}
}

// ParseBlock parses a single block of ANVL text into a Block. Unlike Blocks,
// blank lines do not split the input; they only reset the continuation
// label, matching the historical single-block parser.
func (p *Parser) ParseBlock(text string) (*Block, error) {
	lines, err := lexLines(text)
	if err != nil {
		return nil, err
	}
	return parseLines(lines)
}

// parseLines builds an ordered Block from classified lines, applying
// percent-decoding, pipe splitting, repeat-label promotion, and the
// first-label shape rewind.
func parseLines(lines []line) (*Block, error) {
	b := newBlock()
	haveLabel := false
	var label string

	for _, ln := range lines {
		switch ln.kind {
		case lineBlank:
			haveLabel = false

		case lineContinuation:
			if strings.TrimSpace(ln.text) == "" {
				// Whitespace-only line: resets the continuation label.
				haveLabel = false
				continue
			}
			if !haveLabel {
				return nil, errors.NewParse(ln.num, "no previous label for continuation line")
			}
			decoded, err := percentDecode(ln.text)
			if err != nil {
				return nil, errors.NewParse(ln.num, "percent-decode error")
			}
			cont := strings.TrimSpace(decoded)
			if cont == "" {
				continue
			}
			b.extend(label, cont)

		case lineNoColon:
			return nil, errors.NewParse(ln.num, "no colon in line")

		case linePair:
			idx := strings.Index(ln.text, ":")
			rawLabel, rawValue := ln.text[:idx], ln.text[idx+1:]
			decodedLabel, err := percentDecode(rawLabel)
			if err != nil {
				return nil, errors.NewParse(ln.num, "percent-decode error")
			}
			decodedValue, err := percentDecode(rawValue)
			if err != nil {
				return nil, errors.NewParse(ln.num, "percent-decode error")
			}
			label = strings.TrimSpace(decodedLabel)
			if label == "" {
				return nil, errors.NewParse(ln.num, "empty label")
			}
			haveLabel = true
			b.add(label, parseValue(strings.TrimSpace(decodedValue)))
		}
	}

	return b.rewind(), nil
}

// parseValue splits a raw value on the `|` multi-value separator. A value
// with no pipe stays a scalar.
func parseValue(v string) Value {
	if !strings.Contains(v, "|") {
		return Value{parts: []string{v}}
	}
	raw := strings.Split(v, "|")
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = strings.TrimSpace(p)
	}
	return Value{parts: parts, list: true}
}

// percentDecode replaces %XX escapes with the corresponding code point. A
// bare % not followed by exactly two hex digits is an error.
func percentDecode(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+3 <= len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]) {
			b.WriteRune(rune(hexValue(s[i+1])<<4 | hexValue(s[i+2])))
			i += 3
			continue
		}
		return "", errors.NewParse(0, "percent-decode error")
	}
	return b.String(), nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}
