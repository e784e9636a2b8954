// Package cte locates common table expressions in raw SQL text.
//
// The scanner does not parse SQL. It tracks parenthesis depth and
// string-literal state, which is enough to find every WITH clause, the
// name of each CTE it defines and the span of each CTE body, regardless of
// dialect. Malformed input never produces an error; it only produces fewer
// descriptors.
package cte

import (
	"regexp"
	"strings"
)

// Span is a half-open byte offset range [Start, End) into the scanned text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Text returns the part of text covered by the span.
func (s Span) Text(text string) string {
	return text[s.Start:s.End]
}

// Descriptor describes one CTE found in a WITH clause.
type Descriptor struct {
	Name            string `json:"name"`              // identifier as written, qualifiers included
	Columns         string `json:"columns,omitempty"` // explicit column list as written, e.g. "(a, b)"
	NameSpan        Span   `json:"name_span"`
	BodySpan        Span   `json:"body_span"` // excludes the enclosing parentheses
	Index           int    `json:"index"`     // position within the owning WITH clause
	WithClauseStart int    `json:"with_clause_start"`
}

// ClauseStatus reports how the terminator scan of a WITH clause ended.
type ClauseStatus string

const (
	// ClauseOK means a top-level SELECT closed the CTE list.
	ClauseOK ClauseStatus = "ok"
	// ClauseUnterminated means the text ended before a top-level SELECT.
	ClauseUnterminated ClauseStatus = "unterminated"
	// ClauseNestedWith means a second top-level WITH was found before the
	// SELECT. The clause contributes no descriptors.
	ClauseNestedWith ClauseStatus = "nested_with"
)

// Clause records one WITH clause seen during a scan.
type Clause struct {
	Start        int          `json:"start"`         // offset of the WITH keyword
	ContentStart int          `json:"content_start"` // first offset after WITH and its whitespace
	End          int          `json:"end"`           // exclusive end of the CTE list
	Status       ClauseStatus `json:"status"`
	CTECount     int          `json:"cte_count"`
}

// Result is the full outcome of a scan.
type Result struct {
	CTEs    []Descriptor `json:"ctes"`
	Clauses []Clause     `json:"clauses"`
}

// identPattern matches one name segment: bare, "double quoted",
// `backtick quoted` or [bracket quoted].
const identPattern = `(?:[a-zA-Z_][a-zA-Z0-9_]*|"[^"]+"|` + "`[^`]+`" + `|\[[^\]]+\])`

var (
	withPattern = regexp.MustCompile(`(?i)\bwith\s+`)
	ctePattern  = regexp.MustCompile(`(?i)(` + identPattern + `(?:\.` + identPattern + `)*)(\s*\([^)]*\))?\s+as\s*\(`)
)

// Scan returns the CTE descriptors of text in source order.
func Scan(text string) []Descriptor {
	return Analyze(text).CTEs
}

// Analyze scans text and returns descriptors together with the clauses
// that produced them.
func Analyze(text string) Result {
	var res Result
	for _, m := range withPattern.FindAllStringIndex(text, -1) {
		clause := Clause{Start: m[0], ContentStart: m[1]}
		clause.End, clause.Status = findClauseEnd(text, m[1])

		if clause.Status != ClauseNestedWith {
			ctes := enumerate(text, m[0], m[1], clause.End)
			clause.CTECount = len(ctes)
			res.CTEs = append(res.CTEs, ctes...)
		}
		res.Clauses = append(res.Clauses, clause)
	}
	return res
}

// cursor is the scan state shared by the clause terminator and the body
// matcher, so both see string literals the same way.
type cursor struct {
	text     string
	pos      int
	depth    int
	inString bool
	quote    byte
}

// next feeds the byte at the cursor to the literal tracker. It returns the
// byte and whether it sits outside a string literal. An escaped quote moves
// the cursor onto the second quote; the caller still advances by one.
func (c *cursor) next() (byte, bool) {
	ch := c.text[c.pos]
	c.pos, c.inString, c.quote = trackLiteral(c.text, c.pos, c.inString, c.quote)
	return ch, !c.inString
}

// trackLiteral advances string-literal state by one position. Single and
// double quotes open literals; a literal only closes on its opening quote,
// and a doubled quote inside it is an escape that consumes one extra byte.
func trackLiteral(text string, pos int, inString bool, quote byte) (int, bool, byte) {
	ch := text[pos]
	if !inString {
		if ch == '\'' || ch == '"' {
			return pos, true, ch
		}
		return pos, false, 0
	}
	if ch != quote {
		return pos, true, quote
	}
	if pos+1 < len(text) && text[pos+1] == quote {
		return pos + 1, true, quote
	}
	return pos, false, 0
}

// findClauseEnd scans from the start of a clause's content to the
// top-level SELECT that ends its CTE list.
func findClauseEnd(text string, from int) (int, ClauseStatus) {
	c := cursor{text: text, pos: from}
	for c.pos < len(text) {
		ch, code := c.next()
		if code {
			switch {
			case ch == '(':
				c.depth++
			case ch == ')':
				c.depth--
			case c.depth == 0:
				if keywordAt(text, c.pos, "with") {
					return c.pos, ClauseNestedWith
				}
				if keywordAt(text, c.pos, "select") {
					return c.pos, ClauseOK
				}
			}
		}
		c.pos++
	}
	return len(text), ClauseUnterminated
}

// enumerate finds each "<name> AS (" definition in text[from:to] and
// resolves its body. CTEs whose body never closes are dropped and do not
// consume an index.
func enumerate(text string, withStart, from, to int) []Descriptor {
	content := text[from:to]

	var out []Descriptor
	for _, m := range ctePattern.FindAllStringSubmatchIndex(content, -1) {
		open := m[1] - 1
		closing := matchingParen(content, open)
		if closing < 0 {
			continue
		}

		d := Descriptor{
			Name:            content[m[2]:m[3]],
			NameSpan:        Span{Start: from + m[2], End: from + m[3]},
			BodySpan:        Span{Start: from + open + 1, End: from + closing},
			Index:           len(out),
			WithClauseStart: withStart,
		}
		if m[4] >= 0 {
			d.Columns = strings.TrimSpace(content[m[4]:m[5]])
		}
		out = append(out, d)
	}
	return out
}

// matchingParen returns the offset of the parenthesis closing the one at
// open, or -1 when text ends first.
func matchingParen(text string, open int) int {
	c := cursor{text: text, pos: open + 1, depth: 1}
	for c.pos < len(text) && c.depth > 0 {
		ch, code := c.next()
		if code {
			switch ch {
			case '(':
				c.depth++
			case ')':
				c.depth--
			}
		}
		c.pos++
	}
	if c.depth == 0 {
		return c.pos - 1
	}
	return -1
}

// keywordAt reports whether kw starts at pos as a whole word, ignoring case.
func keywordAt(text string, pos int, kw string) bool {
	end := pos + len(kw)
	if end > len(text) || !strings.EqualFold(text[pos:end], kw) {
		return false
	}
	if pos > 0 && isIdentByte(text[pos-1]) {
		return false
	}
	return end == len(text) || !isIdentByte(text[end])
}

func isIdentByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}
