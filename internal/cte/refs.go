package cte

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPositionOutOfRange is returned when a descriptor position does not
// exist in the descriptor list.
var ErrPositionOutOfRange = errors.New("cte position out of range")

// References returns, for every descriptor, the list positions of the
// descriptors of the same WITH clause that its body refers to. A descriptor
// referring to itself is recursive.
func References(text string, ds []Descriptor) [][]int {
	keys := make([]string, len(ds))
	for i, d := range ds {
		keys[i] = NormalizeName(d.Name)
	}

	refs := make([][]int, len(ds))
	for i, d := range ds {
		seen := identifierChains(d.BodySpan.Text(text))
		for j, other := range ds {
			if other.WithClauseStart != d.WithClauseStart {
				continue
			}
			if seen[keys[j]] {
				refs[i] = append(refs[i], j)
			}
		}
	}
	return refs
}

// Recursive reports whether the descriptor at pos refers to itself.
func Recursive(refs [][]int, pos int) bool {
	for _, j := range refs[pos] {
		if j == pos {
			return true
		}
	}
	return false
}

// Dependencies returns the positions of every descriptor the one at pos
// depends on, directly or transitively, in source order. pos itself is
// not included.
func Dependencies(refs [][]int, pos int) []int {
	visited := map[int]bool{pos: true}
	stack := []int{pos}
	var deps []int
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, j := range refs[cur] {
			if visited[j] {
				continue
			}
			visited[j] = true
			deps = append(deps, j)
			stack = append(stack, j)
		}
	}
	sort.Ints(deps)
	return deps
}

// Find returns the list position of the first descriptor named name, or -1.
// Names are compared after normalization, so `Orders` finds orders.
func Find(ds []Descriptor, name string) int {
	key := NormalizeName(name)
	for i, d := range ds {
		if NormalizeName(d.Name) == key {
			return i
		}
	}
	return -1
}

// QueryFor builds a runnable statement for the descriptor at list position
// pos: a WITH clause holding the CTEs it depends on plus itself, followed by
// SELECT * FROM the CTE.
func QueryFor(text string, ds []Descriptor, pos int) (string, error) {
	if pos < 0 || pos >= len(ds) {
		return "", fmt.Errorf("%w: %d of %d", ErrPositionOutOfRange, pos, len(ds))
	}
	refs := References(text, ds)
	members := append(Dependencies(refs, pos), pos)
	sort.Ints(members)

	var sb strings.Builder
	sb.WriteString("WITH ")
	if recursiveClause(text, ds[pos].WithClauseStart) {
		sb.WriteString("RECURSIVE ")
	}
	for i, j := range members {
		if i > 0 {
			sb.WriteString(",\n")
		}
		d := ds[j]
		sb.WriteString(d.Name)
		if d.Columns != "" {
			sb.WriteString(" ")
			sb.WriteString(d.Columns)
		}
		sb.WriteString(" AS (")
		sb.WriteString(d.BodySpan.Text(text))
		sb.WriteString(")")
	}
	sb.WriteString("\nSELECT * FROM ")
	sb.WriteString(ds[pos].Name)
	return sb.String(), nil
}

// SelectReferences returns the list positions of the descriptors of clause c
// that the statement after its CTE list refers to. That statement ends at the
// first top-level semicolon or at the parenthesis closing an enclosing body.
// Clauses that did not end on a SELECT have no such statement.
func SelectReferences(text string, ds []Descriptor, c Clause) []int {
	if c.Status != ClauseOK {
		return nil
	}
	seen := identifierChains(text[c.End:statementEnd(text, c.End)])
	var out []int
	for i, d := range ds {
		if d.WithClauseStart == c.Start && seen[NormalizeName(d.Name)] {
			out = append(out, i)
		}
	}
	return out
}

func statementEnd(text string, from int) int {
	c := cursor{text: text, pos: from}
	for c.pos < len(text) {
		ch, code := c.next()
		if code {
			switch ch {
			case '(':
				c.depth++
			case ')':
				c.depth--
				if c.depth < 0 {
					return c.pos
				}
			case ';':
				if c.depth == 0 {
					return c.pos
				}
			}
		}
		c.pos++
	}
	return len(text)
}

// recursiveClause reports whether the WITH keyword at withStart is followed
// by RECURSIVE.
func recursiveClause(text string, withStart int) bool {
	pos := withStart + len("with")
	for pos < len(text) && isSpace(text[pos]) {
		pos++
	}
	return keywordAt(text, pos, "recursive")
}

// NormalizeName returns the comparison key of a possibly qualified name.
// Bare segments are lowercased; quoted segments keep their content as is.
func NormalizeName(name string) string {
	segs := splitSegments(name, 0)
	return strings.Join(segs.keys, ".")
}

// identifierChains collects the comparison keys of every identifier chain
// in body outside of string literals. A chain a.b.c contributes a, a.b and
// a.b.c.
func identifierChains(body string) map[string]bool {
	seen := make(map[string]bool)
	c := cursor{text: body}
	for c.pos < len(body) {
		ch := body[c.pos]
		switch {
		case ch == '\'':
			c.next()
			c.pos++
			for c.pos < len(body) && c.inString {
				c.next()
				c.pos++
			}
		case ch == '"' || ch == '`' || ch == '[' || isIdentStart(ch):
			chain := splitSegments(body, c.pos)
			for i := range chain.keys {
				seen[strings.Join(chain.keys[:i+1], ".")] = true
			}
			c.pos = chain.end
		case isIdentByte(ch):
			// digits that do not start an identifier, e.g. 1e10
			for c.pos < len(body) && isIdentByte(body[c.pos]) {
				c.pos++
			}
		default:
			c.pos++
		}
	}
	return seen
}

type segments struct {
	keys []string
	end  int
}

// splitSegments reads a dotted identifier chain starting at pos.
func splitSegments(s string, pos int) segments {
	var out segments
	for pos < len(s) {
		key, next, ok := readSegment(s, pos)
		if !ok {
			break
		}
		out.keys = append(out.keys, key)
		pos = next
		if pos+1 < len(s) && s[pos] == '.' {
			if _, _, more := readSegment(s, pos+1); more {
				pos++
				continue
			}
		}
		break
	}
	out.end = pos
	if len(out.keys) == 0 && pos < len(s) {
		out.end = pos + 1
	}
	return out
}

// readSegment reads one name segment at pos.
func readSegment(s string, pos int) (string, int, bool) {
	if pos >= len(s) {
		return "", pos, false
	}
	var closer byte
	switch s[pos] {
	case '"':
		closer = '"'
	case '`':
		closer = '`'
	case '[':
		closer = ']'
	default:
		if !isIdentStart(s[pos]) {
			return "", pos, false
		}
		end := pos + 1
		for end < len(s) && isIdentByte(s[end]) {
			end++
		}
		return strings.ToLower(s[pos:end]), end, true
	}

	var sb strings.Builder
	for i := pos + 1; i < len(s); i++ {
		if s[i] != closer {
			sb.WriteByte(s[i])
			continue
		}
		if closer == '"' && i+1 < len(s) && s[i+1] == '"' {
			sb.WriteByte('"')
			i++
			continue
		}
		return sb.String(), i + 1, true
	}
	return "", pos, false
}

func isIdentStart(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}
