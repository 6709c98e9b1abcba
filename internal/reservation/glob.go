// Package reservation grants advisory path leases. Patterns use the
// doublestar dialect: "**" spans any number of path segments, "*" and
// "?" match within a segment, and "[...]" classes work as in shell
// globs. Conflict detection asks whether two patterns can match a
// common path, which is a product construction over both automata
// rather than a match of one string against one pattern.
package reservation

import (
	"fmt"
	"strings"

	"github.com/hexframe/swarmmail/internal/swarmerr"
)

type tokenKind int

const (
	tokenLit tokenKind = iota
	tokenAny           // ?
	tokenStar          // *
	tokenClass         // [...]
)

type segToken struct {
	kind    tokenKind
	r       rune
	set     map[rune]bool
	negated bool
}

// segment is one path component: either the any-depth wildcard or a
// token sequence.
type segment struct {
	anyDepth bool
	tokens   []segToken
}

// Pattern is a compiled reservation pattern.
type Pattern struct {
	source   string
	segments []segment
}

func (p Pattern) String() string { return p.source }

// Compile parses a pattern. Paths are compiled the same way; a path
// with no metacharacters is just a fully literal pattern.
func Compile(pattern string) (Pattern, error) {
	normalized := strings.TrimSuffix(strings.TrimPrefix(strings.ReplaceAll(pattern, "\\", "/"), "./"), "/")
	if normalized == "" {
		return Pattern{}, &swarmerr.ValidationError{Op: "reservation.compile", Msg: "empty path pattern"}
	}

	var segments []segment
	for _, part := range strings.Split(normalized, "/") {
		if part == "" {
			continue
		}
		if part == "**" {
			segments = append(segments, segment{anyDepth: true})
			continue
		}
		tokens, err := parseSegment(part)
		if err != nil {
			return Pattern{}, &swarmerr.ValidationError{
				Op: "reservation.compile", Msg: fmt.Sprintf("bad pattern %q: %v", pattern, err),
			}
		}
		segments = append(segments, segment{tokens: tokens})
	}
	return Pattern{source: pattern, segments: segments}, nil
}

func parseSegment(seg string) ([]segToken, error) {
	var tokens []segToken
	runes := []rune(seg)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			// Consecutive stars within a segment collapse.
			if len(tokens) == 0 || tokens[len(tokens)-1].kind != tokenStar {
				tokens = append(tokens, segToken{kind: tokenStar})
			}
		case '?':
			tokens = append(tokens, segToken{kind: tokenAny})
		case '[':
			set := make(map[rune]bool)
			negated := false
			j := i + 1
			if j < len(runes) && (runes[j] == '!' || runes[j] == '^') {
				negated = true
				j++
			}
			closed := false
			for ; j < len(runes); j++ {
				if runes[j] == ']' && len(set) > 0 {
					closed = true
					break
				}
				if j+2 < len(runes) && runes[j+1] == '-' && runes[j+2] != ']' {
					for r := runes[j]; r <= runes[j+2]; r++ {
						set[r] = true
					}
					j += 2
					continue
				}
				set[runes[j]] = true
			}
			if !closed {
				return nil, fmt.Errorf("unterminated character class")
			}
			tokens = append(tokens, segToken{kind: tokenClass, set: set, negated: negated})
			i = j
		default:
			tokens = append(tokens, segToken{kind: tokenLit, r: runes[i]})
		}
	}
	return tokens, nil
}

// Intersects reports whether the two patterns can match a common path.
func Intersects(a, b string) (bool, error) {
	pa, err := Compile(a)
	if err != nil {
		return false, err
	}
	pb, err := Compile(b)
	if err != nil {
		return false, err
	}
	return pa.Intersects(pb), nil
}

// Match reports whether the pattern covers a concrete path. The path is
// compiled literally, so matching reduces to intersection.
func Match(pattern, path string) (bool, error) {
	p, err := Compile(pattern)
	if err != nil {
		return false, err
	}
	lit := literalPattern(path)
	if len(lit.segments) == 0 {
		return false, nil
	}
	return p.Intersects(lit), nil
}

func literalPattern(path string) Pattern {
	normalized := strings.TrimSuffix(strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "./"), "/")
	var segments []segment
	for _, part := range strings.Split(normalized, "/") {
		if part == "" {
			continue
		}
		tokens := make([]segToken, 0, len(part))
		for _, r := range part {
			tokens = append(tokens, segToken{kind: tokenLit, r: r})
		}
		segments = append(segments, segment{tokens: tokens})
	}
	return Pattern{source: path, segments: segments}
}

// Intersects runs the product construction over path segments. Every
// recursive step advances i or j, so plain memoization suffices.
func (p Pattern) Intersects(other Pattern) bool {
	memo := make(map[[2]int]bool)
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}

		var result bool
		switch {
		case i == len(p.segments) && j == len(other.segments):
			result = true
		case i < len(p.segments) && p.segments[i].anyDepth:
			// ** matches zero segments, or absorbs one of the other
			// side's segments and stays.
			result = walk(i+1, j) || (j < len(other.segments) && walk(i, j+1))
		case j < len(other.segments) && other.segments[j].anyDepth:
			result = walk(i, j+1) || (i < len(p.segments) && walk(i+1, j))
		case i == len(p.segments) || j == len(other.segments):
			result = false
		default:
			result = tokensIntersect(p.segments[i].tokens, other.segments[j].tokens) &&
				walk(i+1, j+1)
		}
		memo[key] = result
		return result
	}
	return walk(0, 0)
}

// tokensIntersect decides whether two single-segment patterns share a
// matching string.
func tokensIntersect(x, y []segToken) bool {
	memo := make(map[[2]int]bool)
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}

		var result bool
		switch {
		case i == len(x) && j == len(y):
			result = true
		case i < len(x) && x[i].kind == tokenStar:
			// Empty match, or the star absorbs one character the other
			// side's next token accounts for.
			result = walk(i+1, j) ||
				(j < len(y) && satisfiable(y[j]) && walk(i, j+1))
		case j < len(y) && y[j].kind == tokenStar:
			result = walk(i, j+1) ||
				(i < len(x) && satisfiable(x[i]) && walk(i+1, j))
		case i == len(x) || j == len(y):
			result = false
		default:
			result = compatible(x[i], y[j]) && walk(i+1, j+1)
		}
		memo[key] = result
		return result
	}
	return walk(0, 0)
}

// satisfiable reports whether a token can match at least one character.
func satisfiable(t segToken) bool {
	if t.kind == tokenClass && !t.negated {
		return len(t.set) > 0
	}
	return true
}

// compatible reports whether two single-character tokens can agree on a
// character. Negated-vs-negated classes always can: the alphabet is far
// larger than any finite exclusion set.
func compatible(a, b segToken) bool {
	if a.kind == tokenStar || b.kind == tokenStar {
		return true
	}
	if a.kind == tokenAny {
		return satisfiable(b)
	}
	if b.kind == tokenAny {
		return satisfiable(a)
	}
	if a.kind == tokenLit && b.kind == tokenLit {
		return a.r == b.r
	}
	if a.kind == tokenLit {
		return classMatches(b, a.r)
	}
	if b.kind == tokenLit {
		return classMatches(a, b.r)
	}

	// class vs class
	switch {
	case !a.negated && !b.negated:
		for r := range a.set {
			if b.set[r] {
				return true
			}
		}
		return false
	case !a.negated && b.negated:
		for r := range a.set {
			if !b.set[r] {
				return true
			}
		}
		return false
	case a.negated && !b.negated:
		for r := range b.set {
			if !a.set[r] {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func classMatches(c segToken, r rune) bool {
	if c.negated {
		return !c.set[r]
	}
	return c.set[r]
}
