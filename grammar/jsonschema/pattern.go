package jsonschema

import (
	"fmt"
	"regexp/syntax"
	"strconv"
	"strings"
	"unicode"
)

// patternToExpr lowers a string pattern to an EBNF rule over the JSON
// encoding of the string. ok is false when the pattern uses something with
// no EBNF equivalent, and callers fall back to an unconstrained string.
func (c *converter) patternToExpr(pattern string) (string, bool) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return "", false
	}
	re = re.Simplify()

	// anchors are implied: the pattern must match the whole string
	subs := []*syntax.Regexp{re}
	if re.Op == syntax.OpConcat {
		subs = re.Sub
	}
	for len(subs) > 0 && subs[0].Op == syntax.OpBeginText {
		subs = subs[1:]
	}
	for len(subs) > 0 && subs[len(subs)-1].Op == syntax.OpEndText {
		subs = subs[:len(subs)-1]
	}

	l := patternLowering{c: c}
	parts := make([]string, 0, len(subs))
	for _, sub := range subs {
		expr, ok := l.lower(sub)
		if !ok {
			return "", false
		}
		parts = append(parts, expr)
	}

	body := strings.Join(parts, " ")
	if body == "" {
		body = `""`
	}
	return c.newRule("pattern", `"\"" `+body+` "\""`), true
}

type patternLowering struct {
	c *converter
}

func (l patternLowering) lower(re *syntax.Regexp) (string, bool) {
	switch re.Op {
	case syntax.OpEmptyMatch:
		return `""`, true
	case syntax.OpLiteral:
		parts := make([]string, 0, len(re.Rune))
		for _, r := range re.Rune {
			if re.Flags&syntax.FoldCase != 0 && unicode.SimpleFold(r) != r {
				alts := []string{jsonRune(r)}
				for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
					alts = append(alts, jsonRune(f))
				}
				parts = append(parts, "( "+strings.Join(alts, " | ")+" )")
				continue
			}
			parts = append(parts, jsonRune(r))
		}
		return strings.Join(parts, " "), true
	case syntax.OpCharClass:
		return l.charClass(re.Rune)
	case syntax.OpAnyCharNotNL, syntax.OpAnyChar:
		l.c.use("character")
		return "character", true
	case syntax.OpCapture:
		return l.lower(re.Sub[0])
	case syntax.OpStar, syntax.OpPlus, syntax.OpQuest:
		sub, ok := l.lower(re.Sub[0])
		if !ok {
			return "", false
		}
		switch re.Op {
		case syntax.OpStar:
			return "{ " + sub + " }", true
		case syntax.OpPlus:
			return "( " + sub + " ) { " + sub + " }", true
		default:
			return "[ " + sub + " ]", true
		}
	case syntax.OpConcat, syntax.OpAlternate:
		parts := make([]string, 0, len(re.Sub))
		for _, sub := range re.Sub {
			expr, ok := l.lower(sub)
			if !ok {
				return "", false
			}
			parts = append(parts, "( "+expr+" )")
		}
		sep := " "
		if re.Op == syntax.OpAlternate {
			sep = " | "
		}
		return "( " + strings.Join(parts, sep) + " )", true
	default:
		// anchors in the middle, word boundaries and empty classes
		return "", false
	}
}

// charClass renders a class restricted to characters a JSON string holds
// without escaping.
func (l patternLowering) charClass(ranges []rune) (string, bool) {
	var alts []string
	for i := 0; i+1 < len(ranges); i += 2 {
		for _, r := range jsonSafe(ranges[i], ranges[i+1]) {
			if r[0] == r[1] {
				alts = append(alts, quote(r[0]))
			} else {
				alts = append(alts, fmt.Sprintf("%s … %s", quote(r[0]), quote(r[1])))
			}
		}
	}
	if len(alts) == 0 {
		return "", false
	}
	return "( " + strings.Join(alts, " | ") + " )", true
}

// jsonSafe splits [lo, hi] around control characters, quote and backslash.
func jsonSafe(lo, hi rune) [][2]rune {
	lo = max(lo, 0x20)
	var out [][2]rune
	for _, cut := range []rune{'"', '\\'} {
		if lo > hi {
			return out
		}
		if cut < lo || cut > hi {
			continue
		}
		if lo < cut {
			out = append(out, [2]rune{lo, cut - 1})
		}
		lo = cut + 1
	}
	if lo <= hi {
		out = append(out, [2]rune{lo, hi})
	}
	return out
}

func quote(r rune) string {
	return strconv.Quote(string(r))
}

// jsonRune renders r as an EBNF token for its encoding inside a JSON string.
func jsonRune(r rune) string {
	switch r {
	case '"':
		return `"\\\""`
	case '\\':
		return `"\\\\"`
	case '\n':
		return `"\\n"`
	case '\r':
		return `"\\r"`
	case '\t':
		return `"\\t"`
	}
	if r < 0x20 {
		return strconv.Quote(fmt.Sprintf(`\u%04x`, r))
	}
	return quote(r)
}
