package grammar

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/exp/ebnf"
)

// symbol is a nonterminal when non-negative and terminal -(i+1) otherwise.
type symbol int32

func (s symbol) terminal() bool { return s < 0 }

func (s symbol) term() int { return int(-s - 1) }

type rule struct {
	lhs symbol
	rhs []symbol
}

// cfg is an EBNF grammar lowered to plain BNF over character classes.
type cfg struct {
	names    []string
	rules    []rule
	byLHS    [][]int32
	terms    []CharSet
	nullable []bool
	start    int32 // augmented rule: start' = start
}

// compile parses src and lowers it. An empty start selects "root", or the
// first production in the source when there is no root.
func compile(name string, src io.Reader, start string) (*cfg, error) {
	g, err := ebnf.Parse(name, src)
	if err != nil {
		return nil, fmt.Errorf("parse grammar: %w", err)
	}

	if start == "" {
		start = defaultStart(g)
	}

	if err := ebnf.Verify(g, start); err != nil {
		return nil, fmt.Errorf("verify grammar: %w", err)
	}

	l := &lowering{
		cfg:     &cfg{},
		symbols: make(map[string]symbol),
		terms:   make(map[Range]symbol),
	}

	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		l.nonterminal(name)
	}

	for _, name := range names {
		prod := g[name]
		lhs := l.symbols[name]
		if alt, ok := prod.Expr.(ebnf.Alternative); ok {
			for _, e := range alt {
				rhs, err := l.sequence(nil, e)
				if err != nil {
					return nil, fmt.Errorf("production %q: %w", name, err)
				}
				l.addRule(lhs, rhs)
			}
			continue
		}

		rhs, err := l.sequence(nil, prod.Expr)
		if err != nil {
			return nil, fmt.Errorf("production %q: %w", name, err)
		}
		l.addRule(lhs, rhs)
	}

	c := l.cfg
	root := l.fresh("start")
	c.start = int32(len(c.rules))
	l.addRule(root, []symbol{l.symbols[start]})

	c.computeNullable()
	return c, nil
}

func defaultStart(g ebnf.Grammar) string {
	if _, ok := g["root"]; ok {
		return "root"
	}

	var first *ebnf.Production
	for _, prod := range g {
		if first == nil || prod.Name.StringPos.Offset < first.Name.StringPos.Offset {
			first = prod
		}
	}
	if first == nil {
		return "root"
	}
	return first.Name.String
}

type lowering struct {
	cfg     *cfg
	symbols map[string]symbol
	terms   map[Range]symbol
}

func (l *lowering) nonterminal(name string) symbol {
	if s, ok := l.symbols[name]; ok {
		return s
	}
	s := symbol(len(l.cfg.names))
	l.cfg.names = append(l.cfg.names, name)
	l.cfg.byLHS = append(l.cfg.byLHS, nil)
	l.symbols[name] = s
	return s
}

// fresh allocates an anonymous nonterminal.
func (l *lowering) fresh(kind string) symbol {
	s := symbol(len(l.cfg.names))
	l.cfg.names = append(l.cfg.names, fmt.Sprintf("%s#%d", kind, s))
	l.cfg.byLHS = append(l.cfg.byLHS, nil)
	return s
}

func (l *lowering) terminal(r Range) symbol {
	if s, ok := l.terms[r]; ok {
		return s
	}
	s := symbol(-(len(l.cfg.terms) + 1))
	l.cfg.terms = append(l.cfg.terms, NewCharSet(r))
	l.terms[r] = s
	return s
}

func (l *lowering) addRule(lhs symbol, rhs []symbol) {
	l.cfg.byLHS[lhs] = append(l.cfg.byLHS[lhs], int32(len(l.cfg.rules)))
	l.cfg.rules = append(l.cfg.rules, rule{lhs: lhs, rhs: rhs})
}

// sequence appends the symbols matching expr to rhs.
func (l *lowering) sequence(rhs []symbol, expr ebnf.Expression) ([]symbol, error) {
	switch e := expr.(type) {
	case nil:
		return rhs, nil
	case *ebnf.Name:
		s, ok := l.symbols[e.String]
		if !ok {
			return nil, fmt.Errorf("undefined production: %s", e.String)
		}
		return append(rhs, s), nil
	case *ebnf.Token:
		for _, r := range e.String {
			rhs = append(rhs, l.terminal(Range{r, r}))
		}
		return rhs, nil
	case *ebnf.Range:
		lo, _ := utf8.DecodeRuneInString(e.Begin.String)
		hi, _ := utf8.DecodeRuneInString(e.End.String)
		return append(rhs, l.terminal(Range{lo, hi})), nil
	case ebnf.Sequence:
		var err error
		for _, x := range e {
			if rhs, err = l.sequence(rhs, x); err != nil {
				return nil, err
			}
		}
		return rhs, nil
	case *ebnf.Group:
		return l.sequence(rhs, e.Body)
	case ebnf.Alternative:
		n := l.fresh("alt")
		for _, x := range e {
			body, err := l.sequence(nil, x)
			if err != nil {
				return nil, err
			}
			l.addRule(n, body)
		}
		return append(rhs, n), nil
	case *ebnf.Option:
		body, err := l.sequence(nil, e.Body)
		if err != nil {
			return nil, err
		}
		n := l.fresh("opt")
		l.addRule(n, nil)
		l.addRule(n, body)
		return append(rhs, n), nil
	case *ebnf.Repetition:
		body, err := l.sequence(nil, e.Body)
		if err != nil {
			return nil, err
		}
		n := l.fresh("rep")
		l.addRule(n, nil)
		l.addRule(n, append([]symbol{n}, body...))
		return append(rhs, n), nil
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", expr)
	}
}

func (c *cfg) computeNullable() {
	c.nullable = make([]bool, len(c.names))
	for changed := true; changed; {
		changed = false
		for _, r := range c.rules {
			if c.nullable[r.lhs] {
				continue
			}
			ok := true
			for _, s := range r.rhs {
				if s.terminal() || !c.nullable[s] {
					ok = false
					break
				}
			}
			if ok {
				c.nullable[r.lhs] = true
				changed = true
			}
		}
	}
}

// String renders the lowered rules for debugging.
func (c *cfg) String() string {
	var sb strings.Builder
	for _, r := range c.rules {
		fmt.Fprintf(&sb, "%s ->", c.names[r.lhs])
		for _, s := range r.rhs {
			if s.terminal() {
				fmt.Fprintf(&sb, " %v", c.terms[s.term()].Ranges())
			} else {
				fmt.Fprintf(&sb, " %s", c.names[s])
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
