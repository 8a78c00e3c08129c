package grammar

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type item struct {
	rule   int32
	dot    int32
	origin *column
}

// column is an Earley set after some input. Columns are immutable once
// built and chain to the earlier columns their items started in.
type column struct {
	items []item

	// waiting indexes items by the nonterminal after their dot, for
	// completion of items that started here.
	waiting map[symbol][]item

	sig uint64

	allowedOnce sync.Once
	allowed     CharSet

	next sync.Map // rune -> *column, or nil when rejected
}

func (c *column) Signature() uint64 { return c.sig }

type earleyParser struct {
	kind  Kind
	g     *cfg
	start *column

	columns sync.Map // signature -> *column
}

// EBNF compiles an EBNF grammar in the notation of golang.org/x/exp/ebnf.
// When start is empty the production named root is used, falling back to
// the first production in src.
func EBNF(src, start string) (Parser, error) {
	p, err := newEarley(KindCFG, "grammar", strings.NewReader(src), start)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newEarley(kind Kind, name string, src io.Reader, start string) (*earleyParser, error) {
	g, err := compile(name, src, start)
	if err != nil {
		return nil, newParseError(kind, err)
	}

	p := &earleyParser{kind: kind, g: g}
	p.start = p.build([]item{{rule: g.start}})
	return p, nil
}

func (p *earleyParser) parser() {}

func (p *earleyParser) Kind() Kind { return p.kind }

func (p *earleyParser) Start() State { return p.start }

// nextSymbol returns the symbol after the dot of it, if any.
func (p *earleyParser) nextSymbol(it item) (symbol, bool) {
	rhs := p.g.rules[it.rule].rhs
	if int(it.dot) >= len(rhs) {
		return 0, false
	}
	return rhs[it.dot], true
}

// build closes seeds under prediction and completion. Seed items with a nil
// origin start in the column being built.
func (p *earleyParser) build(seeds []item) *column {
	col := &column{waiting: make(map[symbol][]item)}

	seen := make(map[item]struct{})
	predicted := make(map[symbol]bool)

	var queue []item
	add := func(it item) {
		if it.origin == nil {
			it.origin = col
		}
		if _, ok := seen[it]; ok {
			return
		}
		seen[it] = struct{}{}
		col.items = append(col.items, it)
		queue = append(queue, it)
	}

	for _, it := range seeds {
		add(it)
	}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		sym, ok := p.nextSymbol(it)
		switch {
		case !ok:
			// complete: advance everything in the origin waiting on lhs
			lhs := p.g.rules[it.rule].lhs
			waiting := it.origin.waiting[lhs]
			for i := 0; i < len(waiting); i++ {
				w := waiting[i]
				add(item{rule: w.rule, dot: w.dot + 1, origin: w.origin})
			}
		case sym.terminal():
		default:
			col.waiting[sym] = append(col.waiting[sym], it)
			if !predicted[sym] {
				predicted[sym] = true
				for _, r := range p.g.byLHS[sym] {
					add(item{rule: r, origin: col})
				}
			}
			if p.g.nullable[sym] {
				add(item{rule: it.rule, dot: it.dot + 1, origin: it.origin})
			}
		}
	}

	col.sig = p.signature(col)
	actual, _ := p.columns.LoadOrStore(col.sig, col)
	return actual.(*column)
}

func (p *earleyParser) signature(col *column) uint64 {
	type key struct {
		rule, dot int32
		origin    uint64
	}

	keys := make([]key, len(col.items))
	for i, it := range col.items {
		k := key{rule: it.rule, dot: it.dot}
		if it.origin != col {
			k.origin = it.origin.sig
		}
		keys[i] = k
	}

	slices.SortFunc(keys, func(a, b key) int {
		return cmp.Or(cmp.Compare(a.rule, b.rule), cmp.Compare(a.dot, b.dot), cmp.Compare(a.origin, b.origin))
	})

	buf := make([]byte, 0, 16*len(keys))
	for _, k := range keys {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(k.rule))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(k.dot))
		buf = binary.LittleEndian.AppendUint64(buf, k.origin)
	}
	return xxhash.Sum64(buf)
}

func (p *earleyParser) state(st State) *column {
	c, ok := st.(*column)
	if !ok {
		panic(fmt.Sprintf("grammar: %T is not an earley state", st))
	}
	return c
}

func (p *earleyParser) Allowed(st State) CharSet {
	col := p.state(st)
	col.allowedOnce.Do(func() {
		var sets []CharSet
		for _, it := range col.items {
			if sym, ok := p.nextSymbol(it); ok && sym.terminal() {
				sets = append(sets, p.g.terms[sym.term()])
			}
		}
		col.allowed = unionAll(sets)
	})
	return col.allowed
}

func (p *earleyParser) Advance(st State, r rune) (State, error) {
	col := p.state(st)
	if next, ok := col.next.Load(r); ok {
		if next == nil {
			return nil, &RejectedCharacterError{Rune: r}
		}
		return next.(*column), nil
	}

	var seeds []item
	for _, it := range col.items {
		if sym, ok := p.nextSymbol(it); ok && sym.terminal() && p.g.terms[sym.term()].Contains(r) {
			seeds = append(seeds, item{rule: it.rule, dot: it.dot + 1, origin: it.origin})
		}
	}

	if len(seeds) == 0 {
		col.next.Store(r, nil)
		return nil, &RejectedCharacterError{Rune: r}
	}

	next, _ := col.next.LoadOrStore(r, p.build(seeds))
	return next.(*column), nil
}

func (p *earleyParser) Complete(st State) bool {
	col := p.state(st)
	for _, it := range col.items {
		if it.rule == p.g.start && int(it.dot) == len(p.g.rules[it.rule].rhs) {
			return true
		}
	}
	return false
}
