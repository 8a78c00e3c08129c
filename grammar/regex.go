package grammar

import (
	"encoding/binary"
	"fmt"
	"regexp/syntax"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// context flags carried by a regex state for anchors that look behind.
const (
	atBeginText uint8 = 1 << iota
	atBeginLine
)

type regexParser struct {
	prog  *syntax.Prog
	start *regexState

	// states interns every state by signature so equal thread sets share
	// their memoized transitions.
	states sync.Map
}

// regexState is a set of NFA threads. seeds are the program counters
// reached by the last consumed rune, before epsilon closure.
type regexState struct {
	seeds []uint32
	flags uint8
	sig   uint64

	allowedOnce sync.Once
	allowed     CharSet

	completeOnce sync.Once
	complete     bool

	next sync.Map // rune -> *regexState, or nil when rejected
}

func (s *regexState) Signature() uint64 { return s.sig }

// Regex compiles pattern into a Parser that accepts exactly the strings
// pattern fully matches.
func Regex(pattern string) (Parser, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, newParseError(KindRegex, err)
	}

	prog, err := syntax.Compile(re.Simplify())
	if err != nil {
		return nil, newParseError(KindRegex, err)
	}

	for _, inst := range prog.Inst {
		if inst.Op == syntax.InstEmptyWidth &&
			syntax.EmptyOp(inst.Arg)&(syntax.EmptyWordBoundary|syntax.EmptyNoWordBoundary) != 0 {
			return nil, newParseError(KindRegex, fmt.Errorf("word boundary assertions are not supported in %s", strconv.Quote(pattern)))
		}
	}

	p := &regexParser{prog: prog}
	p.start = p.intern([]uint32{uint32(prog.Start)}, atBeginText|atBeginLine)
	return p, nil
}

func (p *regexParser) parser() {}

func (p *regexParser) Kind() Kind { return KindRegex }

func (p *regexParser) Start() State { return p.start }

func (p *regexParser) intern(seeds []uint32, flags uint8) *regexState {
	slices.Sort(seeds)
	seeds = slices.Compact(seeds)

	buf := make([]byte, 1, 1+4*len(seeds))
	buf[0] = flags
	for _, pc := range seeds {
		buf = binary.LittleEndian.AppendUint32(buf, pc)
	}

	s := &regexState{seeds: seeds, flags: flags, sig: xxhash.Sum64(buf)}
	actual, _ := p.states.LoadOrStore(s.sig, s)
	return actual.(*regexState)
}

// closure follows epsilon transitions from seeds. ops lists the empty-width
// conditions that hold at the current position. The result holds only
// rune-consuming and match instructions.
func (p *regexParser) closure(seeds []uint32, ops syntax.EmptyOp) []uint32 {
	visited := make([]bool, len(p.prog.Inst))
	stack := slices.Clone(seeds)

	var threads []uint32
	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[pc] {
			continue
		}
		visited[pc] = true

		inst := &p.prog.Inst[pc]
		switch inst.Op {
		case syntax.InstAlt, syntax.InstAltMatch:
			stack = append(stack, inst.Arg, inst.Out)
		case syntax.InstCapture, syntax.InstNop:
			stack = append(stack, inst.Out)
		case syntax.InstEmptyWidth:
			if syntax.EmptyOp(inst.Arg)&^ops == 0 {
				stack = append(stack, inst.Out)
			}
		case syntax.InstMatch, syntax.InstRune, syntax.InstRune1, syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
			threads = append(threads, pc)
		}
	}

	slices.Sort(threads)
	return threads
}

func (s *regexState) behind() syntax.EmptyOp {
	var ops syntax.EmptyOp
	if s.flags&atBeginText != 0 {
		ops |= syntax.EmptyBeginText
	}
	if s.flags&atBeginLine != 0 {
		ops |= syntax.EmptyBeginLine
	}
	return ops
}

// ahead returns the empty-width conditions that hold when r comes next.
func ahead(r rune) syntax.EmptyOp {
	if r == '\n' {
		return syntax.EmptyEndLine
	}
	return 0
}

func (p *regexParser) state(st State) *regexState {
	s, ok := st.(*regexState)
	if !ok {
		panic(fmt.Sprintf("grammar: %T is not a regex state", st))
	}
	return s
}

func (p *regexParser) Allowed(st State) CharSet {
	s := p.state(st)
	s.allowedOnce.Do(func() {
		var sets []CharSet
		for _, pc := range p.closure(s.seeds, s.behind()) {
			sets = append(sets, instCharSet(&p.prog.Inst[pc]))
		}

		// threads that only become live before a newline
		for _, pc := range p.closure(s.seeds, s.behind()|syntax.EmptyEndLine) {
			if p.prog.Inst[pc].Op != syntax.InstMatch && p.prog.Inst[pc].MatchRune('\n') {
				sets = append(sets, Rune('\n'))
				break
			}
		}

		s.allowed = unionAll(sets)
	})
	return s.allowed
}

func (p *regexParser) Advance(st State, r rune) (State, error) {
	s := p.state(st)
	if next, ok := s.next.Load(r); ok {
		if next == nil {
			return nil, &RejectedCharacterError{Rune: r}
		}
		return next.(*regexState), nil
	}

	var seeds []uint32
	for _, pc := range p.closure(s.seeds, s.behind()|ahead(r)) {
		inst := &p.prog.Inst[pc]
		if inst.Op != syntax.InstMatch && inst.MatchRune(r) {
			seeds = append(seeds, inst.Out)
		}
	}

	if len(seeds) == 0 {
		s.next.Store(r, nil)
		return nil, &RejectedCharacterError{Rune: r}
	}

	var flags uint8
	if r == '\n' {
		flags = atBeginLine
	}

	next, _ := s.next.LoadOrStore(r, p.intern(seeds, flags))
	return next.(*regexState), nil
}

func (p *regexParser) Complete(st State) bool {
	s := p.state(st)
	s.completeOnce.Do(func() {
		for _, pc := range p.closure(s.seeds, s.behind()|syntax.EmptyEndText|syntax.EmptyEndLine) {
			if p.prog.Inst[pc].Op == syntax.InstMatch {
				s.complete = true
				return
			}
		}
	})
	return s.complete
}

func instCharSet(inst *syntax.Inst) CharSet {
	switch inst.Op {
	case syntax.InstRune1:
		return Rune(inst.Rune[0])
	case syntax.InstRune:
		if len(inst.Rune) == 1 {
			r := inst.Rune[0]
			if syntax.Flags(inst.Arg)&syntax.FoldCase == 0 {
				return Rune(r)
			}
			ranges := []Range{{r, r}}
			for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
				ranges = append(ranges, Range{f, f})
			}
			return NewCharSet(ranges...)
		}

		ranges := make([]Range, 0, len(inst.Rune)/2)
		for i := 0; i+1 < len(inst.Rune); i += 2 {
			ranges = append(ranges, Range{inst.Rune[i], inst.Rune[i+1]})
		}
		return NewCharSet(ranges...)
	case syntax.InstRuneAny:
		return AnyRune()
	case syntax.InstRuneAnyNotNL:
		return NewCharSet(Range{0, '\n' - 1}, Range{'\n' + 1, unicode.MaxRune})
	default:
		return CharSet{}
	}
}

// String renders a state for debugging.
func (s *regexState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "regex[%x", s.flags)
	for _, pc := range s.seeds {
		fmt.Fprintf(&sb, " %d", pc)
	}
	sb.WriteByte(']')
	return sb.String()
}
