// Package filter adapts enforcers to the begin/feed/next protocol of a
// sampling loop and combines several of them per request.
package filter

import (
	"slices"
	"strings"

	"github.com/ollama/enforcer/enforcer"
	"github.com/ollama/enforcer/grammar"
	"github.com/ollama/enforcer/vocab"
)

// Filter is driven by a generation loop: Begin once, then alternately Next
// and Feed for every sampled token.
type Filter interface {
	Begin(prefix string)
	Feed(id int32) error
	Next() (Mask, error)

	// Background reports whether Next is expensive enough to compute
	// alongside the model forward pass.
	Background() bool
}

// SequenceFilter keeps the emitted token history and asks the enforcer for
// the tokens allowed after it.
type SequenceFilter struct {
	enforcer *enforcer.Enforcer
	seq      []int32
}

func NewSequenceFilter(e *enforcer.Enforcer) *SequenceFilter {
	return &SequenceFilter{enforcer: e}
}

func (f *SequenceFilter) Begin(string) {
	f.seq = f.seq[:0]
}

func (f *SequenceFilter) Feed(id int32) error {
	if _, err := f.enforcer.Vocabulary().Piece(id); err != nil {
		return err
	}
	f.seq = append(f.seq, id)
	return nil
}

func (f *SequenceFilter) Next() (Mask, error) {
	ids, err := f.enforcer.AllowedTokens(f.seq)
	if err != nil {
		return Mask{}, err
	}
	return maskFor(ids, f.enforcer.Vocabulary().Size()), nil
}

func (f *SequenceFilter) Background() bool { return true }

// StateFilter advances a parser state token by token instead of replaying
// the history.
type StateFilter struct {
	enforcer *enforcer.Enforcer
	state    grammar.State
}

func NewStateFilter(e *enforcer.Enforcer) *StateFilter {
	return &StateFilter{enforcer: e, state: e.Start()}
}

func (f *StateFilter) Begin(string) {
	f.state = f.enforcer.Start()
}

func (f *StateFilter) Feed(id int32) error {
	st, err := f.enforcer.Advance(f.state, id)
	if err != nil {
		return err
	}
	f.state = st
	return nil
}

func (f *StateFilter) Next() (Mask, error) {
	return maskFor(f.enforcer.Allowed(f.state), f.enforcer.Vocabulary().Size()), nil
}

func (f *StateFilter) Background() bool { return true }

// PrefixFilter requires the generated text to start with one of a fixed set
// of strings. Once a prefix is complete, or the text can no longer match
// any, it permits everything.
type PrefixFilter struct {
	vocab    *vocab.Vocabulary
	prefixes []string

	text string
	done bool
}

func NewPrefixFilter(v *vocab.Vocabulary, prefixes ...string) *PrefixFilter {
	f := &PrefixFilter{vocab: v, prefixes: prefixes}
	f.Begin("")
	return f
}

func (f *PrefixFilter) Begin(string) {
	f.text = ""
	f.done = slices.Contains(f.prefixes, "")
}

func (f *PrefixFilter) Feed(id int32) error {
	piece, err := f.vocab.Piece(id)
	if err != nil {
		return err
	}
	if f.done || f.vocab.IsSpecial(id) || id == f.vocab.EOS() {
		return nil
	}

	f.text += piece
	pending := false
	for _, p := range f.prefixes {
		switch {
		case strings.HasPrefix(f.text, p):
			f.done = true
			return nil
		case strings.HasPrefix(p, f.text):
			pending = true
		}
	}
	f.done = !pending
	return nil
}

func (f *PrefixFilter) Next() (Mask, error) {
	if f.done {
		return Unrestricted(), nil
	}

	trie := f.vocab.Trie()
	var ids []int32
	for _, p := range f.prefixes {
		rest, ok := strings.CutPrefix(p, f.text)
		if !ok {
			continue
		}

		// pieces that stop inside the remaining prefix
		node := trie
		for _, r := range rest {
			if node = node.Child(r); node == nil {
				break
			}
			ids = append(ids, node.IDs...)
		}

		// pieces that finish the prefix and run past it
		if node := trie.Walk(rest); node != nil {
			ids = node.Collect(ids)
		}
	}

	slices.Sort(ids)
	ids = slices.Compact(ids)
	if ids == nil {
		ids = []int32{}
	}
	return Mask{Allowed: ids}, nil
}

func (f *PrefixFilter) Background() bool { return false }
