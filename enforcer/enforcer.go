// Package enforcer computes which vocabulary tokens may follow a token
// sequence under a grammar.
package enforcer

import (
	"encoding/binary"
	"errors"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ollama/enforcer/grammar"
	"github.com/ollama/enforcer/logutil"
	"github.com/ollama/enforcer/metrics"
	"github.com/ollama/enforcer/vocab"
)

const defaultCacheSize = 4096

// Enforcer pairs a vocabulary with a character-level parser. It is safe for
// concurrent use; all mutable state lives in its caches.
type Enforcer struct {
	vocab  *vocab.Vocabulary
	parser grammar.Parser

	cacheSize int

	// prefixes maps an encoded token sequence to the parser state after it.
	// A nil state is dead.
	prefixes *lru.Cache[string, grammar.State]

	// allowed maps a state signature to its sorted allowed token ids.
	allowed *lru.Cache[uint64, []int32]
}

type Option func(*Enforcer)

// WithCacheSize bounds each of the enforcer's caches to n entries.
func WithCacheSize(n int) Option {
	return func(e *Enforcer) {
		if n > 0 {
			e.cacheSize = n
		}
	}
}

// CacheSize reports the per-cache bound New would use with opts.
func CacheSize(opts ...Option) int {
	e := Enforcer{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&e)
	}
	return e.cacheSize
}

func New(v *vocab.Vocabulary, p grammar.Parser, opts ...Option) *Enforcer {
	e := &Enforcer{vocab: v, parser: p, cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(e)
	}

	// lru.New only fails for non-positive sizes
	e.prefixes, _ = lru.New[string, grammar.State](e.cacheSize)
	e.allowed, _ = lru.New[uint64, []int32](e.cacheSize)
	return e
}

func (e *Enforcer) Vocabulary() *vocab.Vocabulary { return e.vocab }

func (e *Enforcer) CacheSize() int { return e.cacheSize }

func (e *Enforcer) Parser() grammar.Parser { return e.parser }

func (e *Enforcer) Start() grammar.State {
	return e.parser.Start()
}

// Advance feeds token id to st. Tokens the grammar rejects and anything
// after end of sequence yield the dead (nil) state. Special tokens leave the
// state unchanged. The only error is an unknown token id.
func (e *Enforcer) Advance(st grammar.State, id int32) (grammar.State, error) {
	piece, err := e.vocab.Piece(id)
	if err != nil {
		return nil, err
	}

	switch {
	case st == nil:
		return nil, nil
	case id == e.vocab.EOS():
		return nil, nil
	case e.vocab.IsSpecial(id):
		return st, nil
	}

	for _, r := range piece {
		next, err := e.parser.Advance(st, r)
		if err != nil {
			var rejected *grammar.RejectedCharacterError
			if errors.As(err, &rejected) {
				return nil, nil
			}
			return nil, err
		}
		st = next
	}
	return st, nil
}

// Complete reports whether the text that led to st is a full match.
func (e *Enforcer) Complete(st grammar.State) bool {
	return st != nil && e.parser.Complete(st)
}

// Allowed returns the sorted ids of tokens that may follow st. End of
// sequence is included exactly when st is complete. The returned slice is
// owned by the caller.
func (e *Enforcer) Allowed(st grammar.State) []int32 {
	if st == nil {
		return []int32{}
	}

	sig := st.Signature()
	if ids, ok := e.allowed.Get(sig); ok {
		metrics.RecordCacheLookup("allowed", true)
		return slices.Clone(ids)
	}
	metrics.RecordCacheLookup("allowed", false)

	start := time.Now()
	ids := e.walk(e.vocab.Trie(), st, []int32{})
	if e.parser.Complete(st) {
		ids = append(ids, e.vocab.EOS())
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	metrics.ObserveAllowed(e.parser.Kind().String(), time.Since(start))

	e.allowed.Add(sig, ids)
	return slices.Clone(ids)
}

// walk collects the ids of every piece below node that st can consume,
// pruning subtrees as soon as the parser rejects a character.
func (e *Enforcer) walk(node *vocab.TrieNode, st grammar.State, ids []int32) []int32 {
	allowed := e.parser.Allowed(st)
	if allowed.IsEmpty() {
		return ids
	}

	for _, r := range node.Runes() {
		if !allowed.Contains(r) {
			continue
		}

		next, err := e.parser.Advance(st, r)
		if err != nil {
			continue
		}

		child := node.Child(r)
		ids = append(ids, child.IDs...)
		ids = e.walk(child, next, ids)
	}
	return ids
}

// State resolves the parser state after seq, starting from the longest
// prefix of seq already in the cache.
func (e *Enforcer) State(seq []int32) (grammar.State, error) {
	for _, id := range seq {
		if _, err := e.vocab.Piece(id); err != nil {
			return nil, err
		}
	}

	key := encode(seq)

	n := len(seq)
	st := e.Start()
	for ; n > 0; n-- {
		if cached, ok := e.prefixes.Get(key[:4*n]); ok {
			st = cached
			break
		}
	}
	metrics.RecordCacheLookup("prefix", n == len(seq) && n > 0)

	if n < len(seq) {
		logutil.Trace("resolving token sequence", "cached", n, "length", len(seq))
	}

	for i := n; i < len(seq); i++ {
		next, err := e.Advance(st, seq[i])
		if err != nil {
			return nil, err
		}
		st = next
		e.prefixes.Add(key[:4*(i+1)], st)
	}

	return st, nil
}

// AllowedTokens returns the sorted ids of tokens that may follow seq.
func (e *Enforcer) AllowedTokens(seq []int32) ([]int32, error) {
	st, err := e.State(seq)
	if err != nil {
		return nil, err
	}
	return e.Allowed(st), nil
}

func encode(seq []int32) string {
	buf := make([]byte, 0, 4*len(seq))
	for _, id := range seq {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	}
	return string(buf)
}
