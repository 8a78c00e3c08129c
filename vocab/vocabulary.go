// Package vocab maps token ids to the text they decode to and keeps a
// process-wide cache of those mappings keyed by tokenizer.
package vocab

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Source is the tokenizer side of the adapter. Pieces must return the
// decoded text of every token, indexed by id.
type Source interface {
	Pieces() []string
	EOS() int32
	Specials() []int32
}

// UnknownTokenError reports a token id outside the vocabulary.
type UnknownTokenError struct {
	ID   int32
	Size int
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token %d: vocabulary has %d entries", e.ID, e.Size)
}

// Vocabulary is an immutable id to piece mapping. It is safe for concurrent
// use once built.
type Vocabulary struct {
	pieces  []string
	eos     int32
	special map[int32]struct{}

	trieOnce sync.Once
	trie     *TrieNode
}

// New snapshots src into a Vocabulary.
func New(src Source) (*Vocabulary, error) {
	pieces := slices.Clone(src.Pieces())
	if len(pieces) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}

	v := &Vocabulary{
		pieces:  pieces,
		eos:     src.EOS(),
		special: make(map[int32]struct{}),
	}

	if v.eos < 0 || int(v.eos) >= len(pieces) {
		return nil, fmt.Errorf("eos token %d out of range", v.eos)
	}

	for _, id := range src.Specials() {
		if id < 0 || int(id) >= len(pieces) {
			return nil, &UnknownTokenError{ID: id, Size: len(pieces)}
		}
		v.special[id] = struct{}{}
	}

	return v, nil
}

func (v *Vocabulary) Size() int {
	return len(v.pieces)
}

func (v *Vocabulary) EOS() int32 {
	return v.eos
}

// Specials returns the special token ids in ascending order.
func (v *Vocabulary) Specials() []int32 {
	ids := make([]int32, 0, len(v.special))
	for id := range v.special {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (v *Vocabulary) IsSpecial(id int32) bool {
	_, ok := v.special[id]
	return ok
}

func (v *Vocabulary) Piece(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.pieces) {
		return "", &UnknownTokenError{ID: id, Size: len(v.pieces)}
	}
	return v.pieces[id], nil
}

// Decode concatenates the pieces of ids in order.
func (v *Vocabulary) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		piece, err := v.Piece(id)
		if err != nil {
			return "", err
		}
		sb.WriteString(piece)
	}
	return sb.String(), nil
}

// Trie returns the prefix tree over every piece that can take part in
// constrained text: empty pieces, special tokens and EOS are left out.
func (v *Vocabulary) Trie() *TrieNode {
	v.trieOnce.Do(func() {
		v.trie = newTrieNode()
		for id, piece := range v.pieces {
			id := int32(id)
			if piece == "" || id == v.eos || v.IsSpecial(id) {
				continue
			}
			v.trie.insert(piece, id)
		}
	})
	return v.trie
}
