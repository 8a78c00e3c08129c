// Package tokenizer reads HuggingFace tokenizer.json files and exposes the
// decoded text of every token. Encoding is left to the inference runtime.
package tokenizer

import (
	"slices"
	"strconv"
	"strings"
)

// Type identifies how token strings map back to text.
type Type int

const (
	// TypeByteLevel is GPT-2 style byte-level BPE.
	TypeByteLevel Type = iota
	// TypeSentencePiece uses ▁ for spaces and <0xNN> byte fallback tokens.
	TypeSentencePiece
)

func (t Type) String() string {
	switch t {
	case TypeByteLevel:
		return "byte_level"
	case TypeSentencePiece:
		return "sentencepiece"
	default:
		return "unknown"
	}
}

// Tokenizer implements vocab.Source over a HuggingFace tokenizer.
type Tokenizer struct {
	typ Type

	// values holds the raw token strings indexed by id.
	values []string
	pieces []string

	bos     int32
	eos     []int32
	pad     int32
	special map[string]int32
}

// Precomputed GPT-2 byte-level encoding table
var byteToRune [256]rune

var runeToByte = make(map[rune]byte, 256)

func init() {
	for b := 0; b < 256; b++ {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

func (t *Tokenizer) Type() Type { return t.typ }

// Pieces returns the decoded text of every token. Added tokens decode to
// their literal content.
func (t *Tokenizer) Pieces() []string { return t.pieces }

// EOS returns the first end of sequence token, or -1 when there is none.
func (t *Tokenizer) EOS() int32 {
	if len(t.eos) > 0 {
		return t.eos[0]
	}
	return -1
}

func (t *Tokenizer) EOSTokens() []int32 { return t.eos }

func (t *Tokenizer) BOS() int32 { return t.bos }

func (t *Tokenizer) PAD() int32 { return t.pad }

// Specials returns the ids of added tokens marked special, other than the
// primary end of sequence token, in ascending order.
func (t *Tokenizer) Specials() []int32 {
	ids := make([]int32, 0, len(t.special))
	for _, id := range t.special {
		if id != t.EOS() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (t *Tokenizer) SpecialToken(content string) (int32, bool) {
	id, ok := t.special[content]
	return id, ok
}

// decode maps a raw token string to the text it produces.
func (t *Tokenizer) decode(value string) string {
	switch t.typ {
	case TypeSentencePiece:
		if b, ok := byteToken(value); ok {
			return string([]byte{b})
		}
		return strings.ReplaceAll(value, "▁", " ")
	default:
		var sb strings.Builder
		for _, r := range value {
			if b, ok := runeToByte[r]; ok {
				sb.WriteByte(b)
			} else {
				sb.WriteRune(r)
			}
		}
		return sb.String()
	}
}

// byteToken parses SentencePiece byte fallback tokens of the form <0xNN>.
func byteToken(value string) (byte, bool) {
	if len(value) != 6 || !strings.HasPrefix(value, "<0x") || value[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(value[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}
