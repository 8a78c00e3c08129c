// Package grammar implements incremental character-level recognizers for
// regular expressions, EBNF context-free grammars and JSON Schema.
//
// Every recognizer exposes the same Parser interface: starting from Start,
// a caller asks which characters are Allowed, consumes one with Advance and
// checks whether the text so far is Complete. States are immutable and can
// be shared freely between goroutines and requests.
package grammar

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindJSONSchema Kind = iota
	KindRegex
	KindCFG
)

func (k Kind) String() string {
	switch k {
	case KindJSONSchema:
		return "json_schema"
	case KindRegex:
		return "regex"
	case KindCFG:
		return "cfg"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is a parser position. Two states with the same Signature accept
// the same continuations.
type State interface {
	Signature() uint64
}

// Parser is implemented by the recognizers in this package only.
type Parser interface {
	Kind() Kind
	Start() State
	Allowed(State) CharSet
	Advance(State, rune) (State, error)
	Complete(State) bool

	parser()
}

// RejectedCharacterError is returned by Advance when the grammar does not
// permit the rune in the given state.
type RejectedCharacterError struct {
	Rune rune
}

func (e *RejectedCharacterError) Error() string {
	return fmt.Sprintf("character %q rejected", e.Rune)
}

// ParseError reports a grammar that could not be compiled. It carries the
// stack of the point where compilation failed; format it with %+v to see it.
type ParseError struct {
	Kind Kind
	err  error
}

func newParseError(kind Kind, err error) *ParseError {
	return &ParseError{Kind: kind, err: errors.WithStack(err)}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s grammar: %v", e.Kind, errors.Cause(e.err))
}

func (e *ParseError) Unwrap() error {
	return errors.Cause(e.err)
}

func (e *ParseError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "invalid %s grammar: %+v", e.Kind, e.err)
		return
	}
	fmt.Fprint(s, e.Error())
}
