package filter

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ollama/enforcer/enforcer"
	"github.com/ollama/enforcer/grammar"
	"github.com/ollama/enforcer/metrics"
	"github.com/ollama/enforcer/vocab"
)

// Result is the outcome of building filters for one constraint. Err is set
// when the grammar could not be compiled, in which case Filters is empty.
type Result struct {
	Filters []Filter
	Err     error
}

type compiledKey struct {
	vocab     *vocab.Vocabulary
	kind      grammar.Kind
	source    string
	cacheSize int
}

// compiled shares enforcers, and with them their caches, between requests
// that use the same grammar, vocabulary and cache size.
var compiled, _ = lru.New[compiledKey, *enforcer.Enforcer](64)

// Purge forgets every compiled grammar, releasing the vocabularies they
// reference.
func Purge() {
	compiled.Purge()
}

func compile(v *vocab.Vocabulary, kind grammar.Kind, source string, build func() (grammar.Parser, error), opts []enforcer.Option) (*enforcer.Enforcer, error) {
	key := compiledKey{vocab: v, kind: kind, source: source, cacheSize: enforcer.CacheSize(opts...)}
	if source != "" {
		if e, ok := compiled.Get(key); ok {
			metrics.RecordCacheLookup("compiled", true)
			return e, nil
		}
		metrics.RecordCacheLookup("compiled", false)
	}

	p, err := build()
	if err != nil {
		return nil, err
	}

	e := enforcer.New(v, p, opts...)
	if source != "" {
		compiled.Add(key, e)
	}
	return e, nil
}

// schemaSource returns a stable text form of schema for cache keys, or ""
// when there is none.
func schemaSource(schema any) string {
	switch s := schema.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case json.RawMessage:
		return string(s)
	case map[string]any:
		// map keys marshal in sorted order
		b, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return ""
}

// JSONSchema builds an enforcer filter for schema. When the schema admits an
// object or array at the top level, a PrefixFilter also keeps the output
// from starting with anything else.
func JSONSchema(v *vocab.Vocabulary, schema any, opts ...enforcer.Option) Result {
	e, err := compile(v, grammar.KindJSONSchema, schemaSource(schema), func() (grammar.Parser, error) {
		return grammar.JSONSchema(schema)
	}, opts)
	if err != nil {
		return Result{Err: err}
	}

	filters := []Filter{NewSequenceFilter(e)}

	start := e.Parser().Allowed(e.Start())
	if start.Contains('{') || start.Contains('[') {
		filters = append(filters, NewPrefixFilter(v, "[", "{"))
	}
	return Result{Filters: filters}
}

func Regex(v *vocab.Vocabulary, pattern string, opts ...enforcer.Option) Result {
	e, err := compile(v, grammar.KindRegex, pattern, func() (grammar.Parser, error) {
		return grammar.Regex(pattern)
	}, opts)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Filters: []Filter{NewSequenceFilter(e)}}
}

// Grammar builds a filter for an EBNF grammar whose start production is
// root, or the first production when there is no root.
func Grammar(v *vocab.Vocabulary, src string, opts ...enforcer.Option) Result {
	e, err := compile(v, grammar.KindCFG, src, func() (grammar.Parser, error) {
		return grammar.EBNF(src, "")
	}, opts)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Filters: []Filter{NewStateFilter(e)}}
}
