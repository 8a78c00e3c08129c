package filter

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/enforcer/enforcer"
	"github.com/ollama/enforcer/grammar"
	"github.com/ollama/enforcer/vocab"
)

const objectSchema = `{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`

func newVocab(t *testing.T, pieces ...string) *vocab.Vocabulary {
	t.Helper()
	v, err := vocab.New(&vocab.File{Tokens: pieces, EOSID: int32(len(pieces) - 1)})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func smallVocab(t *testing.T) *vocab.Vocabulary {
	return newVocab(t, "{", "}", `"a"`, ":", "1", "<eos>")
}

func prefixVocab(t *testing.T) *vocab.Vocabulary {
	return newVocab(t, "{", "}", `"a"`, ":", "1", "[", "]", " {", "x", `{"a":1}`, "<eos>")
}

func TestMaskFor(t *testing.T) {
	if diff := cmp.Diff(Mask{Allowed: []int32{1, 2}}, maskFor([]int32{1, 2}, 10)); diff != "" {
		t.Errorf("inclusion mismatch (-want +got):\n%s", diff)
	}

	got := maskFor([]int32{0, 1, 2, 4, 5, 6, 7}, 10)
	if diff := cmp.Diff(Mask{All: true, Disallowed: []int32{3, 8, 9}}, got); diff != "" {
		t.Errorf("exclusion mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{0, 1, 2, 4, 5, 6, 7}, got.Resolve(10)); diff != "" {
		t.Errorf("resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestIntersect(t *testing.T) {
	cases := []struct {
		name  string
		masks []Mask
		want  Mask
	}{
		{"none", nil, Mask{All: true}},
		{"all", []Mask{{All: true}, {All: true}}, Mask{All: true}},
		{
			"inclusion and exclusion",
			[]Mask{{Allowed: []int32{1, 2, 3}}, {All: true, Disallowed: []int32{2}}},
			Mask{Allowed: []int32{1, 3}, Disallowed: []int32{2}},
		},
		{
			"two inclusions",
			[]Mask{{Allowed: []int32{1, 2, 5}}, {Allowed: []int32{2, 5, 7}}},
			Mask{Allowed: []int32{2, 5}},
		},
		{
			"two exclusions",
			[]Mask{{All: true, Disallowed: []int32{4}}, {All: true, Disallowed: []int32{1, 4, 9}}},
			Mask{All: true, Disallowed: []int32{1, 4, 9}},
		},
		{
			"disjoint",
			[]Mask{{Allowed: []int32{1}}, {Allowed: []int32{2}}},
			Mask{Allowed: []int32{}},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := Intersect(tt.masks...)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if !Intersect(Mask{Allowed: []int32{1}}, Mask{Allowed: []int32{2}}).Exhausted() {
		t.Error("disjoint masks should be exhausted")
	}
}

func TestPermits(t *testing.T) {
	m := Mask{All: true, Disallowed: []int32{1}}
	if m.Permits(1) || !m.Permits(0) || !m.Permits(7) {
		t.Errorf("exclusion mask permits the wrong tokens")
	}

	m = Mask{Allowed: []int32{2, 4}, Disallowed: []int32{4}}
	if !m.Permits(2) || m.Permits(4) || m.Permits(3) {
		t.Errorf("inclusion mask permits the wrong tokens")
	}
	if diff := cmp.Diff([]int32{2}, m.Resolve(10)); diff != "" {
		t.Errorf("resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestPrefixFilter(t *testing.T) {
	v := prefixVocab(t)
	f := NewPrefixFilter(v, "[", "{")
	if f.Background() {
		t.Error("prefix filter is cheap and runs inline")
	}

	m, err := f.Next()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Mask{Allowed: []int32{0, 5, 9}}, m); diff != "" {
		t.Errorf("initial mask mismatch (-want +got):\n%s", diff)
	}

	if err := f.Feed(0); err != nil {
		t.Fatal(err)
	}
	if m, _ := f.Next(); !m.All || len(m.Disallowed) != 0 {
		t.Errorf("expected no restriction after a matched prefix, got %+v", m)
	}

	f.Begin("")
	if err := f.Feed(8); err != nil {
		t.Fatal(err)
	}
	if m, _ := f.Next(); !m.All {
		t.Errorf("expected no restriction after diverging, got %+v", m)
	}

	f.Begin("")
	if m, _ := f.Next(); m.All {
		t.Error("Begin should reset the filter")
	}
}

func TestPrefixFilterMultiRune(t *testing.T) {
	v := prefixVocab(t)
	f := NewPrefixFilter(v, `{"a"`)

	steps := []struct {
		feed int32
		want []int32
	}{
		{-1, []int32{0, 9}},
		{0, []int32{2}},
	}
	for _, step := range steps {
		if step.feed >= 0 {
			if err := f.Feed(step.feed); err != nil {
				t.Fatal(err)
			}
		}
		m, err := f.Next()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(Mask{Allowed: step.want}, m); diff != "" {
			t.Errorf("after %d mismatch (-want +got):\n%s", step.feed, diff)
		}
	}

	if err := f.Feed(2); err != nil {
		t.Fatal(err)
	}
	if m, _ := f.Next(); !m.All {
		t.Errorf("expected no restriction once the prefix is complete, got %+v", m)
	}

	var unknown *vocab.UnknownTokenError
	if err := f.Feed(42); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownTokenError, got %v", err)
	}
}

func TestRegistryEndToEnd(t *testing.T) {
	r := NewRegistry(smallVocab(t))
	if !r.AddJSONSchema(objectSchema) {
		t.Fatal("expected schema to attach")
	}
	if r.Len() != 2 {
		t.Fatalf("expected enforcer and prefix filters, got %d", r.Len())
	}
	if !r.Background() {
		t.Error("enforcer filters run in the background")
	}

	r.Begin("")
	steps := []struct {
		feed int32
		want []int32
	}{
		{-1, []int32{0}},
		{0, []int32{2}},
		{2, []int32{3}},
		{3, []int32{4}},
		{4, []int32{1, 4}},
		{1, []int32{5}},
		{5, []int32{}},
	}
	for _, step := range steps {
		if step.feed >= 0 {
			if err := r.Feed(step.feed); err != nil {
				t.Fatal(err)
			}
		}
		m, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(step.want, m.Resolve(6)); diff != "" {
			t.Errorf("after %d mismatch (-want +got):\n%s", step.feed, diff)
		}
	}

	m, _ := r.Next()
	if !m.Exhausted() {
		t.Errorf("expected exhausted mask after end of sequence, got %+v", m)
	}
}

func TestPrefixNarrowing(t *testing.T) {
	v := prefixVocab(t)

	res := JSONSchema(v, objectSchema)
	if res.Err != nil {
		t.Fatal(res.Err)
	}

	alone, err := res.Filters[0].Next()
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(v)
	r.AddJSONSchema(objectSchema)
	combined, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range combined.Resolve(v.Size()) {
		if !alone.Permits(id) {
			t.Errorf("prefix filter widened the mask with %d", id)
		}
	}
	if combined.Permits(7) {
		t.Error("leading whitespace should be excluded by the prefix filter")
	}
}

func TestStringSchemaHasNoPrefixFilter(t *testing.T) {
	res := JSONSchema(smallVocab(t), `{"type":"string"}`)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if len(res.Filters) != 1 {
		t.Errorf("expected a single filter, got %d", len(res.Filters))
	}
}

func TestStateFilter(t *testing.T) {
	res := Grammar(smallVocab(t), `root = "{" "}" .`)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	f := res.Filters[0]

	steps := []struct {
		feed int32
		want []int32
	}{
		{-1, []int32{0}},
		{0, []int32{1}},
		{1, []int32{5}},
		{1, []int32{}},
	}
	for _, step := range steps {
		if step.feed >= 0 {
			if err := f.Feed(step.feed); err != nil {
				t.Fatal(err)
			}
		}
		m, err := f.Next()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(step.want, m.Resolve(6)); diff != "" {
			t.Errorf("after %d mismatch (-want +got):\n%s", step.feed, diff)
		}
	}

	f.Begin("")
	m, _ := f.Next()
	if diff := cmp.Diff([]int32{0}, m.Resolve(6)); diff != "" {
		t.Errorf("Begin should reset the state (-want +got):\n%s", diff)
	}
}

func TestExclusionMask(t *testing.T) {
	res := Regex(smallVocab(t), `[^}]*`)
	if res.Err != nil {
		t.Fatal(res.Err)
	}

	m, err := res.Filters[0].Next()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Mask{All: true, Disallowed: []int32{1}}, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGracefulDegradation(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	r := NewRegistry(smallVocab(t))
	if r.AddRegex(`(`) {
		t.Error("malformed regex should not attach")
	}
	if r.AddJSONSchema(`{"type":"strng"}`) {
		t.Error("malformed schema should not attach")
	}
	if r.AddGrammar(`root = undefined .`) {
		t.Error("malformed grammar should not attach")
	}
	if r.Len() != 0 {
		t.Fatalf("expected no filters, got %d", r.Len())
	}

	m, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !m.All || len(m.Disallowed) != 0 {
		t.Errorf("a registry without filters permits everything, got %+v", m)
	}

	if !r.AddRegex(`1+`) {
		t.Fatal("expected regex to attach")
	}
	if r.Len() != 1 {
		t.Errorf("expected one filter, got %d", r.Len())
	}

	out := buf.String()
	for _, want := range []string{"skipping constraint", "kind=regex", "kind=json_schema", "kind=cfg", "trace=", "request=" + r.ID} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output:\n%s", want, out)
		}
	}
}

func TestRegistryFeedUnknown(t *testing.T) {
	r := NewRegistry(smallVocab(t))
	r.AddRegex(`1+`)
	r.AddGrammar(`root = "1" { "1" } .`)
	r.Begin("")

	var unknown *vocab.UnknownTokenError
	if err := r.Feed(99); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownTokenError, got %v", err)
	}
}

func TestCompiledIsShared(t *testing.T) {
	v := smallVocab(t)
	enforcerOf := func() any {
		res := JSONSchema(v, objectSchema)
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		return res.Filters[0].(*SequenceFilter).enforcer
	}

	first := enforcerOf()
	if enforcerOf() != first {
		t.Error("expected the same grammar to reuse its enforcer")
	}

	Purge()
	if enforcerOf() == first {
		t.Error("expected Purge to drop compiled grammars")
	}
}

func TestAttachedFilterSurvivesLaterFailure(t *testing.T) {
	r := NewRegistry(smallVocab(t))
	if !r.AddRegex(`1+`) {
		t.Fatal("expected regex to attach")
	}
	if r.AddJSONSchema(`{"type":"strng"}`) {
		t.Fatal("malformed schema should not attach")
	}
	if r.Len() != 1 {
		t.Fatalf("expected the regex filter alone, got %d filters", r.Len())
	}

	r.Begin("")
	steps := []struct {
		feed int32
		want []int32
	}{
		{-1, []int32{4}},
		{4, []int32{4, 5}},
		{4, []int32{4, 5}},
		{0, []int32{}},
	}
	for _, step := range steps {
		if step.feed >= 0 {
			if err := r.Feed(step.feed); err != nil {
				t.Fatal(err)
			}
		}
		m, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(step.want, m.Resolve(6)); diff != "" {
			t.Errorf("after %d mismatch (-want +got):\n%s", step.feed, diff)
		}
	}
}

func TestCompiledKeyIncludesCacheSize(t *testing.T) {
	v := smallVocab(t)
	enforcerOf := func(opts ...enforcer.Option) *enforcer.Enforcer {
		res := Regex(v, `1+`, opts...)
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		return res.Filters[0].(*SequenceFilter).enforcer
	}

	small := enforcerOf(enforcer.WithCacheSize(2))
	large := enforcerOf(enforcer.WithCacheSize(64))
	if small == large {
		t.Fatal("different cache sizes must not share an enforcer")
	}
	if small.CacheSize() != 2 || large.CacheSize() != 64 {
		t.Errorf("unexpected cache sizes %d and %d", small.CacheSize(), large.CacheSize())
	}
	if enforcerOf(enforcer.WithCacheSize(2)) != small {
		t.Error("the same cache size should reuse its enforcer")
	}
}

// Sequence replay and carried state must agree for every grammar kind.
func TestSequenceAndStateFiltersAgree(t *testing.T) {
	v := smallVocab(t)

	cases := []struct {
		name  string
		build func() (grammar.Parser, error)
		seq   []int32
	}{
		{"regex", func() (grammar.Parser, error) { return grammar.Regex(`\{1+\}`) }, []int32{0, 4, 4, 1}},
		{"json schema", func() (grammar.Parser, error) { return grammar.JSONSchema(objectSchema) }, []int32{0, 2, 3, 4, 1}},
		{"cfg", func() (grammar.Parser, error) { return grammar.EBNF(`root = "{" { "1" } "}" .`, "") }, []int32{0, 4, 1}},
		{"rejected", func() (grammar.Parser, error) { return grammar.Regex(`1`) }, []int32{0, 4}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.build()
			if err != nil {
				t.Fatal(err)
			}
			e := enforcer.New(v, p)

			seq, state := NewSequenceFilter(e), NewStateFilter(e)
			for i := 0; i <= len(tt.seq); i++ {
				want, err := seq.Next()
				if err != nil {
					t.Fatal(err)
				}
				got, err := state.Next()
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("after %v mismatch (-sequence +state):\n%s", tt.seq[:i], diff)
				}

				if i < len(tt.seq) {
					if err := seq.Feed(tt.seq[i]); err != nil {
						t.Fatal(err)
					}
					if err := state.Feed(tt.seq[i]); err != nil {
						t.Fatal(err)
					}
				}
			}
		})
	}
}
