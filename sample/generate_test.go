package sample

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/enforcer/filter"
	"github.com/ollama/enforcer/vocab"
)

type modelFunc func(tokens []int32) []float32

func (f modelFunc) Forward(_ context.Context, tokens []int32) ([]float32, error) {
	return f(tokens), nil
}

type failingModel struct{}

func (failingModel) Forward(context.Context, []int32) ([]float32, error) {
	return nil, errors.New("forward failed")
}

// constant always prefers the same logits regardless of context.
func constant(logits ...float32) Model {
	return modelFunc(func([]int32) []float32 { return logits })
}

func newRegistry(t *testing.T) *filter.Registry {
	t.Helper()
	v, err := vocab.New(&vocab.File{Tokens: []string{"{", "}", `"a"`, ":", "1", "<eos>"}, EOSID: 5})
	if err != nil {
		t.Fatal(err)
	}
	return filter.NewRegistry(v)
}

func TestGenerate(t *testing.T) {
	r := newRegistry(t)
	if !r.AddJSONSchema(`{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`) {
		t.Fatal("expected schema to attach")
	}

	// the model wants to stop immediately; the schema forces a full object
	got, err := Generate(context.Background(), constant(0, 0, 0, 0, 0, 10), r, []int32{3}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{0, 2, 3, 4, 1, 5}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateUnconstrained(t *testing.T) {
	got, err := Generate(context.Background(), constant(0, 0, 0, 0, 0, 10), newRegistry(t), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{5}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateMaxTokens(t *testing.T) {
	r := newRegistry(t)
	r.AddRegex(`1+`)

	got, err := Generate(context.Background(), constant(0, 0, 0, 0, 10, 0), r, nil, Options{MaxTokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{4, 4, 4}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateExhausted(t *testing.T) {
	cases := []struct {
		policy Policy
		want   []int32
		err    error
	}{
		{ForceEOS, []int32{4, 5}, nil},
		{Fail, []int32{4}, ErrExhausted},
	}

	for _, tt := range cases {
		r := newRegistry(t)
		// no piece can supply the "2"
		r.AddRegex(`12`)

		seed := int64(7)
		got, err := Generate(context.Background(), constant(1, 1, 1, 1, 1, 1), r, nil, Options{
			Sampler:   Weighted(&seed, Temperature(1)),
			Exhausted: tt.policy,
		})
		if !errors.Is(err, tt.err) {
			t.Errorf("policy %d: expected %v, got %v", tt.policy, tt.err, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("policy %d mismatch (-want +got):\n%s", tt.policy, diff)
		}
	}
}

func TestGenerateModelError(t *testing.T) {
	r := newRegistry(t)
	r.AddRegex(`1+`)

	if _, err := Generate(context.Background(), failingModel{}, r, nil, Options{}); err == nil {
		t.Error("expected the model error to surface")
	}
}
