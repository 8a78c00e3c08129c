package sample

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/enforcer/filter"
)

func TestWeighted(t *testing.T) {
	idx, err := Weighted(nil).Sample([]float32{float32(math.Inf(-1)), 2, float32(math.Inf(-1)), float32(math.Inf(-1))})
	if err != nil {
		t.Error(err)
		return
	}
	want := int32(1)
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	idx, err = Weighted(nil).Sample([]float32{float32(math.Inf(-1)), float32(math.Inf(-1)), float32(math.Inf(-1))})
	if err == nil {
		t.Error("expected error for no valid tokens, got index", idx)
	}

	draw := func() []int32 {
		seed := int64(42)
		s := Weighted(&seed)
		var out []int32
		for range 16 {
			idx, err := s.Sample([]float32{1, 2, 3, 4})
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, idx)
		}
		return out
	}
	if diff := cmp.Diff(draw(), draw()); diff != "" {
		t.Errorf("seeded samples should repeat (-first +second):\n%s", diff)
	}
}

func TestSample(t *testing.T) {
	input := []float32{1, 2, 3, 4}

	var callOrder []int
	mock1 := &testTransform{
		id:        1,
		callOrder: &callOrder,
	}
	mock2 := &testTransform{
		id:        2,
		callOrder: &callOrder,
	}
	mock3 := &testTransform{
		id:        3,
		callOrder: &callOrder,
	}

	got, err := Greedy(mock1, mock2).Sample(input, mock3)
	if err != nil {
		t.Error(err)
		return
	}

	want := int32(3) // Greedy sampler should pick highest logit
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sampled index mismatch (-want +got):\n%s", diff)
	}
	wantOrder := []int{3, 1, 2}
	if diff := cmp.Diff(wantOrder, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	callOrder = nil

	_, err = Weighted(nil, mock1, mock2, mock3).Sample(input)
	if err != nil {
		t.Error(err)
		return
	}
	wantOrder = []int{1, 2, 3}
	if diff := cmp.Diff(wantOrder, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	errMock := &testTransform{
		returnErr: fmt.Errorf("mock error"),
	}
	_, err = Weighted(nil, mock1, errMock, mock2).Sample(input)
	if err == nil {
		t.Error("Expected error from sampler")
	}
}

type testTransform struct {
	id        int
	callOrder *[]int
	returnErr error
}

func (ts *testTransform) Apply(logits []float64) ([]float64, error) {
	if ts.callOrder != nil {
		*ts.callOrder = append(*ts.callOrder, ts.id)
	}
	if ts.returnErr != nil {
		return nil, ts.returnErr
	}
	return logits, nil
}

func TestTransforms(t *testing.T) {
	inf := math.Inf(-1)
	cases := []struct {
		name      string
		transform Transform
		input     []float64
		want      []float64
	}{
		{"temperature", Temperature(0.5), []float64{1, 4, -2, 0}, []float64{-6, 0, -12, -8}},
		{"top k", TopK(2), []float64{1, 4, -2, 3}, []float64{inf, 4, inf, 3}},
		{"top k wide", TopK(10), []float64{1, 4}, []float64{1, 4}},
		{"top p", TopP(0.5), []float64{1, 4, -2, 0}, []float64{inf, 4, inf, inf}},
		{"min p", MinP(0.2), []float64{1, 4, -2, 3}, []float64{inf, 4, inf, 3}},
		{
			"constrain inclusion",
			Constrain(filter.Mask{Allowed: []int32{0, 2}}),
			[]float64{1, 2, 3, 4},
			[]float64{1, inf, 3, inf},
		},
		{
			"constrain exclusion",
			Constrain(filter.Mask{All: true, Disallowed: []int32{3}}),
			[]float64{1, 2, 3, 4},
			[]float64{1, 2, 3, inf},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.transform.Apply(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransformErrors(t *testing.T) {
	for _, tt := range []Transform{Temperature(0), Temperature(3), TopK(0), TopP(0), TopP(1), MinP(-1)} {
		if _, err := tt.Apply([]float64{1, 2}); err == nil {
			t.Errorf("%T(%v): expected error", tt, tt)
		}
	}
}

func TestGreedyConstrained(t *testing.T) {
	got, err := Greedy().Sample([]float32{1, 9, 3, 4}, Constrain(filter.Mask{Allowed: []int32{0, 2}}))
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("expected the best permitted token, got %d", got)
	}

	if _, err := Greedy().Sample([]float32{1, 2}, Constrain(filter.Mask{Allowed: []int32{}})); err == nil {
		t.Error("expected error when nothing is permitted")
	}
}

func TestNew(t *testing.T) {
	seed := int64(3)
	cases := []struct {
		name     string
		settings Settings
		greedy   bool
		wantErr  bool
	}{
		{"zero is greedy", Settings{}, true, false},
		{"greedy with top k", Settings{TopK: 2}, true, false},
		{"weighted", Settings{Temperature: 0.7, TopK: 40, TopP: 0.9, MinP: 0.05, Seed: &seed}, false, false},
		{"temperature too high", Settings{Temperature: 2.5}, false, true},
		{"top p out of range", Settings{Temperature: 1, TopP: 1}, false, true},
		{"min p out of range", Settings{Temperature: 1, MinP: 1.2}, false, true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.settings)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			_, isGreedy := s.(greedy)
			if isGreedy != tt.greedy {
				t.Errorf("expected greedy %v, got %T", tt.greedy, s)
			}

			got, err := s.Sample([]float32{1, 8, 2, 3})
			if err != nil {
				t.Fatal(err)
			}
			if got != 1 {
				t.Errorf("expected the dominant token, got %d", got)
			}
		})
	}
}

func TestTopKTies(t *testing.T) {
	inf := math.Inf(-1)
	got, err := TopK(2).Apply([]float64{5, 5, 5, 1})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{5, 5, inf, inf}, got); diff != "" {
		t.Errorf("ties should keep the lowest ids (-want +got):\n%s", diff)
	}
}
