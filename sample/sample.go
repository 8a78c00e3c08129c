// Package sample turns logits into token ids, optionally restricted by a
// filter mask.
package sample

import (
	"errors"
	"math"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

var errNoCandidates = errors.New("sample: every token was removed")

type Sampler interface {
	// Sample picks a token from logits. Extra transforms run before the
	// sampler's own.
	Sample(logits []float32, extra ...Transform) (int32, error)
}

// Settings describes a sampler the way request options usually do. Zero
// values disable TopK, TopP and MinP. A zero Temperature samples greedily.
type Settings struct {
	Temperature float64
	TopK        int
	TopP        float64
	MinP        float64
	Seed        *int64
}

// New validates s and builds the matching sampler.
func New(s Settings) (Sampler, error) {
	var chain []Transform
	if s.TopK > 0 {
		chain = append(chain, TopK(s.TopK))
	}
	if s.TopP > 0 {
		chain = append(chain, TopP(s.TopP))
	}
	if s.MinP > 0 {
		chain = append(chain, MinP(s.MinP))
	}

	if s.Temperature == 0 {
		return Greedy(chain...), nil
	}

	// fail on bad settings here rather than at the first token
	chain = append([]Transform{Temperature(s.Temperature)}, chain...)
	for _, t := range chain {
		if _, err := t.Apply([]float64{0}); err != nil {
			return nil, err
		}
	}
	return Weighted(s.Seed, chain...), nil
}

func transform(logits []float32, stages ...[]Transform) ([]float64, error) {
	if len(logits) == 0 {
		return nil, errors.New("sample: no logits")
	}

	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v)
	}

	var err error
	for _, t := range slices.Concat(stages...) {
		if out, err = t.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type greedy []Transform

// Greedy always picks the largest remaining logit.
func Greedy(transforms ...Transform) Sampler {
	return greedy(transforms)
}

func (g greedy) Sample(logits []float32, extra ...Transform) (int32, error) {
	out, err := transform(logits, extra, g)
	if err != nil {
		return -1, err
	}

	best := floats.MaxIdx(out)
	if math.IsInf(out[best], -1) {
		return -1, errNoCandidates
	}
	return int32(best), nil
}

type weighted struct {
	src        rand.Source
	transforms []Transform
}

// Weighted draws from the softmax distribution of the transformed logits.
// A nil seed uses the global source.
func Weighted(seed *int64, transforms ...Transform) Sampler {
	w := weighted{transforms: transforms}
	if seed != nil {
		w.src = rand.NewSource(uint64(*seed))
	}
	return w
}

func (w weighted) Sample(logits []float32, extra ...Transform) (int32, error) {
	out, err := transform(logits, extra, w.transforms)
	if err != nil {
		return -1, err
	}

	if math.IsInf(floats.Max(out), -1) {
		return -1, errNoCandidates
	}

	// removed tokens get zero weight
	idx, ok := sampleuv.NewWeighted(probabilities(out), w.src).Take()
	if !ok {
		return -1, errNoCandidates
	}
	return int32(idx), nil
}
