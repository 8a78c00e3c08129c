package sample

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/enforcer/filter"
)

// Transform rewrites a logit vector in place. Removed tokens are set to
// negative infinity.
type Transform interface {
	Apply([]float64) ([]float64, error)
}

var negInf = math.Inf(-1)

// probabilities normalizes logits with a log-sum-exp so large logits do not
// overflow.
func probabilities(logits []float64) []float64 {
	probs := slices.Clone(logits)
	floats.AddConst(-floats.LogSumExp(probs), probs)
	for i, lp := range probs {
		probs[i] = math.Exp(lp)
	}
	return probs
}

// Temperature scales logits relative to the largest one. Values below 1
// sharpen the distribution.
type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	switch {
	case t == 0:
		return nil, errors.New("temperature 0 is greedy sampling, use Greedy")
	case t < 0 || t > 2:
		return nil, errors.New("temperature must be in (0, 2]")
	}

	top := floats.Max(logits)
	if math.IsInf(top, -1) {
		return logits, nil
	}
	floats.AddConst(-top, logits)
	floats.Scale(1/float64(t), logits)
	return logits, nil
}

type candidate struct {
	index int
	logit float64
}

// weakestFirst orders the heap so its head is the candidate to evict.
func weakestFirst(a, b candidate) int {
	if c := cmp.Compare(a.logit, b.logit); c != 0 {
		return c
	}
	return cmp.Compare(b.index, a.index)
}

// TopK keeps the k largest logits. Ties go to the lower token id.
type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, errors.New("top k must be positive")
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	heap := pq.NewWith(weakestFirst)
	for i, logit := range logits {
		heap.Enqueue(candidate{index: i, logit: logit})
		if heap.Size() > int(k) {
			heap.Dequeue()
		}
	}

	kept := make(map[int]bool, int(k))
	for _, c := range heap.Values() {
		kept[c.index] = true
	}
	for i := range logits {
		if !kept[i] {
			logits[i] = negInf
		}
	}
	return logits, nil
}

// TopP keeps the smallest set of most likely tokens whose probability mass
// exceeds p.
type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("top p must be in (0, 1)")
	}

	probs := probabilities(logits)
	order := make([]int, len(probs))
	floats.Argsort(slices.Clone(probs), order)

	var mass float64
	cut := false
	for i := len(order) - 1; i >= 0; i-- {
		idx := order[i]
		if cut {
			logits[idx] = negInf
			continue
		}
		mass += probs[idx]
		cut = mass > float64(p)
	}
	return logits, nil
}

// MinP drops tokens less than p times as likely as the best one.
type MinP float64

func (p MinP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("min p must be in (0, 1)")
	}

	// compared in log space: logit - max < log(p)
	floor := floats.Max(logits) + math.Log(float64(p))
	for i, logit := range logits {
		if logit < floor {
			logits[i] = negInf
		}
	}
	return logits, nil
}

// Constrain removes every token the mask does not permit.
func Constrain(m filter.Mask) Transform {
	return constrain(m)
}

type constrain filter.Mask

func (c constrain) Apply(logits []float64) ([]float64, error) {
	mask := filter.Mask(c)
	for i := range logits {
		if !mask.Permits(int32(i)) {
			logits[i] = negInf
		}
	}
	return logits, nil
}
