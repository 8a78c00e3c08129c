package sample

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/enforcer/filter"
)

// ErrExhausted is returned by Generate when the constraints permit no
// token and the policy is Fail.
var ErrExhausted = errors.New("sample: constraints permit no token")

// Model produces next-token logits for a token sequence.
type Model interface {
	Forward(ctx context.Context, tokens []int32) ([]float32, error)
}

// Policy decides what happens when the constraints permit no token.
type Policy int

const (
	// ForceEOS ends generation with the end of sequence token.
	ForceEOS Policy = iota
	// Fail stops generation with ErrExhausted.
	Fail
)

const defaultMaxTokens = 256

type Options struct {
	Sampler   Sampler
	MaxTokens int
	Exhausted Policy
}

// Generate samples tokens from m after prompt until end of sequence or
// MaxTokens, constrained by r. When the registry prefers it, the next mask
// is computed while the model runs its forward pass. The returned tokens
// exclude the prompt.
func Generate(ctx context.Context, m Model, r *filter.Registry, prompt []int32, opts Options) ([]int32, error) {
	sampler := opts.Sampler
	if sampler == nil {
		sampler = Greedy()
	}
	maxTokens := cmpOr(opts.MaxTokens, defaultMaxTokens)
	eos := r.Vocabulary().EOS()

	r.Begin("")

	tokens := slices.Clone(prompt)
	var out []int32
	for len(out) < maxTokens {
		logits, mask, err := step(ctx, m, r, tokens)
		if err != nil {
			return out, err
		}

		var id int32
		if len(mask.Resolve(len(logits))) == 0 {
			if opts.Exhausted == Fail {
				return out, ErrExhausted
			}
			slog.Debug("constraints exhausted, forcing end of sequence", "request", r.ID, "generated", len(out))
			id = eos
		} else if id, err = sampler.Sample(logits, Constrain(mask)); err != nil {
			return out, err
		}

		if err := r.Feed(id); err != nil {
			return out, err
		}

		out = append(out, id)
		tokens = append(tokens, id)
		if id == eos {
			break
		}
	}

	return out, nil
}

func step(ctx context.Context, m Model, r *filter.Registry, tokens []int32) (logits []float32, mask filter.Mask, err error) {
	if !r.Background() {
		if mask, err = r.Next(); err != nil {
			return nil, mask, err
		}
		logits, err = m.Forward(ctx, tokens)
		return logits, mask, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		logits, err = m.Forward(ctx, tokens)
		return err
	})
	g.Go(func() (err error) {
		mask, err = r.Next()
		return err
	})
	err = g.Wait()
	return logits, mask, err
}

func cmpOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
