package filter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ollama/enforcer/enforcer"
	"github.com/ollama/enforcer/grammar"
	"github.com/ollama/enforcer/logutil"
	"github.com/ollama/enforcer/metrics"
	"github.com/ollama/enforcer/vocab"
)

// Registry holds the filters constraining a single generation. It is not
// safe for concurrent use; the generation loop serializes calls.
type Registry struct {
	ID string

	vocab   *vocab.Vocabulary
	opts    []enforcer.Option
	filters []Filter
	logger  *slog.Logger
}

func NewRegistry(v *vocab.Vocabulary, opts ...enforcer.Option) *Registry {
	id := uuid.NewString()
	return &Registry{
		ID:     id,
		vocab:  v,
		opts:   opts,
		logger: slog.With("request", id),
	}
}

func (r *Registry) Vocabulary() *vocab.Vocabulary { return r.vocab }

// AddJSONSchema constrains output to JSON matching schema. It reports
// whether the constraint was attached; a schema that fails to compile is
// logged and skipped.
func (r *Registry) AddJSONSchema(schema any) bool {
	return r.add(grammar.KindJSONSchema, JSONSchema(r.vocab, schema, r.opts...))
}

func (r *Registry) AddRegex(pattern string) bool {
	return r.add(grammar.KindRegex, Regex(r.vocab, pattern, r.opts...))
}

func (r *Registry) AddGrammar(src string) bool {
	return r.add(grammar.KindCFG, Grammar(r.vocab, src, r.opts...))
}

func (r *Registry) add(kind grammar.Kind, res Result) bool {
	if res.Err != nil {
		r.logger.Error("skipping constraint that failed to compile",
			"kind", kind, "error", res.Err, "trace", fmt.Sprintf("%+v", res.Err))
		metrics.RecordAttachFailure(kind.String())
		return false
	}

	r.filters = append(r.filters, res.Filters...)
	r.logger.Debug("attached constraint", "kind", kind, "filters", len(res.Filters))
	return true
}

func (r *Registry) Len() int { return len(r.filters) }

func (r *Registry) Begin(prefix string) {
	for _, f := range r.filters {
		f.Begin(prefix)
	}
}

// Feed passes id to every filter, even after one of them fails.
func (r *Registry) Feed(id int32) error {
	logutil.Trace("feed", "request", r.ID, "token", id)

	var errs []error
	for _, f := range r.filters {
		if err := f.Feed(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Next intersects the masks of every filter. A registry without filters
// permits everything.
func (r *Registry) Next() (Mask, error) {
	masks := make([]Mask, 0, len(r.filters))
	for _, f := range r.filters {
		m, err := f.Next()
		if err != nil {
			return Mask{}, err
		}
		masks = append(masks, m)
	}
	return Intersect(masks...), nil
}

// Background reports whether any filter prefers to compute Next
// concurrently with the model.
func (r *Registry) Background() bool {
	for _, f := range r.filters {
		if f.Background() {
			return true
		}
	}
	return false
}
