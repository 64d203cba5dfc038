// Package tokens approximates the token cost of text for a model. Counts come from a
// BPE codec when one is available and from a character-class heuristic otherwise;
// callers never see a tokenization error.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Counter is the estimation contract used by the context window code.
type Counter interface {
	Estimate(text, model string) int
}

// CodecLoader resolves the BPE codec for a model name.
type CodecLoader func(model string) (tokenizer.Codec, error)

// FallbackObserver is notified each time the heuristic path is taken.
type FallbackObserver func(model string)

// Estimator implements Counter. The zero value is not usable; call New.
type Estimator struct {
	heuristicOnly bool
	load          CodecLoader
	onFallback    FallbackObserver

	// codecs caches tokenizer instances per model; sync.Map because the set of
	// models is small and read-mostly.
	codecs sync.Map
	warned sync.Map
}

// Option customises an Estimator.
type Option func(*Estimator)

// WithHeuristicOnly disables BPE encoding entirely.
func WithHeuristicOnly(on bool) Option {
	return func(e *Estimator) { e.heuristicOnly = on }
}

// WithCodecLoader replaces the default model to codec mapping.
func WithCodecLoader(load CodecLoader) Option {
	return func(e *Estimator) {
		if load != nil {
			e.load = load
		}
	}
}

// WithFallbackObserver registers a hook invoked on every heuristic fallback.
func WithFallbackObserver(fn FallbackObserver) Option {
	return func(e *Estimator) { e.onFallback = fn }
}

// New builds an Estimator.
func New(opts ...Option) *Estimator {
	e := &Estimator{load: DefaultCodecLoader}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate returns the approximate token count of text for model: 0 for empty
// text, at least 1 otherwise.
func (e *Estimator) Estimate(text, model string) int {
	if text == "" {
		return 0
	}
	if !e.heuristicOnly {
		n, err := e.encode(text, model)
		if err == nil {
			if n < 1 {
				n = 1
			}
			return n
		}
		e.noteFallback(model, err)
	}
	return Heuristic(text)
}

// EstimateMessages sums Estimate over texts.
func (e *Estimator) EstimateMessages(model string, texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(t, model)
	}
	return total
}

func (e *Estimator) encode(text, model string) (n int, err error) {
	codec, err := e.codec(model)
	if err != nil {
		return 0, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tokenizer panic: %v", r)
		}
	}()
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (e *Estimator) codec(model string) (tokenizer.Codec, error) {
	key := strings.ToLower(strings.TrimSpace(model))
	if cached, ok := e.codecs.Load(key); ok {
		return cached.(tokenizer.Codec), nil
	}
	codec, err := e.load(key)
	if err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, fmt.Errorf("no codec for model %q", model)
	}
	actual, _ := e.codecs.LoadOrStore(key, codec)
	return actual.(tokenizer.Codec), nil
}

func (e *Estimator) noteFallback(model string, err error) {
	if e.onFallback != nil {
		e.onFallback(model)
	}
	if _, seen := e.warned.LoadOrStore(model, struct{}{}); seen {
		return
	}
	log.WithError(err).WithField("model", model).Warn("token estimator: BPE unavailable, using character heuristic")
}

// DefaultCodecLoader maps OpenAI model families to their own encodings. Everything
// else, Gemini included, is counted with cl100k_base.
func DefaultCodecLoader(model string) (tokenizer.Codec, error) {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return tokenizer.Get(tokenizer.O200kBase)
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	default:
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
}

var defaultEstimator = New()

// Estimate counts text with the shared default Estimator.
func Estimate(text, model string) int {
	return defaultEstimator.Estimate(text, model)
}
