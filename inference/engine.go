// Package inference wraps a trained contact tracing transformer for
// serving: it loads a model directory (hyperparameters + weights), collates
// raw records into batches, runs the forward pass and post-processes the
// outputs into contagion probabilities and infectiousness estimates.
package inference

import (
	"context"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/mila-iqia/COVI-ML/ctt"
	"github.com/mila-iqia/COVI-ML/records"
	"github.com/mila-iqia/COVI-ML/safetensors"
	"github.com/mila-iqia/COVI-ML/tensor"
)

// File names inside a model directory.
const (
	ConfigFile  = "config.json"
	WeightsFile = "weights.safetensors"
)

// Options configures an engine.
type Options struct {
	// CacheSize bounds the result cache; 0 disables caching. Cached results
	// are keyed by (human_idx, day_idx), so callers that mutate a stored
	// record for an existing key must not enable the cache.
	CacheSize int

	Collate records.CollateOptions
}

// DefaultOptions matches the reference inference configuration.
func DefaultOptions() Options {
	return Options{
		CacheSize: 1024,
		Collate:   records.DefaultCollateOptions(),
	}
}

// Result is the per-record outcome of an inference call.
type Result struct {
	HumanIdx int `json:"human_idx"`
	DayIdx   int `json:"day_idx"`

	// ContagionProba holds, per reported encounter, the sigmoid of the
	// model's contagion-risk logit.
	ContagionProba []float32 `json:"contagion_proba"`

	// Infectiousness holds the model's per-day infectiousness estimate over
	// the health-history window.
	Infectiousness []float32 `json:"infectiousness"`
}

// Engine runs a loaded model over observation records. It is safe for
// concurrent use.
type Engine struct {
	hparams ctt.HParams
	model   *ctt.Model
	opts    Options
	cache   *lru.Cache // nil when caching is disabled
}

type cacheKey struct {
	humanIdx, dayIdx int
}

// NewEngine loads the model directory at dir.
func NewEngine(dir string, opts Options) (*Engine, error) {
	hparams, err := ctt.NewHParams(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load hyperparameters")
	}

	model, err := ctt.NewModel(hparams, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build model")
	}

	weights, err := safetensors.Load(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load weights")
	}
	if err := model.LoadParams(weights); err != nil {
		return nil, errors.Wrapf(err, "unable to load weights")
	}

	e := &Engine{hparams: hparams, model: model, opts: opts}
	if opts.CacheSize > 0 {
		e.cache, err = lru.New(opts.CacheSize)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to build result cache")
		}
	}
	return e, nil
}

// HParams returns the loaded model configuration.
func (e *Engine) HParams() ctt.HParams {
	return e.hparams
}

// Infer runs the model on a single record.
func (e *Engine) Infer(ctx context.Context, rec records.HumanDay) (Result, error) {
	key := cacheKey{humanIdx: rec.HumanIdx, dayIdx: rec.DayIdx}
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached.(Result), nil
		}
	}

	results, err := e.InferBatch(ctx, []records.HumanDay{rec})
	if err != nil {
		return Result{}, err
	}

	if e.cache != nil {
		e.cache.Add(key, results[0])
	}
	return results[0], nil
}

// InferBatch runs the model on a batch of records in one forward pass. The
// encounter dimension is padded across the batch; each result carries only
// its own record's encounters.
func (e *Engine) InferBatch(ctx context.Context, recs []records.HumanDay) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputs, err := records.Collate(recs, e.hparams, e.opts.Collate)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to collate records")
	}

	out, err := e.model.Forward(inputs, ctt.ForwardOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "error running model")
	}

	proba := tensor.Sigmoid(out.EncounterVariables)
	t := out.LatentVariable.Dim(1)

	results := make([]Result, 0, len(recs))
	for bi, rec := range recs {
		res := Result{
			HumanIdx:       rec.HumanIdx,
			DayIdx:         rec.DayIdx,
			ContagionProba: make([]float32, len(rec.Encounters)),
			Infectiousness: make([]float32, t),
		}
		for mi := range rec.Encounters {
			res.ContagionProba[mi] = proba.At3(bi, mi, 0)
		}
		for ti := 0; ti < t; ti++ {
			res.Infectiousness[ti] = out.LatentVariable.At3(bi, ti, 0)
		}
		results = append(results, res)
	}
	return results, nil
}
