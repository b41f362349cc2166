package inference

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mila-iqia/COVI-ML/ctt"
	"github.com/mila-iqia/COVI-ML/records"
	"github.com/mila-iqia/COVI-ML/safetensors"
	"github.com/mila-iqia/COVI-ML/tensor"
)

func testHParams() ctt.HParams {
	h := ctt.DefaultHParams()
	h.Capacity = 8
	h.NumHealthHistoryFeatures = 5
	h.HealthHistoryEmbeddingDim = 6
	h.NumHealthProfileFeatures = 4
	h.HealthProfileEmbeddingDim = 4
	h.TimeEmbeddingDim = 4
	h.NumTimestamps = 8
	h.EncounterDurationEmbeddingDim = 4
	h.NumEncounterPartnerIDBits = 4
	h.EncounterPartnerIDEmbeddingDim = 4
	h.MessageDim = 3
	h.MessageEmbeddingDim = 8
	h.NumHeads = 2
	h.SABCapacity = 8
	h.NumSABs = 2
	return h
}

// writeModelDir initializes a model and writes it out the way covi-init does.
func writeModelDir(t *testing.T, h ctt.HParams) string {
	dir := t.TempDir()

	model, err := ctt.NewModel(h, 42)
	require.NoError(t, err)
	require.NoError(t, h.Save(filepath.Join(dir, ConfigFile)))
	require.NoError(t, safetensors.Save(filepath.Join(dir, WeightsFile), model.ParamTensors()))
	return dir
}

func testRecord(humanIdx, dayIdx, numEncounters int) records.HumanDay {
	rec := records.HumanDay{
		HumanIdx: humanIdx,
		DayIdx:   dayIdx,
		HealthHistory: [][]float32{
			{1, 0, 0, 0, 0},
			{0, 1, 0, 0, 0},
			{0, 0, 1, 0, 0},
		},
		HealthProfile:    []float32{0, 1, 0, 1},
		HistoryDays:      []float32{float32(dayIdx - 2), float32(dayIdx - 1), float32(dayIdx)},
		ValidHistoryMask: []float32{1, 1, 1},
	}
	for i := 0; i < numEncounters; i++ {
		rec.Encounters = append(rec.Encounters, records.Encounter{
			Day:       float32(dayIdx - i%3),
			Duration:  float32(i + 1),
			PartnerID: []float32{1, 0, float32(i % 2), 0},
			Health:    []float32{0, 0, 0, 1, 0},
			Message:   []float32{0.5, 0, float32(i) / 4},
		})
	}
	return rec
}

func TestEngineEndToEnd(t *testing.T) {
	h := testHParams()
	engine, err := NewEngine(writeModelDir(t, h), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, h, engine.HParams())

	res, err := engine.Infer(context.Background(), testRecord(3, 10, 2))
	require.NoError(t, err)

	assert.Equal(t, 3, res.HumanIdx)
	assert.Equal(t, 10, res.DayIdx)
	require.Len(t, res.ContagionProba, 2)
	require.Len(t, res.Infectiousness, 3)
	for _, p := range res.ContagionProba {
		assert.True(t, p >= 0 && p <= 1, "probability %v out of range", p)
	}
}

func TestEngineDeterministicAcrossLoads(t *testing.T) {
	h := testHParams()
	dir := writeModelDir(t, h)
	rec := testRecord(1, 5, 3)

	a, err := NewEngine(dir, DefaultOptions())
	require.NoError(t, err)
	b, err := NewEngine(dir, Options{Collate: records.DefaultCollateOptions()})
	require.NoError(t, err)

	resA, err := a.Infer(context.Background(), rec)
	require.NoError(t, err)
	resB, err := b.Infer(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, resA, resB)
}

func TestInferBatchMixedEncounterCounts(t *testing.T) {
	engine, err := NewEngine(writeModelDir(t, testHParams()), DefaultOptions())
	require.NoError(t, err)

	recs := []records.HumanDay{
		testRecord(1, 5, 2),
		testRecord(2, 5, 0),
		testRecord(3, 5, 4),
	}
	results, err := engine.InferBatch(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Len(t, results[0].ContagionProba, 2)
	assert.Empty(t, results[1].ContagionProba)
	assert.Len(t, results[2].ContagionProba, 4)
	for _, res := range results {
		assert.Len(t, res.Infectiousness, 3)
	}
}

// Batch padding must not change a record's results: running a record alone
// and inside a batch with larger encounter counts gives identical numbers.
func TestBatchingInvariance(t *testing.T) {
	engine, err := NewEngine(writeModelDir(t, testHParams()), Options{Collate: records.DefaultCollateOptions()})
	require.NoError(t, err)
	ctx := context.Background()

	small := testRecord(1, 5, 1)
	alone, err := engine.InferBatch(ctx, []records.HumanDay{small})
	require.NoError(t, err)

	batched, err := engine.InferBatch(ctx, []records.HumanDay{testRecord(2, 5, 4), small})
	require.NoError(t, err)

	assert.Equal(t, alone[0].ContagionProba, batched[1].ContagionProba)
	assert.Equal(t, alone[0].Infectiousness, batched[1].Infectiousness)
}

func TestInferCaches(t *testing.T) {
	engine, err := NewEngine(writeModelDir(t, testHParams()), DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, engine.cache)
	ctx := context.Background()

	rec := testRecord(1, 5, 2)
	first, err := engine.Infer(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len())

	second, err := engine.Infer(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestInferNoCache(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheSize = 0
	engine, err := NewEngine(writeModelDir(t, testHParams()), opts)
	require.NoError(t, err)
	assert.Nil(t, engine.cache)

	_, err = engine.Infer(context.Background(), testRecord(1, 5, 1))
	assert.NoError(t, err)
}

func TestInferBatchHonorsContext(t *testing.T) {
	engine, err := NewEngine(writeModelDir(t, testHParams()), DefaultOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.InferBatch(ctx, []records.HumanDay{testRecord(1, 5, 1)})
	assert.Error(t, err)
}

func TestNewEngineErrors(t *testing.T) {
	_, err := NewEngine(filepath.Join(t.TempDir(), "missing"), DefaultOptions())
	assert.Error(t, err)

	// A weights file missing tensors must be rejected at load time.
	h := testHParams()
	dir := t.TempDir()
	model, err := ctt.NewModel(h, 42)
	require.NoError(t, err)
	require.NoError(t, h.Save(filepath.Join(dir, ConfigFile)))

	partial := map[string]*tensor.Tensor{}
	for name, p := range model.ParamTensors() {
		if name != "message_placeholder" {
			partial[name] = p
		}
	}
	require.NoError(t, safetensors.Save(filepath.Join(dir, WeightsFile), partial))

	_, err = NewEngine(dir, DefaultOptions())
	assert.ErrorContains(t, err, "missing parameter")
}

func TestInferBatchRejectsMismatchedRecords(t *testing.T) {
	engine, err := NewEngine(writeModelDir(t, testHParams()), DefaultOptions())
	require.NoError(t, err)

	bad := testRecord(1, 5, 1)
	bad.HealthProfile = []float32{1}
	_, err = engine.InferBatch(context.Background(), []records.HumanDay{bad})
	assert.Error(t, err)
}
