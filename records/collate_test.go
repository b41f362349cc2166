package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mila-iqia/COVI-ML/ctt"
)

func collateHParams() ctt.HParams {
	h := ctt.DefaultHParams()
	h.NumHealthHistoryFeatures = 5
	h.NumHealthProfileFeatures = 4
	h.MessageDim = 3
	h.NumEncounterPartnerIDBits = 4
	return h
}

func TestCollateShapesAndPadding(t *testing.T) {
	h := collateHParams()

	withEncounters := validRecord()
	withEncounters.Encounters = append(withEncounters.Encounters, Encounter{
		Day:       10,
		Duration:  1,
		PartnerID: []float32{0, 1, 0, 1},
		Health:    []float32{0, 0, 0, 1, 0},
		Message:   []float32{0, 0.25, 0},
	})
	without := validRecord()
	without.HumanIdx = 4
	without.Encounters = nil

	in, err := Collate([]HumanDay{withEncounters, without}, h, DefaultCollateOptions())
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 5}, in.HealthHistory.Shape)
	assert.Equal(t, []int{2, 4}, in.HealthProfile.Shape)
	assert.Equal(t, []int{2, 2, 5}, in.EncounterHealth.Shape)
	assert.Equal(t, []int{2, 2, 3}, in.EncounterMessage.Shape)
	assert.Equal(t, []int{2, 2}, in.Mask.Shape)

	// Record 0 fills both slots; record 1 is all padding.
	assert.Equal(t, float32(1), in.Mask.At2(0, 0))
	assert.Equal(t, float32(1), in.Mask.At2(0, 1))
	assert.Equal(t, float32(0), in.Mask.At2(1, 0))
	assert.Equal(t, float32(0), in.Mask.At2(1, 1))

	for mi := 0; mi < 2; mi++ {
		for ci := 0; ci < 5; ci++ {
			assert.Equal(t, float32(0), in.EncounterHealth.At3(1, mi, ci))
		}
	}

	assert.Equal(t, float32(1), in.HealthHistory.At3(0, 0, 0))
	assert.Equal(t, float32(0.25), in.EncounterMessage.At3(0, 1, 1))
	assert.Equal(t, []float32{0, 1, 0, 1, 0, 1, 0, 1}, in.HealthProfile.Data)
}

func TestCollateRelativeDays(t *testing.T) {
	rec := validRecord() // DayIdx 10, history days [8, 9, 10], encounter on day 9

	in, err := Collate([]HumanDay{rec}, collateHParams(), DefaultCollateOptions())
	require.NoError(t, err)

	assert.Equal(t, float32(-2), in.HistoryDays.At3(0, 0, 0))
	assert.Equal(t, float32(-1), in.HistoryDays.At3(0, 1, 0))
	assert.Equal(t, float32(0), in.HistoryDays.At3(0, 2, 0))
	assert.Equal(t, float32(-1), in.EncounterDay.At3(0, 0, 0))
}

func TestCollateAbsoluteDays(t *testing.T) {
	rec := validRecord()

	in, err := Collate([]HumanDay{rec}, collateHParams(), CollateOptions{})
	require.NoError(t, err)

	assert.Equal(t, float32(8), in.HistoryDays.At3(0, 0, 0))
	assert.Equal(t, float32(9), in.EncounterDay.At3(0, 0, 0))
}

func TestCollateClipsHistoryDays(t *testing.T) {
	rec := validRecord()
	rec.DayIdx = 1
	rec.HistoryDays = []float32{-1, 0, 1} // the window predates day 0

	opts := CollateOptions{RelativeDays: true, ClipHistoryDays: true}
	in, err := Collate([]HumanDay{rec}, collateHParams(), opts)
	require.NoError(t, err)

	// -1 - 1 = -2 clips to the earliest representable day, -DayIdx.
	assert.Equal(t, float32(-1), in.HistoryDays.At3(0, 0, 0))
	assert.Equal(t, float32(-1), in.HistoryDays.At3(0, 1, 0))
	assert.Equal(t, float32(0), in.HistoryDays.At3(0, 2, 0))
}

func TestCollateErrors(t *testing.T) {
	h := collateHParams()

	_, err := Collate(nil, h, DefaultCollateOptions())
	assert.ErrorContains(t, err, "empty batch")

	short := validRecord()
	short.HealthHistory = short.HealthHistory[:2]
	short.HistoryDays = short.HistoryDays[:2]
	short.ValidHistoryMask = short.ValidHistoryMask[:2]
	_, err = Collate([]HumanDay{validRecord(), short}, h, DefaultCollateOptions())
	assert.ErrorContains(t, err, "window length")

	wrongProfile := validRecord()
	wrongProfile.HealthProfile = []float32{1}
	_, err = Collate([]HumanDay{wrongProfile}, h, DefaultCollateOptions())
	assert.ErrorContains(t, err, "profile channels")

	wrongMessage := validRecord()
	wrongMessage.Encounters[0].Message = []float32{1, 2, 3, 4}
	_, err = Collate([]HumanDay{wrongMessage}, h, DefaultCollateOptions())
	assert.ErrorContains(t, err, "message bits")

	invalid := validRecord()
	invalid.HealthHistory = nil
	_, err = Collate([]HumanDay{invalid}, h, DefaultCollateOptions())
	assert.Error(t, err)
}
