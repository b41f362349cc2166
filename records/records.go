// Package records defines the per-human-day observation records consumed by
// the contact tracing transformer, and the collation of variable-size
// batches of them into fixed-shape model inputs.
package records

import (
	"github.com/pkg/errors"
)

// Channel layout of the raw feature vectors. Slicing helpers below give the
// named views used by the simulator and the training stack.
const (
	NumSymptomChannels    = 12
	NumTestResultChannels = 1

	NumAgeChannels                  = 8
	NumSexChannels                  = 1
	NumPreexistingConditionChannels = 5
)

// Encounter is one reported contact event.
type Encounter struct {
	// Day is the day stamp of the encounter; absolute in stored records,
	// made relative (today = 0) during collation.
	Day float32 `json:"day"`

	// Duration is a proxy for the encounter duration (in practice, the
	// number of aggregated contacts).
	Duration float32 `json:"duration"`

	// PartnerID is the bit-encoded anonymous id of the encounter partner.
	PartnerID []float32 `json:"partner_id"`

	// Health is the individual's health channels at encounter time, with
	// the same layout as one HealthHistory row.
	Health []float32 `json:"health"`

	// Message is the risk message received from the partner.
	Message []float32 `json:"message"`
}

// HumanDay is the full observation record of one individual on one day: the
// rolling health-history window plus every encounter reported in it.
type HumanDay struct {
	HumanIdx int `json:"human_idx"`
	DayIdx   int `json:"day_idx"`

	// HealthHistory is a [T][C_hh] window of per-day symptom/test channels,
	// newest day first.
	HealthHistory [][]float32 `json:"health_history"`

	// HealthProfile holds the age/sex/preexisting-condition channels.
	HealthProfile []float32 `json:"health_profile"`

	// HistoryDays is the day stamp of each history row.
	HistoryDays []float32 `json:"history_days"`

	// ValidHistoryMask is 1 where the history row is real and 0 where the
	// window extends past the start of records.
	ValidHistoryMask []float32 `json:"valid_history_mask"`

	Encounters []Encounter `json:"encounters"`
}

// ReportedSymptoms returns the symptom channels of a health row.
func ReportedSymptoms(health []float32) []float32 {
	return health[:NumSymptomChannels]
}

// TestResults returns the test-result channels of a health row.
func TestResults(health []float32) []float32 {
	return health[NumSymptomChannels : NumSymptomChannels+NumTestResultChannels]
}

// Age returns the bit-encoded age channels of a health profile.
func Age(profile []float32) []float32 {
	return profile[:NumAgeChannels]
}

// Sex returns the sex channel of a health profile.
func Sex(profile []float32) []float32 {
	return profile[NumAgeChannels : NumAgeChannels+NumSexChannels]
}

// PreexistingConditions returns the preexisting-condition channels of a
// health profile.
func PreexistingConditions(profile []float32) []float32 {
	from := NumAgeChannels + NumSexChannels
	return profile[from : from+NumPreexistingConditionChannels]
}

// Validate checks internal consistency of the record: equal history window
// lengths across fields and equal channel widths across rows and encounters.
func (r HumanDay) Validate() error {
	t := len(r.HealthHistory)
	if t == 0 {
		return errors.Errorf("record %d-%d: empty health history", r.DayIdx, r.HumanIdx)
	}
	if len(r.HistoryDays) != t || len(r.ValidHistoryMask) != t {
		return errors.Errorf("record %d-%d: history fields disagree on window length (%d, %d, %d)",
			r.DayIdx, r.HumanIdx, t, len(r.HistoryDays), len(r.ValidHistoryMask))
	}

	healthWidth := len(r.HealthHistory[0])
	for i, row := range r.HealthHistory {
		if len(row) != healthWidth {
			return errors.Errorf("record %d-%d: health history row %d has %d channels, want %d",
				r.DayIdx, r.HumanIdx, i, len(row), healthWidth)
		}
	}

	for i, enc := range r.Encounters {
		if len(enc.Health) != healthWidth {
			return errors.Errorf("record %d-%d: encounter %d has %d health channels, want %d",
				r.DayIdx, r.HumanIdx, i, len(enc.Health), healthWidth)
		}
		if len(enc.Message) != len(r.Encounters[0].Message) {
			return errors.Errorf("record %d-%d: encounter %d has %d message channels, want %d",
				r.DayIdx, r.HumanIdx, i, len(enc.Message), len(r.Encounters[0].Message))
		}
		if len(enc.PartnerID) != len(r.Encounters[0].PartnerID) {
			return errors.Errorf("record %d-%d: encounter %d has %d partner id bits, want %d",
				r.DayIdx, r.HumanIdx, i, len(enc.PartnerID), len(r.Encounters[0].PartnerID))
		}
	}
	return nil
}
