package records

import (
	"github.com/mila-iqia/COVI-ML/ctt"
	"github.com/mila-iqia/COVI-ML/tensor"
	"github.com/pkg/errors"
)

// CollateOptions controls how raw records are turned into model inputs.
type CollateOptions struct {
	// RelativeDays rewrites day stamps so that the record's own day is 0
	// and earlier days are negative. Stored records carry absolute days.
	RelativeDays bool

	// ClipHistoryDays clamps history day stamps that predate the start of
	// records to the earliest representable day, instead of letting them
	// run arbitrarily negative.
	ClipHistoryDays bool
}

// DefaultCollateOptions matches the reference inference configuration.
func DefaultCollateOptions() CollateOptions {
	return CollateOptions{RelativeDays: true, ClipHistoryDays: false}
}

// Collate assembles a batch of records into fixed-shape model inputs. The
// encounter dimension is padded to the largest encounter count in the
// batch, with the validity mask marking real slots; a batch in which no
// record has encounters yields M = 0, which the model accepts.
//
// All records must share the history window length and the channel widths
// configured in h.
func Collate(recs []HumanDay, h ctt.HParams, opts CollateOptions) (ctt.Inputs, error) {
	if len(recs) == 0 {
		return ctt.Inputs{}, errors.Errorf("collate: empty batch")
	}

	t := len(recs[0].HealthHistory)
	var m int
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			return ctt.Inputs{}, errors.Wrapf(err, "collate: record %d", i)
		}
		if len(r.HealthHistory) != t {
			return ctt.Inputs{}, errors.Errorf("collate: record %d has window length %d, want %d",
				i, len(r.HealthHistory), t)
		}
		if len(r.HealthHistory[0]) != h.NumHealthHistoryFeatures {
			return ctt.Inputs{}, errors.Errorf("collate: record %d has %d health channels, config wants %d",
				i, len(r.HealthHistory[0]), h.NumHealthHistoryFeatures)
		}
		if len(r.HealthProfile) != h.NumHealthProfileFeatures {
			return ctt.Inputs{}, errors.Errorf("collate: record %d has %d profile channels, config wants %d",
				i, len(r.HealthProfile), h.NumHealthProfileFeatures)
		}
		if len(r.Encounters) > m {
			m = len(r.Encounters)
		}
	}

	b := len(recs)
	in := ctt.Inputs{
		HealthHistory:      tensor.New(b, t, h.NumHealthHistoryFeatures),
		HealthProfile:      tensor.New(b, h.NumHealthProfileFeatures),
		HistoryDays:        tensor.New(b, t, 1),
		ValidHistoryMask:   tensor.New(b, t),
		EncounterHealth:    tensor.New(b, m, h.NumHealthHistoryFeatures),
		EncounterMessage:   tensor.New(b, m, h.MessageDim),
		EncounterDay:       tensor.New(b, m, 1),
		EncounterDuration:  tensor.New(b, m, 1),
		EncounterPartnerID: tensor.New(b, m, h.NumEncounterPartnerIDBits),
		Mask:               tensor.New(b, m),
	}

	for bi, r := range recs {
		for ti, row := range r.HealthHistory {
			copy(in.HealthHistory.Data[(bi*t+ti)*h.NumHealthHistoryFeatures:], row)
			in.HistoryDays.Set3(bi, ti, 0, dayStamp(r.HistoryDays[ti], r, opts))
			in.ValidHistoryMask.Set2(bi, ti, r.ValidHistoryMask[ti])
		}
		copy(in.HealthProfile.Data[bi*h.NumHealthProfileFeatures:], r.HealthProfile)

		for mi, enc := range r.Encounters {
			if len(enc.Message) != h.MessageDim {
				return ctt.Inputs{}, errors.Errorf("collate: record %d encounter %d has %d message bits, config wants %d",
					bi, mi, len(enc.Message), h.MessageDim)
			}
			if len(enc.PartnerID) != h.NumEncounterPartnerIDBits {
				return ctt.Inputs{}, errors.Errorf("collate: record %d encounter %d has %d partner id bits, config wants %d",
					bi, mi, len(enc.PartnerID), h.NumEncounterPartnerIDBits)
			}
			copy(in.EncounterHealth.Data[(bi*m+mi)*h.NumHealthHistoryFeatures:], enc.Health)
			copy(in.EncounterMessage.Data[(bi*m+mi)*h.MessageDim:], enc.Message)
			copy(in.EncounterPartnerID.Data[(bi*m+mi)*h.NumEncounterPartnerIDBits:], enc.PartnerID)
			in.EncounterDay.Set3(bi, mi, 0, dayStamp(enc.Day, r, opts))
			in.EncounterDuration.Set3(bi, mi, 0, enc.Duration)
			in.Mask.Set2(bi, mi, 1)
		}
	}

	return in, nil
}

// dayStamp applies the relative-day and clipping options to one day stamp.
func dayStamp(day float32, r HumanDay, opts CollateOptions) float32 {
	if opts.RelativeDays {
		day -= float32(r.DayIdx)
	}
	if opts.ClipHistoryDays {
		earliest := -float32(r.DayIdx)
		if !opts.RelativeDays {
			earliest = 0
		}
		if day < earliest {
			day = earliest
		}
	}
	return day
}
