package ctt

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// TimeEmbeddingMode selects the strategy used to embed day offsets.
type TimeEmbeddingMode string

const (
	// TimeEmbeddingLearned uses a learned lookup table keyed by day offset.
	TimeEmbeddingLearned TimeEmbeddingMode = "learned"

	// TimeEmbeddingPositional uses a parameter-free sinusoidal encoding.
	TimeEmbeddingPositional TimeEmbeddingMode = "positional"
)

// DurationEmbeddingMode selects the strategy used to embed encounter
// durations.
type DurationEmbeddingMode string

const (
	// DurationEmbeddingThermo uses a binned thermometer encoding followed by
	// a feed-forward projection.
	DurationEmbeddingThermo DurationEmbeddingMode = "thermo"

	// DurationEmbeddingSines uses a parameter-free sinusoidal encoding.
	DurationEmbeddingSines DurationEmbeddingMode = "sines"
)

// HParams holds the hyperparameters of a contact tracing transformer. The
// JSON field names match the keyword arguments of the reference training
// stack, so config files are interchangeable.
type HParams struct {
	Capacity int     `json:"capacity"`
	Dropout  float32 `json:"dropout"`

	NumHealthHistoryFeatures  int `json:"num_health_history_features"`
	HealthHistoryEmbeddingDim int `json:"health_history_embedding_dim"`
	NumHealthProfileFeatures  int `json:"num_health_profile_features"`
	HealthProfileEmbeddingDim int `json:"health_profile_embedding_dim"`

	TimeEmbeddingMode TimeEmbeddingMode `json:"time_embedding_mode"`
	TimeEmbeddingDim  int               `json:"time_embedding_dim"`
	// NumTimestamps is the size of the learned time-embedding table; day
	// offsets beyond it clamp to the last entry.
	NumTimestamps int `json:"num_timestamps"`

	EncounterDurationEmbeddingMode DurationEmbeddingMode `json:"encounter_duration_embedding_mode"`
	EncounterDurationEmbeddingDim  int                   `json:"encounter_duration_embedding_dim"`
	EncounterDurationThermoRange   [2]float32            `json:"encounter_duration_thermo_range"`
	EncounterDurationNumThermoBins int                   `json:"encounter_duration_num_thermo_bins"`

	NumEncounterPartnerIDBits      int  `json:"num_encounter_partner_id_bits"`
	UseEncounterPartnerIDEmbedding bool `json:"use_encounter_partner_id_embedding"`
	EncounterPartnerIDEmbeddingDim int  `json:"encounter_partner_id_embedding_dim"`

	MessageDim          int `json:"message_dim"`
	MessageEmbeddingDim int `json:"message_embedding_dim"`

	NumHeads    int `json:"num_heads"`
	SABCapacity int `json:"sab_capacity"`
	NumSABs     int `json:"num_sabs"`

	EncounterOutputFeatures      int `json:"encounter_output_features"`
	LatentVariableOutputFeatures int `json:"latent_variable_output_features"`
}

// DefaultHParams returns the hyperparameters of the reference model.
func DefaultHParams() HParams {
	return HParams{
		Capacity: 128,
		Dropout:  0.1,

		NumHealthHistoryFeatures:  29,
		HealthHistoryEmbeddingDim: 64,
		NumHealthProfileFeatures:  12,
		HealthProfileEmbeddingDim: 32,

		TimeEmbeddingMode: TimeEmbeddingLearned,
		TimeEmbeddingDim:  32,
		NumTimestamps:     32,

		EncounterDurationEmbeddingMode: DurationEmbeddingSines,
		EncounterDurationEmbeddingDim:  32,
		EncounterDurationThermoRange:   [2]float32{0, 6},
		EncounterDurationNumThermoBins: 32,

		NumEncounterPartnerIDBits:      16,
		UseEncounterPartnerIDEmbedding: false,
		EncounterPartnerIDEmbeddingDim: 32,

		MessageDim:          8,
		MessageEmbeddingDim: 128,

		NumHeads:    4,
		SABCapacity: 128,
		NumSABs:     2,

		EncounterOutputFeatures:      1,
		LatentVariableOutputFeatures: 1,
	}
}

// NewHParams loads HParams from a JSON file at the provided path. Fields
// absent from the file keep their default values, so an explicit
// `"num_sabs": 0` (the no-attention ablation) is distinguishable from an
// omitted one.
func NewHParams(path string) (HParams, error) {
	f, err := os.Open(path)
	if err != nil {
		return HParams{}, errors.Wrapf(err, "error reading params from '%s'", path)
	}
	defer f.Close()

	params := DefaultHParams()
	if err := json.NewDecoder(f).Decode(&params); err != nil {
		return HParams{}, errors.Wrapf(err, "error decoding params from '%s'", path)
	}
	return params, nil
}

// Save writes the hyperparameters as JSON to the provided path.
func (h HParams) Save(path string) error {
	buf, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "error encoding params")
	}
	if err := os.WriteFile(path, append(buf, '\n'), 0644); err != nil {
		return errors.Wrapf(err, "error writing params to '%s'", path)
	}
	return nil
}

// EntityDim is the channel width of an assembled entity: the fixed-order
// concatenation [time, partner id, duration, health, message, profile].
func (h HParams) EntityDim() int {
	return h.TimeEmbeddingDim +
		h.EncounterPartnerIDEmbeddingDim +
		h.EncounterDurationEmbeddingDim +
		h.HealthHistoryEmbeddingDim +
		h.MessageEmbeddingDim +
		h.HealthProfileEmbeddingDim
}

// MetadataDim is the channel width of the metadata block re-injected after
// every attention round: the leading [time, partner id, duration] channels
// of an entity.
func (h HParams) MetadataDim() int {
	return h.TimeEmbeddingDim + h.EncounterPartnerIDEmbeddingDim + h.EncounterDurationEmbeddingDim
}

// Validate checks the configuration invariants that the forward pass
// assumes. It runs at model construction, never per call.
func (h HParams) Validate() error {
	positive := []struct {
		name string
		val  int
	}{
		{"capacity", h.Capacity},
		{"num_health_history_features", h.NumHealthHistoryFeatures},
		{"health_history_embedding_dim", h.HealthHistoryEmbeddingDim},
		{"num_health_profile_features", h.NumHealthProfileFeatures},
		{"health_profile_embedding_dim", h.HealthProfileEmbeddingDim},
		{"time_embedding_dim", h.TimeEmbeddingDim},
		{"encounter_duration_embedding_dim", h.EncounterDurationEmbeddingDim},
		{"num_encounter_partner_id_bits", h.NumEncounterPartnerIDBits},
		{"encounter_partner_id_embedding_dim", h.EncounterPartnerIDEmbeddingDim},
		{"message_dim", h.MessageDim},
		{"message_embedding_dim", h.MessageEmbeddingDim},
		{"sab_capacity", h.SABCapacity},
		{"encounter_output_features", h.EncounterOutputFeatures},
		{"latent_variable_output_features", h.LatentVariableOutputFeatures},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return errors.Errorf("hparams: %s must be positive, got %d", p.name, p.val)
		}
	}

	if h.Dropout < 0 || h.Dropout >= 1 {
		return errors.Errorf("hparams: dropout must be in [0, 1), got %v", h.Dropout)
	}
	if h.NumSABs < 0 {
		return errors.Errorf("hparams: num_sabs must be non-negative, got %d", h.NumSABs)
	}
	if h.NumSABs > 0 {
		if h.NumHeads <= 0 {
			return errors.Errorf("hparams: num_heads must be positive, got %d", h.NumHeads)
		}
		if h.SABCapacity%h.NumHeads != 0 {
			return errors.Errorf("hparams: sab_capacity (%d) must be divisible by num_heads (%d)",
				h.SABCapacity, h.NumHeads)
		}
	}

	if _, ok := timeEmbedderFactories[h.TimeEmbeddingMode]; !ok {
		return errors.Errorf("hparams: unknown time embedding mode %q", h.TimeEmbeddingMode)
	}
	if _, ok := durationEmbedderFactories[h.EncounterDurationEmbeddingMode]; !ok {
		return errors.Errorf("hparams: unknown encounter duration embedding mode %q",
			h.EncounterDurationEmbeddingMode)
	}
	if h.EncounterDurationEmbeddingMode == DurationEmbeddingThermo {
		if h.EncounterDurationNumThermoBins <= 0 {
			return errors.Errorf("hparams: encounter_duration_num_thermo_bins must be positive, got %d",
				h.EncounterDurationNumThermoBins)
		}
		if h.EncounterDurationThermoRange[1] <= h.EncounterDurationThermoRange[0] {
			return errors.Errorf("hparams: empty encounter_duration_thermo_range %v",
				h.EncounterDurationThermoRange)
		}
	}
	if h.TimeEmbeddingMode == TimeEmbeddingLearned && h.NumTimestamps <= 0 {
		return errors.Errorf("hparams: num_timestamps must be positive, got %d", h.NumTimestamps)
	}

	return nil
}
