// Package ctt implements the contact tracing transformer: a masked
// set-transformer that predicts a per-day infectiousness signal and a
// per-encounter contagion-risk logit from an individual's noisy,
// privacy-preserving observations (symptom and test history, anonymized
// encounter messages).
//
// The forward pass is a pure, synchronous numeric computation. Parameters
// are read-only during a call and no state survives between calls, so a
// model is safe for concurrent forward passes.
package ctt

import (
	"math/rand"

	"github.com/mila-iqia/COVI-ML/tensor"
	"github.com/pkg/errors"
)

// Model is a contact tracing transformer with a fixed configuration and a
// set of learned parameters.
type Model struct {
	hparams HParams

	healthHistoryEmbedding *feedForwardEmbedding
	healthProfileEmbedding *feedForwardEmbedding
	messageEmbedding       *feedForwardEmbedding
	timeEmbedding          featureEmbedder
	durationEmbedding      featureEmbedder
	partnerIDs             partnerIDEncoder

	blocks             []attentionBlock
	encounterHead      *outputHead
	latentVariableHead *outputHead
	masker             entityMasker

	messagePlaceholder   *tensor.Tensor // [message dim]
	partnerIDPlaceholder *tensor.Tensor // [pid dim]
	durationPlaceholder  *tensor.Tensor // [duration dim]
}

// NewModel builds a model from the provided hyperparameters, initializing
// all parameters from the seed. Identical hyperparameters and seed produce
// bit-identical models. Configuration problems (unknown embedding modes,
// inconsistent widths) are reported here, before any forward call.
func NewModel(h HParams, seed int64) (*Model, error) {
	if err := h.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid model configuration")
	}

	init := newInitializer(seed)
	m := &Model{hparams: h}

	m.healthHistoryEmbedding = newFeedForwardEmbedding(
		h.NumHealthHistoryFeatures, h.Capacity, h.HealthHistoryEmbeddingDim, h.Dropout, init)
	m.healthProfileEmbedding = newFeedForwardEmbedding(
		h.NumHealthProfileFeatures, h.Capacity, h.HealthProfileEmbeddingDim, h.Dropout, init)
	m.messageEmbedding = newFeedForwardEmbedding(
		h.MessageDim, h.Capacity, h.MessageEmbeddingDim, h.Dropout, init)

	m.timeEmbedding = timeEmbedderFactories[h.TimeEmbeddingMode](h, init)
	m.durationEmbedding = durationEmbedderFactories[h.EncounterDurationEmbeddingMode](h, init)

	m.messagePlaceholder = init.normal(h.MessageEmbeddingDim)
	m.partnerIDPlaceholder = init.normal(h.EncounterPartnerIDEmbeddingDim)
	m.durationPlaceholder = init.normal(h.EncounterDurationEmbeddingDim)

	if h.UseEncounterPartnerIDEmbedding {
		m.partnerIDs = newLearnedPartnerID(h.NumEncounterPartnerIDBits, h.EncounterPartnerIDEmbeddingDim, init)
	} else {
		m.partnerIDs = &placeholderPartnerID{placeholder: m.partnerIDPlaceholder}
	}

	// The first round consumes full-width entities; later rounds consume the
	// previous round's output with the metadata block re-prepended.
	entityDim := h.EntityDim()
	intermediateDim := h.SABCapacity + h.MetadataDim()
	if h.NumSABs >= 1 {
		m.blocks = append(m.blocks, newSelfAttentionBlock(entityDim, h.SABCapacity, h.NumHeads, init))
		for i := 1; i < h.NumSABs; i++ {
			m.blocks = append(m.blocks, newSelfAttentionBlock(intermediateDim, h.SABCapacity, h.NumHeads, init))
		}
	} else {
		m.blocks = append(m.blocks, newFeedForwardBlock(entityDim, h.SABCapacity, init))
	}

	m.encounterHead = newOutputHead(h.SABCapacity, h.Capacity, h.EncounterOutputFeatures, init)
	m.latentVariableHead = newOutputHead(intermediateDim, h.Capacity, h.LatentVariableOutputFeatures, init)

	return m, nil
}

// HParams returns the model's configuration.
func (m *Model) HParams() HParams {
	return m.hparams
}

// Inputs is one batch of observations. Shapes use B = batch, T = length of
// the rolling health-history window, M = padded encounter count, and
// C = the per-field channel width from the configuration.
type Inputs struct {
	HealthHistory    *tensor.Tensor // [B, T, C_hh] per-day symptom/test channels
	HealthProfile    *tensor.Tensor // [B, C_hp] age/sex/preexisting conditions
	HistoryDays      *tensor.Tensor // [B, T, 1] day offset per history row
	ValidHistoryMask *tensor.Tensor // [B, T] 1 = real history row, 0 = padding

	EncounterHealth    *tensor.Tensor // [B, M, C_hh] health channels at encounter time
	EncounterMessage   *tensor.Tensor // [B, M, C_msg] received risk-message bits
	EncounterDay       *tensor.Tensor // [B, M, 1] day offset of the encounter
	EncounterDuration  *tensor.Tensor // [B, M, 1] duration proxy
	EncounterPartnerID *tensor.Tensor // [B, M, C_pid] bit-encoded partner id
	Mask               *tensor.Tensor // [B, M] 1 = real encounter slot, 0 = padding
}

// Validate checks every input shape against the configuration. Forward
// refuses a batch that fails here, so the numeric code below can assume
// consistent shapes. M may be zero; T must not.
func (in Inputs) Validate(h HParams) error {
	fields := []struct {
		name string
		t    *tensor.Tensor
		rank int
	}{
		{"health_history", in.HealthHistory, 3},
		{"health_profile", in.HealthProfile, 2},
		{"history_days", in.HistoryDays, 3},
		{"valid_history_mask", in.ValidHistoryMask, 2},
		{"encounter_health", in.EncounterHealth, 3},
		{"encounter_message", in.EncounterMessage, 3},
		{"encounter_day", in.EncounterDay, 3},
		{"encounter_duration", in.EncounterDuration, 3},
		{"encounter_partner_id", in.EncounterPartnerID, 3},
		{"mask", in.Mask, 2},
	}
	for _, f := range fields {
		if f.t == nil {
			return errors.Errorf("inputs: missing %s", f.name)
		}
		if f.t.Rank() != f.rank {
			return errors.Errorf("inputs: %s has rank %d, want %d", f.name, f.t.Rank(), f.rank)
		}
	}

	b := in.HealthHistory.Dim(0)
	t := in.HealthHistory.Dim(1)
	m := in.EncounterHealth.Dim(1)
	if t <= 0 {
		return errors.Errorf("inputs: empty health history window")
	}
	for _, f := range fields {
		if f.t.Dim(0) != b {
			return errors.Errorf("inputs: %s has batch size %d, want %d", f.name, f.t.Dim(0), b)
		}
	}

	checks := []struct {
		name      string
		t         *tensor.Tensor
		dim, want int
	}{
		{"health_history", in.HealthHistory, 2, h.NumHealthHistoryFeatures},
		{"health_profile", in.HealthProfile, 1, h.NumHealthProfileFeatures},
		{"history_days", in.HistoryDays, 1, t},
		{"history_days", in.HistoryDays, 2, 1},
		{"valid_history_mask", in.ValidHistoryMask, 1, t},
		{"encounter_health", in.EncounterHealth, 2, h.NumHealthHistoryFeatures},
		{"encounter_message", in.EncounterMessage, 1, m},
		{"encounter_message", in.EncounterMessage, 2, h.MessageDim},
		{"encounter_day", in.EncounterDay, 1, m},
		{"encounter_day", in.EncounterDay, 2, 1},
		{"encounter_duration", in.EncounterDuration, 1, m},
		{"encounter_duration", in.EncounterDuration, 2, 1},
		{"encounter_partner_id", in.EncounterPartnerID, 1, m},
		{"encounter_partner_id", in.EncounterPartnerID, 2, h.NumEncounterPartnerIDBits},
		{"mask", in.Mask, 1, m},
	}
	for _, c := range checks {
		if c.t.Dim(c.dim) != c.want {
			return errors.Errorf("inputs: %s has shape %v, want dimension %d to be %d",
				c.name, c.t.Shape, c.dim, c.want)
		}
	}
	return nil
}

// ForwardOptions modifies a single forward call. The zero value is a
// deterministic inference call without diagnostics.
type ForwardOptions struct {
	// Diagnostics requests every intermediate quantity of the pass in the
	// output. It does not alter the numeric results.
	Diagnostics bool

	// Training enables dropout sampling using Rand. Rand must be non-nil
	// when Training is set.
	Training bool
	Rand     *rand.Rand
}

// Output is the result of one forward pass.
type Output struct {
	// EncounterVariables is a [B, M, encounter_output_features] tensor of
	// per-encounter logits, consumed downstream as contagion-risk signals.
	EncounterVariables *tensor.Tensor

	// LatentVariable is a [B, T, latent_variable_output_features] tensor of
	// per-day scalars, consumed downstream as infectiousness estimates.
	LatentVariable *tensor.Tensor

	// Diagnostics is populated only when requested.
	Diagnostics *Diagnostics
}

// Diagnostics carries every intermediate named quantity of a forward pass,
// for introspection and tests.
type Diagnostics struct {
	EmbeddedHealthHistory       *tensor.Tensor
	EmbeddedHealthProfile       *tensor.Tensor
	EmbeddedEncounterHealth     *tensor.Tensor
	EmbeddedHistoryDays         *tensor.Tensor
	EmbeddedEncounterDay        *tensor.Tensor
	EmbeddedEncounterDuration   *tensor.Tensor
	EmbeddedEncounterPartnerIDs *tensor.Tensor
	EmbeddedEncounterMessages   *tensor.Tensor

	EncounterEntities *tensor.Tensor
	SelfEntities      *tensor.Tensor
	ExpandedMask      *tensor.Tensor
	AttentionMask     *tensor.Tensor
	Metadata          *tensor.Tensor

	// Entities[0] is the round-0 input; Entities[i] for i > 0 is the state
	// after round i (masked, metadata re-injected).
	Entities []*tensor.Tensor

	PreLatentVariable     *tensor.Tensor
	PreEncounterVariables *tensor.Tensor
}

// Forward runs one pass over a batch. It is safe to call concurrently on
// the same model; parameters are never written.
func (m *Model) Forward(in Inputs, opts ForwardOptions) (Output, error) {
	if err := in.Validate(m.hparams); err != nil {
		return Output{}, err
	}
	if opts.Training && opts.Rand == nil {
		return Output{}, errors.Errorf("training-mode forward requires a random source")
	}

	// Embeddings. Each embedder masks its own output; the assembler masks
	// the merged set once more.
	e := embedded{
		healthHistory:       m.healthHistoryEmbedding.embed(in.HealthHistory, in.ValidHistoryMask, opts),
		encounterHealth:     m.healthHistoryEmbedding.embed(in.EncounterHealth, in.Mask, opts),
		healthProfile:       m.embedProfile(in.HealthProfile, opts),
		historyDays:         m.timeEmbedding.embed(in.HistoryDays, in.ValidHistoryMask, opts),
		encounterDay:        m.timeEmbedding.embed(in.EncounterDay, in.Mask, opts),
		encounterDuration:   m.durationEmbedding.embed(in.EncounterDuration, in.Mask, opts),
		encounterPartnerIDs: m.partnerIDs.encode(in.EncounterPartnerID, in.Mask, opts),
		encounterMessages:   m.messageEmbedding.embed(in.EncounterMessage, in.Mask, opts),
	}

	set := m.assemble(e, in.Mask, in.ValidHistoryMask)

	var rounds []*tensor.Tensor
	if opts.Diagnostics {
		rounds = append(rounds, set.entities)
	}

	// The attention rounds. Self-attention mixes entity content, so the
	// masker re-zeroes padded rows and the metadata block is re-prepended
	// before the next round; without it, later rounds cannot tell entities
	// apart by time, partner or duration.
	entities := set.entities
	for _, block := range m.blocks {
		entities = block.forward(entities, set.attention)
		entities = m.masker.apply(entities, set.mask)
		entities = tensor.ConcatFeature(set.metadata, entities)
		if opts.Diagnostics {
			rounds = append(rounds, entities)
		}
	}

	// Split at M and project. Self-day rows keep the metadata prefix; the
	// encounter head sees only the attention output channels.
	metadataDim := m.hparams.MetadataDim()
	preLatent := tensor.NarrowSet(entities, set.numEncounters, set.numEncounters+set.numDays)
	preEncounter := tensor.NarrowFeature(
		tensor.NarrowSet(entities, 0, set.numEncounters), metadataDim, entities.Dim(2))

	out := Output{
		EncounterVariables: m.encounterHead.forward(preEncounter),
		LatentVariable:     m.latentVariableHead.forward(preLatent),
	}
	if opts.Diagnostics {
		out.Diagnostics = &Diagnostics{
			EmbeddedHealthHistory:       e.healthHistory,
			EmbeddedHealthProfile:       e.healthProfile,
			EmbeddedEncounterHealth:     e.encounterHealth,
			EmbeddedHistoryDays:         e.historyDays,
			EmbeddedEncounterDay:        e.encounterDay,
			EmbeddedEncounterDuration:   e.encounterDuration,
			EmbeddedEncounterPartnerIDs: e.encounterPartnerIDs,
			EmbeddedEncounterMessages:   e.encounterMessages,
			EncounterEntities:           set.encounterEntities,
			SelfEntities:                set.selfEntities,
			ExpandedMask:                set.mask,
			AttentionMask:               set.attention,
			Metadata:                    set.metadata,
			Entities:                    rounds,
			PreLatentVariable:           preLatent,
			PreEncounterVariables:       preEncounter,
		}
	}
	return out, nil
}

// embedProfile embeds the rank-2 health profile. The profile has no
// per-entity mask; it is broadcast across all entities of the batch element
// during assembly.
func (m *Model) embedProfile(profile *tensor.Tensor, opts ForwardOptions) *tensor.Tensor {
	b, c := profile.Dim(0), profile.Dim(1)
	flat := tensor.FromSlice(profile.Data, b, 1, c)
	out := m.healthProfileEmbedding.embed(flat, nil, opts)
	return tensor.FromSlice(out.Data, b, out.Dim(2))
}
