package ctt

import (
	"github.com/mila-iqia/COVI-ML/tensor"
)

// entityMasker zeroes entity feature vectors at invalid positions. It has no
// learned parameters and must be reapplied after every stage that can
// reintroduce nonzero values at padded rows; attention blocks do, through
// the residual and bias terms.
type entityMasker struct{}

func (entityMasker) apply(entities, mask *tensor.Tensor) *tensor.Tensor {
	return tensor.MulMask(entities, mask)
}

// embedded collects the per-channel embeddings feeding entity assembly.
type embedded struct {
	encounterDay        *tensor.Tensor // [B, M, time]
	encounterPartnerIDs *tensor.Tensor // [B, M, pid]
	encounterDuration   *tensor.Tensor // [B, M, duration]
	encounterHealth     *tensor.Tensor // [B, M, health]
	encounterMessages   *tensor.Tensor // [B, M, message]
	historyDays         *tensor.Tensor // [B, T, time]
	healthHistory       *tensor.Tensor // [B, T, health]
	healthProfile       *tensor.Tensor // [B, profile]
}

// entitySet is the merged attention-addressable set for one forward pass:
// encounter entities at rows [0, M), self entities at rows [M, M+T). The
// output heads rely on that ordering when they split.
type entitySet struct {
	entities  *tensor.Tensor // [B, M+T, entityDim], masked
	mask      *tensor.Tensor // [B, M+T]
	attention *tensor.Tensor // [B, M+T, M+T] pairwise mask
	metadata  *tensor.Tensor // [B, M+T, metadataDim], the round-0 prefix

	encounterEntities *tensor.Tensor // pre-merge, kept for diagnostics
	selfEntities      *tensor.Tensor

	numEncounters int
	numDays       int
}

// assemble builds the merged entity set. Channel order within an entity is
// fixed: [time, partner id, duration, health, message, profile]; self
// entities substitute the learned placeholders for the three channels they
// lack. The leading [time, partner id, duration] channels double as the
// metadata block re-injected after every attention round.
func (m *Model) assemble(e embedded, encounterMask, historyMask *tensor.Tensor) entitySet {
	batch := e.healthHistory.Dim(0)
	numDays := e.healthHistory.Dim(1)
	numEncounters := e.encounterHealth.Dim(1)

	profilePerEncounter := tensor.Expand(e.healthProfile, numEncounters)
	encounterEntities := tensor.ConcatFeature(
		e.encounterDay,
		e.encounterPartnerIDs,
		e.encounterDuration,
		e.encounterHealth,
		e.encounterMessages,
		profilePerEncounter,
	)

	pidPlaceholder := tensor.ExpandVec(m.partnerIDPlaceholder, batch, numDays)
	durationPlaceholder := tensor.ExpandVec(m.durationPlaceholder, batch, numDays)
	messagePlaceholder := tensor.ExpandVec(m.messagePlaceholder, batch, numDays)
	profilePerDay := tensor.Expand(e.healthProfile, numDays)
	selfEntities := tensor.ConcatFeature(
		e.historyDays,
		pidPlaceholder,
		durationPlaceholder,
		e.healthHistory,
		messagePlaceholder,
		profilePerDay,
	)

	entities := tensor.ConcatSet(encounterEntities, selfEntities)
	mask := tensor.ConcatMask(encounterMask, historyMask)
	entities = m.masker.apply(entities, mask)

	return entitySet{
		entities:          entities,
		mask:              mask,
		attention:         tensor.OuterMask(mask),
		metadata:          tensor.NarrowFeature(entities, 0, m.hparams.MetadataDim()),
		encounterEntities: encounterEntities,
		selfEntities:      selfEntities,
		numEncounters:     numEncounters,
		numDays:           numDays,
	}
}
