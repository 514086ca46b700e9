package data

import (
	"github.com/halotrain/halotrain/pkg/types"
)

// ============================================================================
// Example
// ============================================================================

// Example is one training unit as yielded by an example source. Which fields
// are populated depends on the source kind:
//
//   - paired:   Prompt, Chosen, Rejected
//   - unpaired: Prompt, Target, Desirable, AssociationKey
//   - sft:      Prompt, Target (Desirable is always true)
type Example struct {
	// ID uniquely identifies the example within its dataset
	ID string

	// AssociationKey links the two halves of a split preference pair.
	// Empty for examples that never belonged to a pair.
	AssociationKey string

	// Prompt token ids, already formatted and left-truncated
	Prompt []int

	// Chosen/Rejected response token ids (paired sources)
	Chosen   []int
	Rejected []int

	// Target response token ids (unpaired and sft sources)
	Target []int

	// Desirable is the binary label for unpaired sources
	Desirable bool
}

// ============================================================================
// Batch
// ============================================================================

// BatchItem is one slot in an assembled batch. Paired examples occupy a
// single slot carrying both responses, so a pair can never straddle a batch
// boundary.
type BatchItem struct {
	ExampleID      string
	AssociationKey string

	Prompt   []int
	Chosen   []int
	Rejected []int
	Target   []int

	Desirable bool

	// Unique marks items drawn from the unique stream rather than reused
	Unique bool

	// KLTarget is the shifted-pair response used for the KL estimate in
	// kto batches; nil for other losses
	KLTarget []int
}

// Batch is a fixed-size group of examples with composition bookkeeping
type Batch struct {
	// Index is the zero-based position of this batch within the epoch
	Index int

	// Loader records which source variant produced the batch
	Loader types.LoaderKind

	// Items holds the batch slots
	Items []BatchItem

	// PadLen is the common per-batch sequence length after padding
	PadLen int

	// UniqueDesirable / UniqueUndesirable count unique items per class
	UniqueDesirable   int
	UniqueUndesirable int

	// TotalDesirable / TotalUndesirable count all items per class
	TotalDesirable   int
	TotalUndesirable int
}

// Size returns the number of items in the batch
func (b *Batch) Size() int {
	return len(b.Items)
}

// ExampleIDs returns the ids of every item, for error reporting
func (b *Batch) ExampleIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		ids = append(ids, item.ExampleID)
	}
	return ids
}

// pad extends every token slice to the longest one in the batch so downstream
// consumers see rectangular data. Padding uses PadID, which models skip.
func (b *Batch) pad() {
	maxLen := 0
	for _, item := range b.Items {
		for _, seq := range [][]int{item.Prompt, item.Chosen, item.Rejected, item.Target, item.KLTarget} {
			if len(seq) > maxLen {
				maxLen = len(seq)
			}
		}
	}

	b.PadLen = maxLen
	for i := range b.Items {
		item := &b.Items[i]
		item.Prompt = padTo(item.Prompt, maxLen)
		if item.Chosen != nil {
			item.Chosen = padTo(item.Chosen, maxLen)
		}
		if item.Rejected != nil {
			item.Rejected = padTo(item.Rejected, maxLen)
		}
		if item.Target != nil {
			item.Target = padTo(item.Target, maxLen)
		}
		if item.KLTarget != nil {
			item.KLTarget = padTo(item.KLTarget, maxLen)
		}
	}
}

// padTo right-pads ids with PadID up to length n
func padTo(ids []int, n int) []int {
	if len(ids) >= n {
		return ids
	}
	out := make([]int, n)
	copy(out, ids)
	for i := len(ids); i < n; i++ {
		out[i] = PadID
	}
	return out
}

//Personal.AI order the ending
