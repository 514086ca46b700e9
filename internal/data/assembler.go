// Batch assembler: turns an epoch of examples into fixed-size batches with
// composition guarantees. The unique fractions control how much of each
// class stream is fresh examples versus reuse of already-seen ones; realized
// fractions stay within one batch of rounding error of the target over an
// epoch.
package data

import (
	"context"
	"math/rand"

	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

// ============================================================================
// Assembler
// ============================================================================

// AssemblerConfig defines batch assembly parameters
type AssemblerConfig struct {
	// BatchSize is the fixed number of slots per batch
	BatchSize int

	// Loss determines KL slot filling and required classes
	Loss types.LossName

	// Loader identifies the source variant feeding the assembler
	Loader types.LoaderKind

	// Target unique fractions per class, in (0,1]
	FracUniqueDesirable   float64
	FracUniqueUndesirable float64

	// Seed drives reuse selection
	Seed int64
}

// Assembler consumes one epoch and produces batches
type Assembler struct {
	cfg   AssemblerConfig
	epoch Epoch
	rng   *rand.Rand

	batchIndex int

	// Per-class composition state
	uniqueSeen map[bool]int
	totalSeen  map[bool]int
	pool       map[bool][]*Example
}

// NewAssembler creates an assembler over one epoch
func NewAssembler(cfg AssemblerConfig, epoch Epoch) (*Assembler, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.ConfigErrorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.FracUniqueDesirable <= 0 || cfg.FracUniqueDesirable > 1 {
		return nil, errors.NewCoded(errors.ErrConfigBadFraction).
			WithDetails("key", "frac_unique_desirable").
			WithDetails("value", cfg.FracUniqueDesirable)
	}
	if cfg.FracUniqueUndesirable <= 0 || cfg.FracUniqueUndesirable > 1 {
		return nil, errors.NewCoded(errors.ErrConfigBadFraction).
			WithDetails("key", "frac_unique_undesirable").
			WithDetails("value", cfg.FracUniqueUndesirable)
	}

	return &Assembler{
		cfg:        cfg,
		epoch:      epoch,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		uniqueSeen: map[bool]int{true: 0, false: 0},
		totalSeen:  map[bool]int{true: 0, false: 0},
		pool:       map[bool][]*Example{true: nil, false: nil},
	}, nil
}

// Next assembles the next batch. It returns ErrEndOfEpoch once the epoch and
// all owed reuse items are consumed; a defective record aborts the batch in
// progress with a DATA error carrying the batch index and example ids.
func (a *Assembler) Next(ctx context.Context) (*Batch, error) {
	batch := &Batch{
		Index:  a.batchIndex,
		Loader: a.cfg.Loader,
	}

	for len(batch.Items) < a.cfg.BatchSize {
		ex, unique, err := a.nextExample(ctx)
		if err != nil {
			if err == ErrEndOfEpoch {
				break
			}
			a.batchIndex++
			return nil, errors.WrapCoded(err, errors.ErrDataMissingField).
				WithDetails("batch_index", batch.Index).
				WithDetails("example_ids", batch.ExampleIDs())
		}

		batch.Items = append(batch.Items, a.toItem(ex, unique))
		if ex.Desirable || a.cfg.Loader != types.LoaderUnpaired {
			batch.TotalDesirable++
			if unique {
				batch.UniqueDesirable++
			}
		} else {
			batch.TotalUndesirable++
			if unique {
				batch.UniqueUndesirable++
			}
		}
	}

	if len(batch.Items) == 0 {
		return nil, ErrEndOfEpoch
	}

	a.batchIndex++

	if err := a.checkClasses(batch); err != nil {
		return nil, err
	}

	if a.cfg.Loss.NeedsKLSlots() {
		a.fillKLSlots(batch)
	}

	batch.pad()
	return batch, nil
}

// BatchIndex returns the number of batches started so far
func (a *Assembler) BatchIndex() int {
	return a.batchIndex
}

// nextExample yields the next stream entry and whether it is unique. A class
// that has run ahead of its unique fraction owes reuse items first; fresh
// pulls come from the epoch and join the reuse pool.
func (a *Assembler) nextExample(ctx context.Context) (*Example, bool, error) {
	// Owed reuse takes priority so realized fractions track the target
	for _, class := range []bool{true, false} {
		if len(a.pool[class]) == 0 {
			continue
		}
		if float64(a.uniqueSeen[class]) > a.frac(class)*float64(a.totalSeen[class]) {
			ex := a.pool[class][a.rng.Intn(len(a.pool[class]))]
			a.totalSeen[class]++
			return ex, false, nil
		}
	}

	ex, err := a.epoch.Next(ctx)
	if err != nil {
		return nil, false, err
	}

	class := a.classOf(ex)
	a.uniqueSeen[class]++
	a.totalSeen[class]++
	a.pool[class] = append(a.pool[class], ex)
	return ex, true, nil
}

// frac returns the target unique fraction for a class
func (a *Assembler) frac(desirable bool) float64 {
	if desirable {
		return a.cfg.FracUniqueDesirable
	}
	return a.cfg.FracUniqueUndesirable
}

// classOf maps an example to its composition class
func (a *Assembler) classOf(ex *Example) bool {
	if a.cfg.Loader != types.LoaderUnpaired {
		return true
	}
	return ex.Desirable
}

// toItem converts an example into a batch slot
func (a *Assembler) toItem(ex *Example, unique bool) BatchItem {
	return BatchItem{
		ExampleID:      ex.ID,
		AssociationKey: ex.AssociationKey,
		Prompt:         ex.Prompt,
		Chosen:         ex.Chosen,
		Rejected:       ex.Rejected,
		Target:         ex.Target,
		Desirable:      ex.Desirable || a.cfg.Loader != types.LoaderUnpaired,
		Unique:         unique,
	}
}

// checkClasses reports a DATA defect when the loss needs a class the batch
// does not have
func (a *Assembler) checkClasses(batch *Batch) error {
	if a.cfg.Loader != types.LoaderUnpaired {
		return nil
	}
	// kto-zero's reference point is fixed, so it trains on one-class batches
	if a.cfg.Loss == types.LossKTOZero {
		return nil
	}
	if batch.TotalDesirable > 0 && batch.TotalUndesirable > 0 {
		return nil
	}
	return errors.NewCoded(errors.ErrDataEmptyClass).
		WithDetails("batch_index", batch.Index).
		WithDetails("example_ids", batch.ExampleIDs()).
		WithDetails("desirable", batch.TotalDesirable).
		WithDetails("undesirable", batch.TotalUndesirable)
}

// fillKLSlots pairs each slot's prompt with the next slot's response. The
// mismatched pairs feed the batch-wide KL estimate.
func (a *Assembler) fillKLSlots(batch *Batch) {
	n := len(batch.Items)
	if n < 2 {
		return
	}
	for i := range batch.Items {
		batch.Items[i].KLTarget = batch.Items[(i+1)%n].Target
	}
}

//Personal.AI order the ending
