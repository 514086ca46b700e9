package data

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

func assembleAll(t *testing.T, a *Assembler) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		b, err := a.Next(context.Background())
		if err == ErrEndOfEpoch {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, b)
	}
}

// TestAssemblerValidation tests construction checks
func TestAssemblerValidation(t *testing.T) {
	t.Run("Reject bad batch size", func(t *testing.T) {
		_, err := NewAssembler(AssemblerConfig{BatchSize: 0, FracUniqueDesirable: 1, FracUniqueUndesirable: 1}, nil)
		assert.Error(t, err)
	})

	t.Run("Reject fraction outside (0,1]", func(t *testing.T) {
		_, err := NewAssembler(AssemblerConfig{BatchSize: 4, FracUniqueDesirable: 0, FracUniqueUndesirable: 1}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, "CONFIG_003"))

		_, err = NewAssembler(AssemblerConfig{BatchSize: 4, FracUniqueDesirable: 1, FracUniqueUndesirable: 1.5}, nil)
		assert.Error(t, err)
	})
}

// TestFullUniqueFractions tests that frac=1 consumes every example exactly once
func TestFullUniqueFractions(t *testing.T) {
	path := writeDataset(t, 30)
	src := testSource(t, types.LoaderSFT, path)
	epoch, err := src.Open(context.Background(), "train", 0)
	require.NoError(t, err)

	a, err := NewAssembler(AssemblerConfig{
		BatchSize:             8,
		Loss:                  types.LossSFT,
		Loader:                types.LoaderSFT,
		FracUniqueDesirable:   1.0,
		FracUniqueUndesirable: 1.0,
		Seed:                  3,
	}, epoch)
	require.NoError(t, err)

	batches := assembleAll(t, a)

	total := 0
	seen := make(map[string]int)
	for _, b := range batches {
		total += b.Size()
		for _, item := range b.Items {
			assert.True(t, item.Unique)
			seen[item.ExampleID]++
		}
	}

	assert.Equal(t, src.Len("train"), total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "example %s reused despite frac=1", id)
	}
}

// TestCompositionFractions tests realized unique fractions against the target
func TestCompositionFractions(t *testing.T) {
	path := writeDataset(t, 60)
	src := testSource(t, types.LoaderUnpaired, path)
	epoch, err := src.Open(context.Background(), "train", 0)
	require.NoError(t, err)

	const (
		batchSize = 8
		fracD     = 0.5
		fracU     = 0.25
	)

	a, err := NewAssembler(AssemblerConfig{
		BatchSize:             batchSize,
		Loss:                  types.LossKTOSimple,
		Loader:                types.LoaderUnpaired,
		FracUniqueDesirable:   fracD,
		FracUniqueUndesirable: fracU,
		Seed:                  3,
	}, epoch)
	require.NoError(t, err)

	var uniqueD, totalD, uniqueU, totalU int
	for _, b := range assembleAll(t, a) {
		uniqueD += b.UniqueDesirable
		totalD += b.TotalDesirable
		uniqueU += b.UniqueUndesirable
		totalU += b.TotalUndesirable
	}

	require.Greater(t, totalD, 0)
	require.Greater(t, totalU, 0)

	// Realized fractions within one batch of rounding error of the target
	tolD := float64(batchSize) / float64(totalD)
	tolU := float64(batchSize) / float64(totalU)
	assert.InDelta(t, fracD, float64(uniqueD)/float64(totalD), tolD)
	assert.InDelta(t, fracU, float64(uniqueU)/float64(totalU), tolU)

	// Reuse stretches the epoch beyond the unique example count
	assert.Greater(t, totalD+totalU, src.Len("train"))
}

// TestPairIntegrity tests that a pair never straddles a batch boundary
func TestPairIntegrity(t *testing.T) {
	path := writeDataset(t, 25)
	src := testSource(t, types.LoaderPaired, path)
	epoch, err := src.Open(context.Background(), "train", 0)
	require.NoError(t, err)

	a, err := NewAssembler(AssemblerConfig{
		BatchSize:             4,
		Loss:                  types.LossDPO,
		Loader:                types.LoaderPaired,
		FracUniqueDesirable:   1.0,
		FracUniqueUndesirable: 1.0,
		Seed:                  3,
	}, epoch)
	require.NoError(t, err)

	for _, b := range assembleAll(t, a) {
		for _, item := range b.Items {
			// One slot carries both halves of the pair
			assert.NotEmpty(t, item.Chosen)
			assert.NotEmpty(t, item.Rejected)
		}
	}
}

// TestKLSlots tests shifted-pair filling for the kto loss
func TestKLSlots(t *testing.T) {
	path := writeDataset(t, 40)
	src := testSource(t, types.LoaderUnpaired, path)
	epoch, err := src.Open(context.Background(), "train", 0)
	require.NoError(t, err)

	a, err := NewAssembler(AssemblerConfig{
		BatchSize:             8,
		Loss:                  types.LossKTO,
		Loader:                types.LoaderUnpaired,
		FracUniqueDesirable:   1.0,
		FracUniqueUndesirable: 1.0,
		Seed:                  3,
	}, epoch)
	require.NoError(t, err)

	batches := assembleAll(t, a)
	require.NotEmpty(t, batches)

	for _, b := range batches {
		if b.Size() < 2 {
			continue
		}
		for i, item := range b.Items {
			next := b.Items[(i+1)%b.Size()]
			assert.Equal(t, next.Target, item.KLTarget)
		}
	}
}

// TestBatchPadding tests rectangular batches with the pad token
func TestBatchPadding(t *testing.T) {
	path := writeDataset(t, 20)
	src := testSource(t, types.LoaderUnpaired, path)
	epoch, err := src.Open(context.Background(), "train", 0)
	require.NoError(t, err)

	a, err := NewAssembler(AssemblerConfig{
		BatchSize:             8,
		Loss:                  types.LossKTOSimple,
		Loader:                types.LoaderUnpaired,
		FracUniqueDesirable:   1.0,
		FracUniqueUndesirable: 1.0,
		Seed:                  3,
	}, epoch)
	require.NoError(t, err)

	for _, b := range assembleAll(t, a) {
		for _, item := range b.Items {
			assert.Len(t, item.Prompt, b.PadLen)
			assert.Len(t, item.Target, b.PadLen)
		}
	}
}

// TestEmptyClassDefect tests the DATA error for a single-class batch
func TestEmptyClassDefect(t *testing.T) {
	// Dataset with desirable-only records (target, no rejected half)
	payload := []byte(`{"examples": [
		{"id": "a", "split": "train", "prompt": "q1", "target": "t1"},
		{"id": "b", "split": "train", "prompt": "q2", "target": "t2"},
		{"id": "c", "split": "train", "prompt": "q3", "target": "t3"}
	]}`)
	path := writeJSON(t, payload)

	src := testSource(t, types.LoaderUnpaired, path)
	epoch, err := src.Open(context.Background(), "train", 0)
	require.NoError(t, err)

	a, err := NewAssembler(AssemblerConfig{
		BatchSize:             3,
		Loss:                  types.LossKTOSimple,
		Loader:                types.LoaderUnpaired,
		FracUniqueDesirable:   1.0,
		FracUniqueUndesirable: 1.0,
		Seed:                  3,
	}, epoch)
	require.NoError(t, err)

	_, err = a.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, "DATA_002"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

// TestKTOZeroSingleClassBatch tests that the fixed-zero reference point
// variant accepts batches missing a class
func TestKTOZeroSingleClassBatch(t *testing.T) {
	payload := []byte(`{"examples": [
		{"id": "a", "split": "train", "prompt": "q1", "target": "t1"},
		{"id": "b", "split": "train", "prompt": "q2", "target": "t2"},
		{"id": "c", "split": "train", "prompt": "q3", "target": "t3"}
	]}`)
	path := writeJSON(t, payload)

	src := testSource(t, types.LoaderUnpaired, path)
	epoch, err := src.Open(context.Background(), "train", 0)
	require.NoError(t, err)

	a, err := NewAssembler(AssemblerConfig{
		BatchSize:             3,
		Loss:                  types.LossKTOZero,
		Loader:                types.LoaderUnpaired,
		FracUniqueDesirable:   1.0,
		FracUniqueUndesirable: 1.0,
		Seed:                  3,
	}, epoch)
	require.NoError(t, err)

	b, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, b.Size())
	assert.Zero(t, b.TotalUndesirable)
}

// TestReuseDeterminism tests that reuse selection follows the seed
func TestReuseDeterminism(t *testing.T) {
	path := writeDataset(t, 40)

	run := func() []string {
		src := testSource(t, types.LoaderUnpaired, path)
		epoch, err := src.Open(context.Background(), "train", 0)
		require.NoError(t, err)

		a, err := NewAssembler(AssemblerConfig{
			BatchSize:             8,
			Loss:                  types.LossKTOSimple,
			Loader:                types.LoaderUnpaired,
			FracUniqueDesirable:   0.5,
			FracUniqueUndesirable: 0.5,
			Seed:                  11,
		}, epoch)
		require.NoError(t, err)

		var ids []string
		for _, b := range assembleAll(t, a) {
			ids = append(ids, b.ExampleIDs()...)
		}
		return ids
	}

	assert.Equal(t, run(), run())
}

// writeJSON writes raw dataset bytes to a temp file
func writeJSON(t *testing.T, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.json")
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	return path
}

//Personal.AI order the ending
