// Example sources for the three dataloader variants. A source owns the raw
// dataset records for both splits and hands out deterministic epochs: the
// same (seed, split, epoch) always yields the same example order.
package data

import (
	"context"
	"hash/fnv"
	"math/rand"
	"os"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

// ============================================================================
// Source Contract
// ============================================================================

// ErrEndOfEpoch signals that an epoch has been fully consumed
var ErrEndOfEpoch = errors.New("DATA_EOE", errors.ErrorTypeData, "end of epoch")

// Epoch is a restartable lazy sequence of examples
type Epoch interface {
	// Next returns the next example, ErrEndOfEpoch when exhausted, or a
	// DATA error for a defective record (the sequence continues past it)
	Next(ctx context.Context) (*Example, error)

	// Remaining returns how many entries the epoch still holds
	Remaining() int
}

// Source yields epochs over one split of the merged datasets
type Source interface {
	// Open starts the given epoch of a split; deterministic per
	// (seed, split, epoch)
	Open(ctx context.Context, split string, epoch int) (Epoch, error)

	// Kind identifies the dataloader variant
	Kind() types.LoaderKind

	// Len returns the number of stream entries per epoch for a split
	Len(split string) int
}

// ============================================================================
// Dataset Loading
// ============================================================================

// rawRecord is one dataset row before tokenization
type rawRecord struct {
	id       string
	path     string
	prompt   string
	chosen   string
	rejected string
	target   string
}

// loadRecords reads and merges dataset files for one split. Datasets are
// JSON documents with an "examples" array; each element carries id, split,
// prompt, and chosen/rejected (preference data) or target (demonstrations).
func loadRecords(paths []string, split string) (map[string][]rawRecord, error) {
	bySplit := make(map[string][]rawRecord)

	for _, path := range paths {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.ConfigErrorf("cannot read dataset %s: %v", path, err)
		}
		if !gjson.ValidBytes(payload) {
			return nil, errors.ConfigErrorf("dataset %s is not valid JSON", path)
		}

		examples := gjson.GetBytes(payload, "examples")
		if !examples.Exists() || !examples.IsArray() {
			return nil, errors.ConfigErrorf("dataset %s has no examples array", path)
		}

		idx := 0
		examples.ForEach(func(_, row gjson.Result) bool {
			rec := rawRecord{
				id:       row.Get("id").String(),
				path:     path,
				prompt:   row.Get("prompt").String(),
				chosen:   row.Get("chosen").String(),
				rejected: row.Get("rejected").String(),
				target:   row.Get("target").String(),
			}
			if rec.id == "" {
				rec.id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(path+row.Raw)).String()
			}
			recSplit := row.Get("split").String()
			if recSplit == "" {
				recSplit = "train"
			}
			bySplit[recSplit] = append(bySplit[recSplit], rec)
			idx++
			return true
		})
	}

	if len(bySplit[split]) == 0 {
		return nil, errors.ConfigErrorf("no examples found for split %q", split)
	}

	return bySplit, nil
}

// ============================================================================
// Base Source
// ============================================================================

// baseSource carries the machinery shared by all variants
type baseSource struct {
	kind    types.LoaderKind
	records map[string][]rawRecord
	seed    int64
	tok     *Tokenizer
	cache   SequenceCache
	logger  logging.Logger
}

// SourceConfig defines example source construction parameters
type SourceConfig struct {
	// Dataset file paths, merged in order
	Paths []string

	// Split to verify at construction (typically "train")
	Split string

	// Seed drives the per-epoch shuffle
	Seed int64

	// Tokenizer applies formatting and truncation
	Tokenizer *Tokenizer

	// Cache is the optional tokenized sequence cache
	Cache SequenceCache

	Logger logging.Logger
}

// NewSource creates the example source for a dataloader variant
func NewSource(kind types.LoaderKind, cfg SourceConfig) (Source, error) {
	if !kind.Valid() {
		return nil, errors.NewCoded(errors.ErrConfigUnknownLoader).WithDetails("kind", kind.String())
	}
	if cfg.Tokenizer == nil {
		return nil, errors.ConfigError("source requires a tokenizer")
	}

	split := cfg.Split
	if split == "" {
		split = "train"
	}
	records, err := loadRecords(cfg.Paths, split)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	base := baseSource{
		kind:    kind,
		records: records,
		seed:    cfg.Seed,
		tok:     cfg.Tokenizer,
		cache:   cfg.Cache,
		logger:  logger,
	}

	switch kind {
	case types.LoaderPaired:
		return &pairedSource{base}, nil
	case types.LoaderUnpaired:
		return &unpairedSource{base}, nil
	default:
		return &sftSource{base}, nil
	}
}

// epochSeed derives the shuffle seed for one (split, epoch)
func (s *baseSource) epochSeed(split string, epoch int) int64 {
	h := fnv.New64a()
	h.Write([]byte(split))
	return s.seed + int64(h.Sum64()%1_000_003) + int64(epoch)*7_919
}

// shuffledIndices returns a deterministic permutation of n entries
func (s *baseSource) shuffledIndices(n int, split string, epoch int) []int {
	rng := rand.New(rand.NewSource(s.epochSeed(split, epoch)))
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}

// tokenize builds the cached tokenized form of one record
func (s *baseSource) tokenize(ctx context.Context, split string, rec rawRecord) *CachedSequence {
	key := CacheKey(rec.path, split, s.tok.salt, rec.id)
	if s.cache != nil {
		if seq, ok := s.cache.Get(ctx, key); ok {
			return seq
		}
	}

	seq := &CachedSequence{}
	if rec.chosen != "" {
		seq.Prompt, seq.Chosen = s.tok.BuildSequence(rec.prompt, rec.chosen)
	}
	if rec.rejected != "" {
		prompt, rejected := s.tok.BuildSequence(rec.prompt, rec.rejected)
		seq.Rejected = rejected
		if seq.Prompt == nil {
			seq.Prompt = prompt
		}
	}
	if rec.target != "" {
		prompt, target := s.tok.BuildSequence(rec.prompt, rec.target)
		seq.Target = target
		if seq.Prompt == nil {
			seq.Prompt = prompt
		}
	}
	if seq.Prompt == nil {
		// Prompt-only record; still tokenize the prompt for sampling
		seq.Prompt = s.tok.Encode(s.tok.FormatPrompt(rec.prompt))
		if len(seq.Prompt) > s.tok.maxPromptLength {
			seq.Prompt = seq.Prompt[len(seq.Prompt)-s.tok.maxPromptLength:]
		}
	}

	if s.cache != nil {
		s.cache.Set(ctx, key, seq)
	}
	return seq
}

// sliceEpoch walks a precomputed entry list
type sliceEpoch struct {
	entries []func(ctx context.Context) (*Example, error)
	cursor  int
}

func (e *sliceEpoch) Next(ctx context.Context) (*Example, error) {
	if e.cursor >= len(e.entries) {
		return nil, ErrEndOfEpoch
	}
	build := e.entries[e.cursor]
	e.cursor++
	return build(ctx)
}

func (e *sliceEpoch) Remaining() int {
	return len(e.entries) - e.cursor
}

// ============================================================================
// Paired Source
// ============================================================================

// pairedSource yields one chosen and one rejected response per example
type pairedSource struct {
	baseSource
}

func (s *pairedSource) Kind() types.LoaderKind { return types.LoaderPaired }

func (s *pairedSource) Len(split string) int { return len(s.records[split]) }

func (s *pairedSource) Open(ctx context.Context, split string, epoch int) (Epoch, error) {
	records := s.records[split]
	if len(records) == 0 {
		return nil, errors.ConfigErrorf("no examples for split %q", split)
	}

	order := s.shuffledIndices(len(records), split, epoch)
	entries := make([]func(ctx context.Context) (*Example, error), 0, len(order))
	for _, i := range order {
		rec := records[i]
		entries = append(entries, func(ctx context.Context) (*Example, error) {
			if rec.prompt == "" || rec.chosen == "" || rec.rejected == "" {
				return nil, errors.NewCoded(errors.ErrDataMissingField).
					WithDetails("example_id", rec.id).
					WithDetails("loader", types.LoaderPaired.String())
			}
			seq := s.tokenize(ctx, split, rec)
			return &Example{
				ID:       rec.id,
				Prompt:   seq.Prompt,
				Chosen:   seq.Chosen,
				Rejected: seq.Rejected,
			}, nil
		})
	}
	return &sliceEpoch{entries: entries}, nil
}

// ============================================================================
// Unpaired Source
// ============================================================================

// unpairedSource adapts preference pairs into labeled single responses: the
// chosen half becomes a desirable example, the rejected half an undesirable
// one. Both halves share an association key derived from the record id so
// provenance survives the split. Records carrying only a target yield a
// single desirable example.
type unpairedSource struct {
	baseSource
}

func (s *unpairedSource) Kind() types.LoaderKind { return types.LoaderUnpaired }

func (s *unpairedSource) Len(split string) int {
	n := 0
	for _, rec := range s.records[split] {
		if rec.chosen != "" && rec.rejected != "" {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func (s *unpairedSource) Open(ctx context.Context, split string, epoch int) (Epoch, error) {
	records := s.records[split]
	if len(records) == 0 {
		return nil, errors.ConfigErrorf("no examples for split %q", split)
	}

	// Expand pairs into halves before shuffling so the two halves move
	// independently through the epoch
	type half struct {
		rec       rawRecord
		desirable bool
		fromPair  bool
	}
	halves := make([]half, 0, len(records)*2)
	for _, rec := range records {
		switch {
		case rec.chosen != "" && rec.rejected != "":
			halves = append(halves,
				half{rec: rec, desirable: true, fromPair: true},
				half{rec: rec, desirable: false, fromPair: true})
		default:
			halves = append(halves, half{rec: rec, desirable: true})
		}
	}

	order := s.shuffledIndices(len(halves), split, epoch)
	entries := make([]func(ctx context.Context) (*Example, error), 0, len(order))
	for _, i := range order {
		h := halves[i]
		entries = append(entries, func(ctx context.Context) (*Example, error) {
			if h.rec.prompt == "" {
				return nil, errors.NewCoded(errors.ErrDataMissingField).
					WithDetails("example_id", h.rec.id).
					WithDetails("loader", types.LoaderUnpaired.String())
			}

			seq := s.tokenize(ctx, split, h.rec)
			ex := &Example{
				ID:        h.rec.id,
				Desirable: h.desirable,
			}
			ex.Prompt = seq.Prompt

			switch {
			case h.fromPair && h.desirable:
				ex.ID = h.rec.id + ":chosen"
				ex.Target = seq.Chosen
				ex.AssociationKey = uuid.NewSHA1(uuid.NameSpaceOID, []byte(h.rec.id)).String()
			case h.fromPair:
				ex.ID = h.rec.id + ":rejected"
				ex.Target = seq.Rejected
				ex.AssociationKey = uuid.NewSHA1(uuid.NameSpaceOID, []byte(h.rec.id)).String()
			case seq.Target != nil:
				ex.Target = seq.Target
			case seq.Chosen != nil:
				ex.Target = seq.Chosen
			default:
				return nil, errors.NewCoded(errors.ErrDataMissingField).
					WithDetails("example_id", h.rec.id).
					WithDetails("loader", types.LoaderUnpaired.String())
			}
			return ex, nil
		})
	}
	return &sliceEpoch{entries: entries}, nil
}

// ============================================================================
// SFT Source
// ============================================================================

// sftSource yields only the desirable response of each record
type sftSource struct {
	baseSource
}

func (s *sftSource) Kind() types.LoaderKind { return types.LoaderSFT }

func (s *sftSource) Len(split string) int { return len(s.records[split]) }

func (s *sftSource) Open(ctx context.Context, split string, epoch int) (Epoch, error) {
	records := s.records[split]
	if len(records) == 0 {
		return nil, errors.ConfigErrorf("no examples for split %q", split)
	}

	order := s.shuffledIndices(len(records), split, epoch)
	entries := make([]func(ctx context.Context) (*Example, error), 0, len(order))
	for _, i := range order {
		rec := records[i]
		entries = append(entries, func(ctx context.Context) (*Example, error) {
			if rec.prompt == "" || (rec.target == "" && rec.chosen == "") {
				return nil, errors.NewCoded(errors.ErrDataMissingField).
					WithDetails("example_id", rec.id).
					WithDetails("loader", types.LoaderSFT.String())
			}

			seq := s.tokenize(ctx, split, rec)
			target := seq.Target
			if target == nil {
				target = seq.Chosen
			}
			return &Example{
				ID:        rec.id,
				Prompt:    seq.Prompt,
				Target:    target,
				Desirable: true,
			}, nil
		})
	}
	return &sliceEpoch{entries: entries}, nil
}

//Personal.AI order the ending
