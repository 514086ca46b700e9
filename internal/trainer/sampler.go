package trainer

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/pkg/errors"
)

// SamplesFileName is the sample-mode artifact under the run directory
const SamplesFileName = "samples.json"

// SampleEntry pairs a prompt's reference response with policy samples.
// Policy output is recorded as token id strings; the hashed vocabulary has
// no inverse mapping back to text.
type SampleEntry struct {
	Chosen  string   `json:"chosen"`
	Samples []string `json:"samples"`
}

// runSample draws top-p samples for every test prompt and writes the sample
// artifact. All ranks sample identically (shared seed) so the policy
// all-gather stays in lockstep; rank 0 writes the file.
func (w *worker) runSample(ctx context.Context) error {
	prompts, err := loadSamplePrompts(w.cfg.Data.Datasets, w.cfg.Run.NEvalExamples)
	if err != nil {
		return err
	}

	maxTokens := w.cfg.Model.MaxLength - w.cfg.Model.MaxPromptLength
	rng := rand.New(rand.NewSource(w.cfg.Run.Seed))

	out := make(map[string]SampleEntry, len(prompts))
	for _, p := range prompts {
		entry := SampleEntry{Chosen: p.chosen}
		for i := 0; i < w.cfg.Run.NSamples; i++ {
			tokens, err := w.pair.Sample(ctx, rng, w.cfg.Run.TopP, maxTokens)
			if err != nil {
				return err
			}
			entry.Samples = append(entry.Samples, formatTokens(tokens))
		}
		out[p.prompt] = entry
	}

	if w.member.IsCoordinator() {
		if err := writeSamples(w.cfg.Run.RunDir(), out); err != nil {
			return err
		}
		w.logger.Info("samples written",
			logging.String("path", filepath.Join(w.cfg.Run.RunDir(), SamplesFileName)),
			logging.Int("prompts", len(prompts)),
			logging.Int("samples_per_prompt", w.cfg.Run.NSamples),
		)
	}
	return w.member.Barrier(ctx)
}

type samplePrompt struct {
	prompt string
	chosen string
}

// loadSamplePrompts collects test-split prompts from the dataset files,
// bounded by limit when positive
func loadSamplePrompts(paths []string, limit int) ([]samplePrompt, error) {
	var prompts []samplePrompt

	for _, path := range paths {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.ConfigErrorf("cannot read dataset %s: %v", path, err)
		}

		gjson.GetBytes(payload, "examples").ForEach(func(_, row gjson.Result) bool {
			if row.Get("split").String() != "test" {
				return true
			}
			chosen := row.Get("chosen").String()
			if chosen == "" {
				chosen = row.Get("target").String()
			}
			prompts = append(prompts, samplePrompt{
				prompt: row.Get("prompt").String(),
				chosen: chosen,
			})
			return limit <= 0 || len(prompts) < limit
		})

		if limit > 0 && len(prompts) >= limit {
			break
		}
	}

	if len(prompts) == 0 {
		return nil, errors.ConfigError("no test prompts available for sampling")
	}
	return prompts, nil
}

// formatTokens renders sampled token ids as a space-separated string
func formatTokens(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = strconv.Itoa(tok)
	}
	return strings.Join(parts, " ")
}

// writeSamples writes the artifact atomically under the run directory
func writeSamples(runDir string, out map[string]SampleEntry) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return errors.WrapCoded(err, errors.ErrCheckpointWrite).WithDetails("path", runDir)
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.WrapCoded(err, errors.ErrCheckpointWrite).WithDetails("path", runDir)
	}

	path := filepath.Join(runDir, SamplesFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.WrapCoded(err, errors.ErrCheckpointWrite).WithDetails("path", path)
	}
	return os.Rename(tmp, path)
}

//Personal.AI order the ending
