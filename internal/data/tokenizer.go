// Package data implements the example pipeline for halotrain: dataset
// loading, prompt formatting and tokenization, example sources for the three
// dataloader variants, batch assembly with composition guarantees, and a
// two-tier tokenized example cache.
package data

import (
	"hash/fnv"
	"strings"

	"github.com/halotrain/halotrain/pkg/errors"
)

// PadID is the reserved padding token. Real token ids start at 1 so models
// can skip padding by id.
const PadID = 0

// ============================================================================
// Tokenizer
// ============================================================================

// Tokenizer maps text to ids in a hashed vocabulary and applies the prompt
// formatting and truncation policy. Hashing is salted with the model name so
// two model configurations never share token ids by accident.
type Tokenizer struct {
	vocabSize int
	salt      string

	humanPrefix     string
	humanSuffix     string
	assistantPrefix string
	assistantSuffix string

	maxLength       int
	maxPromptLength int
}

// TokenizerConfig defines tokenizer construction parameters
type TokenizerConfig struct {
	VocabSize       int
	ModelName       string
	HumanPrefix     string
	HumanSuffix     string
	AssistantPrefix string
	AssistantSuffix string
	MaxLength       int
	MaxPromptLength int
}

// NewTokenizer creates a tokenizer for the configured vocabulary
func NewTokenizer(cfg TokenizerConfig) (*Tokenizer, error) {
	if cfg.VocabSize < 2 {
		return nil, errors.ConfigErrorf("vocab size must be at least 2, got %d", cfg.VocabSize)
	}
	if cfg.MaxPromptLength >= cfg.MaxLength {
		return nil, errors.ConfigErrorf("max_prompt_length %d must be below max_length %d",
			cfg.MaxPromptLength, cfg.MaxLength)
	}

	return &Tokenizer{
		vocabSize:       cfg.VocabSize,
		salt:            cfg.ModelName,
		humanPrefix:     cfg.HumanPrefix,
		humanSuffix:     cfg.HumanSuffix,
		assistantPrefix: cfg.AssistantPrefix,
		assistantSuffix: cfg.AssistantSuffix,
		maxLength:       cfg.MaxLength,
		maxPromptLength: cfg.MaxPromptLength,
	}, nil
}

// VocabSize returns the hashed vocabulary size
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

// FormatPrompt wraps raw prompt text with the conversation control tokens
func (t *Tokenizer) FormatPrompt(prompt string) string {
	var b strings.Builder
	b.WriteString(t.humanPrefix)
	b.WriteString(prompt)
	b.WriteString(t.humanSuffix)
	b.WriteString(t.assistantPrefix)
	return b.String()
}

// FormatResponse appends the assistant terminator to a response
func (t *Tokenizer) FormatResponse(response string) string {
	return response + t.assistantSuffix
}

// Encode maps whitespace-separated units to token ids in [1, vocabSize)
func (t *Tokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, t.hash(f))
	}
	return ids
}

// hash maps one unit to a non-pad token id
func (t *Tokenizer) hash(unit string) int {
	h := fnv.New64a()
	h.Write([]byte(t.salt))
	h.Write([]byte{0})
	h.Write([]byte(unit))
	return 1 + int(h.Sum64()%uint64(t.vocabSize-1))
}

// BuildSequence tokenizes a formatted prompt and response and applies the
// truncation policy: the prompt keeps its most recent max_prompt_length
// tokens (left truncation), then the response is cut on the right so the
// combined sequence fits max_length.
func (t *Tokenizer) BuildSequence(prompt, response string) (promptIDs, responseIDs []int) {
	promptIDs = t.Encode(t.FormatPrompt(prompt))
	responseIDs = t.Encode(t.FormatResponse(response))

	if len(promptIDs) > t.maxPromptLength {
		promptIDs = promptIDs[len(promptIDs)-t.maxPromptLength:]
	}

	if room := t.maxLength - len(promptIDs); len(responseIDs) > room {
		responseIDs = responseIDs[:room]
	}

	return promptIDs, responseIDs
}

//Personal.AI order the ending
