package data

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := NewTokenizer(TokenizerConfig{
		VocabSize:       512,
		ModelName:       "test-model",
		HumanPrefix:     "<|user|>\n",
		AssistantPrefix: "\n<|assistant|>\n",
		MaxLength:       16,
		MaxPromptLength: 8,
	})
	require.NoError(t, err)
	return tok
}

// TestTokenizerConstruction tests constructor validation
func TestTokenizerConstruction(t *testing.T) {
	t.Run("Reject tiny vocab", func(t *testing.T) {
		_, err := NewTokenizer(TokenizerConfig{VocabSize: 1, MaxLength: 8, MaxPromptLength: 4})
		assert.Error(t, err)
	})

	t.Run("Reject prompt length at or above max length", func(t *testing.T) {
		_, err := NewTokenizer(TokenizerConfig{VocabSize: 64, MaxLength: 8, MaxPromptLength: 8})
		assert.Error(t, err)
	})
}

// TestEncode tests hashing determinism and range
func TestEncode(t *testing.T) {
	tok := testTokenizer(t)

	t.Run("Deterministic", func(t *testing.T) {
		a := tok.Encode("the quick brown fox")
		b := tok.Encode("the quick brown fox")
		assert.Equal(t, a, b)
	})

	t.Run("Ids avoid the pad token", func(t *testing.T) {
		ids := tok.Encode(strings.Repeat("word ", 50))
		for _, id := range ids {
			assert.Greater(t, id, PadID)
			assert.Less(t, id, 512)
		}
	})

	t.Run("Salt separates models", func(t *testing.T) {
		other, err := NewTokenizer(TokenizerConfig{
			VocabSize: 512, ModelName: "other-model", MaxLength: 16, MaxPromptLength: 8,
		})
		require.NoError(t, err)

		a := tok.Encode("alpha beta gamma delta epsilon zeta eta theta")
		b := other.Encode("alpha beta gamma delta epsilon zeta eta theta")
		assert.NotEqual(t, a, b)
	})
}

// TestBuildSequence tests the truncation policy
func TestBuildSequence(t *testing.T) {
	tok := testTokenizer(t)

	t.Run("Prompt is left-truncated", func(t *testing.T) {
		longPrompt := strings.Repeat("early ", 10) + "late ending"
		promptIDs, _ := tok.BuildSequence(longPrompt, "ok")

		assert.Len(t, promptIDs, 8)
		// The tail of the formatted prompt must survive: the last raw words
		// followed by the assistant control token
		tail := tok.Encode("late ending\n<|assistant|>")
		assert.Equal(t, tail, promptIDs[len(promptIDs)-len(tail):])
	})

	t.Run("Response is right-truncated to fit max length", func(t *testing.T) {
		promptIDs, responseIDs := tok.BuildSequence(
			strings.Repeat("p ", 20),
			strings.Repeat("r ", 20),
		)
		assert.LessOrEqual(t, len(promptIDs)+len(responseIDs), 16)
		assert.Len(t, promptIDs, 8)
		assert.Len(t, responseIDs, 8)
	})

	t.Run("Short sequences are untouched", func(t *testing.T) {
		promptIDs, responseIDs := tok.BuildSequence("hi", "there friend")
		// formatting tokens count toward length
		assert.NotEmpty(t, promptIDs)
		assert.NotEmpty(t, responseIDs)
		assert.LessOrEqual(t, len(promptIDs)+len(responseIDs), 16)
	})
}

//Personal.AI order the ending
