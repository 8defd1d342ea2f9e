package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts prompt tokens with the cl100k_base encoding, the
// closest shared approximation across providers. Falls back to the four
// characters per token rule when the codec is unavailable.
func EstimateTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})

	if codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

// EstimatePromptTokens counts the combined system and user prompt.
func EstimatePromptTokens(system, user string) int {
	return EstimateTokens(system) + EstimateTokens(user)
}
