package pipeline

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/roelfdiedericks/clawproxy/internal/logging"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens in s with the cl100k_base encoding, which
// tracks the engine's tokenizer closely enough for accounting. Falls back to
// a bytes/4 heuristic if the encoding cannot be loaded.
func EstimateTokens(s string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			L_warn("pipeline: tiktoken encoding unavailable, using heuristic", "error", err)
			return
		}
		encoder = enc
	})

	if encoder == nil {
		return (len(s) + 3) / 4
	}
	return len(encoder.Encode(s, nil, nil))
}
