package contextmgr

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"
)

// Estimator approximates the token count of text.
type Estimator interface {
	Count(text string) int
}

// CharEstimator assumes four characters per token.
type CharEstimator struct{}

func (CharEstimator) Count(text string) int {
	return (len(text) + 3) / 4
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e tiktokenEstimator) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

var (
	defaultOnce      sync.Once
	defaultEstimator Estimator
)

// DefaultEstimator returns a cl100k_base tokenizer, or CharEstimator when
// the encoding cannot be loaded.
func DefaultEstimator() Estimator {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken unavailable, estimating tokens from length")
			defaultEstimator = CharEstimator{}
			return
		}
		defaultEstimator = tiktokenEstimator{enc: enc}
	})
	return defaultEstimator
}
