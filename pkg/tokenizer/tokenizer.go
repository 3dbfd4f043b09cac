// Package tokenizer provides the deterministic text-to-token-count
// function used to populate billing-style usage metadata on the
// OpenAI-compatible path. Counts never gate behavior: oversized input is
// neither truncated nor rejected.
package tokenizer

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE scheme used for usage accounting.
const DefaultEncoding = "cl100k_base"

// Counter counts the tokens of a text under a fixed encoding scheme.
// Implementations must be deterministic and safe for concurrent use.
type Counter interface {
	Count(text string) int
}

// New returns a Counter for the given encoding. When the encoding cannot
// be initialized (for example, the BPE vocabulary is unavailable offline)
// it logs a warning and falls back to the heuristic counter, keeping
// accounting deterministic rather than failing requests.
func New(encoding string) Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		slog.Warn("token encoding unavailable, using heuristic counter",
			"encoding", encoding,
			"error", err.Error(),
		)
		return Heuristic{}
	}
	return &bpeCounter{enc: enc}
}

// bpeCounter counts tokens with a tiktoken BPE encoding.
type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Heuristic approximates token counts as ceil(runes/4), the usual
// rule-of-thumb for BPE vocabularies. It exists as an offline fallback
// and as a deterministic counter for tests.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
