// Package validate implements the two validation tiers of the export
// pipeline: a per-chunk critical screen that fails fast when a whole
// chunk's usage metrics are broken, and whole-dataset structural
// validation with a cross-split exclusivity check.
package validate

import (
	"fmt"
	"strings"

	"github.com/gh-analytics/sft-export/internal/model"
	"github.com/gh-analytics/sft-export/internal/resilience"
)

// CriticalError reports a chunk whose records all failed the token
// screen. This is the signature of a broken extraction query (wrong field
// name, wrong case, schema drift), not a data quality nuance; continuing
// would accumulate garbage across every remaining chunk.
type CriticalError struct {
	Chunk   int
	Total   int
	Samples []string
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf(
		"all %d records in chunk %d failed token validation; the extraction query is likely broken (sample: %s)",
		e.Total, e.Chunk, strings.Join(e.Samples, "; "),
	)
}

// TokenReport summarizes the per-chunk token screen.
type TokenReport struct {
	Total           int
	Valid           int
	Invalid         int
	InvalidFraction float64
	// Critical is set when the invalid fraction exceeds the configured
	// warning threshold. The run continues; operators get a loud warning.
	Critical     bool
	SampleErrors []string
}

// ScreenChunkTokens checks every record's usage metrics before the chunk
// is accumulated. If 100% of a non-empty chunk is invalid it returns a
// fatal CriticalError; below that, the report carries the numbers and the
// caller decides how loudly to log.
func ScreenChunkTokens(records []model.Conversation, chunk int, warnThreshold float64) (TokenReport, error) {
	rep := TokenReport{Total: len(records)}
	if rep.Total == 0 {
		return rep, nil
	}

	for _, rec := range records {
		errs := recordTokenErrors(rec)
		if len(errs) == 0 {
			rep.Valid++
			continue
		}
		rep.Invalid++
		if len(rep.SampleErrors) < 3 {
			rep.SampleErrors = append(rep.SampleErrors,
				fmt.Sprintf("%s: %s", shortID(rec.ConversationID), strings.Join(errs, ", ")))
		}
	}

	rep.InvalidFraction = float64(rep.Invalid) / float64(rep.Total)
	rep.Critical = rep.InvalidFraction > warnThreshold

	if rep.Invalid == rep.Total {
		return rep, resilience.NewFatalError(&CriticalError{
			Chunk:   chunk,
			Total:   rep.Total,
			Samples: rep.SampleErrors,
		})
	}
	return rep, nil
}

// recordTokenErrors checks the usage metrics of one record: positive
// conversation-level totals, a non-empty llmCalls list per turn, and a
// positive prompt token count per call.
func recordTokenErrors(rec model.Conversation) []string {
	var errs []string

	if rec.PromptTokenTotal() == 0 {
		errs = append(errs, "totalPromptTokens=0")
	}
	if rec.CompletionTokenTotal() == 0 {
		errs = append(errs, "totalCompletionTokens=0")
	}

	emptyCalls := 0
	zeroTokens := 0
	for _, turn := range rec.Turns {
		if len(turn.LLMCalls) == 0 {
			emptyCalls++
			continue
		}
		for _, call := range turn.LLMCalls {
			if call.EffectivePromptTokens() == 0 {
				zeroTokens++
				break
			}
		}
	}
	if emptyCalls > 0 {
		errs = append(errs, fmt.Sprintf("%d/%d turns have empty llmCalls", emptyCalls, len(rec.Turns)))
	}
	if zeroTokens > 0 {
		errs = append(errs, fmt.Sprintf("%d/%d turns have zero promptTokens", zeroTokens, len(rec.Turns)))
	}

	return errs
}

func shortID(id string) string {
	if id == "" {
		return "unknown"
	}
	if len(id) > 20 {
		return id[:20]
	}
	return id
}
