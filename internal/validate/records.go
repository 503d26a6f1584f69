package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gh-analytics/sft-export/internal/model"
	"github.com/gh-analytics/sft-export/internal/partition"
)

// RecordError pairs a conversation with the structural errors found in it.
type RecordError struct {
	ConversationID string   `json:"conversationId"`
	Bucket         string   `json:"bucket"`
	TurnCount      int      `json:"turnCount"`
	Errors         []string `json:"errors"`
}

// Result aggregates whole-dataset validation. Produced fresh per pass,
// never mutated afterward.
type Result struct {
	Total          int
	Valid          int
	Invalid        int
	Duplicates     int
	ErrorCounts    map[string]int
	SampleErrors   []RecordError
	InvalidRecords []RecordError
}

// ValidPercentage returns the valid fraction as a percentage.
func (r Result) ValidPercentage() float64 {
	if r.Total == 0 {
		return 100
	}
	return float64(r.Valid) / float64(r.Total) * 100
}

// Summary converts the result to its manifest form.
func (r Result) Summary() model.ValidationSummary {
	return model.ValidationSummary{
		Total:           r.Total,
		Valid:           r.Valid,
		Invalid:         r.Invalid,
		ValidPercentage: r.ValidPercentage(),
		Duplicates:      r.Duplicates,
		ErrorCounts:     r.ErrorCounts,
	}
}

// Records runs structural validation over a set of accumulated records.
// expectedSplit, when non-empty, additionally verifies that every record's
// id hashes to that split — the proof-check behind split exclusivity.
func Records(records []model.Conversation, expectedSplit string, assigner partition.Assigner) Result {
	res := Result{
		Total:       len(records),
		ErrorCounts: make(map[string]int),
	}

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.ConversationID]; dup && rec.ConversationID != "" {
			res.Duplicates++
			res.ErrorCounts["duplicate conversationId"]++
		} else {
			seen[rec.ConversationID] = struct{}{}
		}

		errs := Record(rec, expectedSplit, assigner)
		if len(errs) == 0 {
			res.Valid++
			continue
		}
		res.Invalid++
		for _, e := range errs {
			res.ErrorCounts[e]++
		}

		re := RecordError{
			ConversationID: rec.ConversationID,
			Bucket:         rec.Bucket,
			TurnCount:      len(rec.Turns),
			Errors:         errs,
		}
		if len(res.SampleErrors) < 5 {
			res.SampleErrors = append(res.SampleErrors, re)
		}
		res.InvalidRecords = append(res.InvalidRecords, re)
	}

	return res
}

// Record validates one conversation's structural invariants and returns
// the errors found. Error strings are stable so the histogram groups them.
func Record(rec model.Conversation, expectedSplit string, assigner partition.Assigner) []string {
	var errs []string

	if rec.ConversationID == "" {
		errs = append(errs, "missing conversationId")
	}
	if rec.UserName == "" {
		errs = append(errs, "missing userName")
	}
	if rec.Bucket == "" {
		errs = append(errs, "missing bucket")
	}

	if expectedSplit != "" && rec.ConversationID != "" {
		if actual := assigner.Split(rec.ConversationID); actual != expectedSplit {
			errs = append(errs, fmt.Sprintf("split mismatch: expected %s, hash maps to %s", expectedSplit, actual))
		}
	}

	if len(rec.Turns) == 0 {
		errs = append(errs, "turnsArray is empty")
		return errs
	}

	// Stratum must agree with the turn count.
	if rec.Bucket != "" {
		if min, max, ok := partition.TurnRange(rec.Bucket); !ok {
			errs = append(errs, "invalid bucket")
		} else if n := len(rec.Turns); n < min || n > max {
			errs = append(errs, fmt.Sprintf("bucket mismatch: %s bucket has %d turns (expected %d-%d)",
				partition.Normalize(rec.Bucket), n, min, max))
		}
	}

	// Completeness: turn indices start at 1 and are sequential.
	if rec.Turns[0].TurnIndex != 1 {
		errs = append(errs, fmt.Sprintf("conversation incomplete: first turn has index %d", rec.Turns[0].TurnIndex))
	} else {
		for i, turn := range rec.Turns {
			if turn.TurnIndex != i+1 {
				errs = append(errs, fmt.Sprintf("turn index gap: expected %d, got %d", i+1, turn.TurnIndex))
				break
			}
		}
	}

	for i, turn := range rec.Turns {
		if turn.MessageID == "" {
			errs = append(errs, fmt.Sprintf("turn %d missing messageId", i+1))
		}
		if strings.TrimSpace(turn.UserMessage) == "" {
			errs = append(errs, fmt.Sprintf("turn %d has empty userMessage", i+1))
		}
		if len(turn.LLMCalls) == 0 {
			errs = append(errs, fmt.Sprintf("turn %d missing llmCalls", i+1))
		}
		// An empty modelMessage can be a tool-only response; not an error.
		for j, call := range turn.LLMCalls {
			if call.EffectiveCompletionTokens() < 0 {
				errs = append(errs, fmt.Sprintf("turn %d call %d: negative completionTokens", i+1, j+1))
			}
		}
	}

	return errs
}

// ExclusivityReport is the outcome of the cross-split exclusivity check.
type ExclusivityReport struct {
	Exclusive  bool
	SplitSizes map[string]int
	// Overlaps maps "split1-split2" to a sample of shared ids.
	Overlaps map[string][]string
}

// CrossSplitExclusivity verifies no conversation id appears in more than
// one split. The deterministic hash makes overlap impossible by
// construction; this catches config mistakes such as inconsistent band
// definitions across a resumed run.
func CrossSplitExclusivity(bySplit map[string][]model.Conversation) ExclusivityReport {
	idSets := make(map[string]map[string]struct{}, len(bySplit))
	sizes := make(map[string]int, len(bySplit))
	for split, records := range bySplit {
		ids := make(map[string]struct{}, len(records))
		for _, rec := range records {
			if rec.ConversationID != "" {
				ids[rec.ConversationID] = struct{}{}
			}
		}
		idSets[split] = ids
		sizes[split] = len(ids)
	}

	splits := make([]string, 0, len(idSets))
	for s := range idSets {
		splits = append(splits, s)
	}
	sort.Strings(splits)

	overlaps := make(map[string][]string)
	for i, s1 := range splits {
		for _, s2 := range splits[i+1:] {
			var shared []string
			for id := range idSets[s1] {
				if _, ok := idSets[s2][id]; ok {
					shared = append(shared, id)
					if len(shared) >= 5 {
						break
					}
				}
			}
			if len(shared) > 0 {
				sort.Strings(shared)
				overlaps[s1+"-"+s2] = shared
			}
		}
	}

	return ExclusivityReport{
		Exclusive:  len(overlaps) == 0,
		SplitSizes: sizes,
		Overlaps:   overlaps,
	}
}
