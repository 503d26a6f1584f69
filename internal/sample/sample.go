// Package sample draws bounded-size stratified samples from accumulated
// extraction candidates. Sampling is independent per (split, stratum)
// group: a uniform draw without replacement when the pool covers the
// target, the whole pool plus a shortfall warning when it does not.
package sample

import (
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/gh-analytics/sft-export/internal/model"
	"github.com/gh-analytics/sft-export/internal/partition"
)

// Targets maps split → normalized stratum → desired sample count.
type Targets map[string]map[string]int

// ProductionTargets returns the full-scale sampling plan: 100k train,
// 10k val, 10k test.
func ProductionTargets() Targets {
	return Targets{
		partition.SplitTrain: {"short": 40000, "medium": 40000, "long": 20000},
		partition.SplitVal:   {"short": 4000, "medium": 4000, "long": 2000},
		partition.SplitTest:  {"short": 4000, "medium": 4000, "long": 2000},
	}
}

// TestTargets returns the smoke-test sampling plan (~120 records).
func TestTargets() Targets {
	return Targets{
		partition.SplitTrain: {"short": 40, "medium": 40, "long": 20},
		partition.SplitVal:   {"short": 4, "medium": 4, "long": 2},
		partition.SplitTest:  {"short": 4, "medium": 4, "long": 2},
	}
}

// Shortfall records a group whose candidate pool was smaller than its
// target.
type Shortfall struct {
	Split   string
	Stratum string
	Wanted  int
	Got     int
}

func (s Shortfall) String() string {
	return fmt.Sprintf("%s/%s: only %d candidates available (wanted %d)", s.Split, s.Stratum, s.Got, s.Wanted)
}

// Result holds the sampled records grouped by split and full stratum
// label, plus any shortfalls encountered.
type Result struct {
	BySplit    map[string]map[string][]model.Conversation
	Shortfalls []Shortfall
}

// Counts returns per-split per-stratum record counts, with a "total" row
// per split.
func (r Result) Counts() map[string]map[string]int {
	counts := make(map[string]map[string]int, len(r.BySplit))
	for split, strata := range r.BySplit {
		counts[split] = make(map[string]int, len(strata)+1)
		total := 0
		for stratum, records := range strata {
			counts[split][stratum] = len(records)
			total += len(records)
		}
		counts[split]["total"] = total
	}
	return counts
}

// GrandTotal returns the total sampled record count.
func (r Result) GrandTotal() int {
	n := 0
	for _, strata := range r.BySplit {
		for _, records := range strata {
			n += len(records)
		}
	}
	return n
}

// Stratified groups candidates by (split, stratum) and draws each group's
// target count uniformly at random without replacement. Records missing a
// split annotation are assigned one from the id hash. The draw is not
// reproducible across runs; group membership and targets are.
func Stratified(candidates []model.Conversation, targets Targets, assigner partition.Assigner) Result {
	grouped := make(map[string]map[string][]model.Conversation)
	for _, split := range partition.Splits {
		grouped[split] = make(map[string][]model.Conversation)
	}

	for _, rec := range candidates {
		split := rec.Split
		if split == "" {
			split = assigner.Split(rec.ConversationID)
		}
		stratum := partition.Normalize(rec.Bucket)
		if _, ok := grouped[split]; !ok {
			continue
		}
		grouped[split][stratum] = append(grouped[split][stratum], rec)
	}

	res := Result{BySplit: make(map[string]map[string][]model.Conversation)}
	for _, split := range partition.Splits {
		res.BySplit[split] = make(map[string][]model.Conversation)
		for _, label := range partition.Strata {
			stratum := partition.Normalize(label)
			pool := grouped[split][stratum]
			target := targets[split][stratum]

			if len(pool) >= target {
				res.BySplit[split][label] = draw(pool, target)
			} else {
				res.BySplit[split][label] = pool
				if target > 0 {
					sf := Shortfall{Split: split, Stratum: stratum, Wanted: target, Got: len(pool)}
					res.Shortfalls = append(res.Shortfalls, sf)
					zap.L().Warn("stratum pool smaller than target",
						zap.String("split", split),
						zap.String("stratum", stratum),
						zap.Int("wanted", target),
						zap.Int("got", len(pool)),
					)
				}
			}

			zap.L().Info("sampled group",
				zap.String("split", split),
				zap.String("stratum", stratum),
				zap.Int("sampled", len(res.BySplit[split][label])),
				zap.Int("pool", len(pool)),
			)
		}
	}
	return res
}

// draw returns n records picked uniformly without replacement.
func draw(pool []model.Conversation, n int) []model.Conversation {
	idx := rand.Perm(len(pool))[:n]
	out := make([]model.Conversation, n)
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}
