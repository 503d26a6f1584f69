// Package partition implements deterministic hash-based assignment of
// conversations to dataset splits, extraction chunks, and turn-count
// strata. Every function here is pure: identical input produces identical
// output on every process and platform, which is what makes split
// exclusivity and chunk completeness provable rather than merely likely.
package partition

import (
	"crypto/sha256"
)

// Split names.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// Stratum labels, named after their turn-count ranges.
const (
	StratumShort  = "short_3_to_5_turns"
	StratumMedium = "medium_6_to_10_turns"
	StratumLong   = "long_11_to_20_turns"
)

// Splits lists all split names in canonical order.
var Splits = []string{SplitTrain, SplitVal, SplitTest}

// Strata lists all stratum labels in canonical order.
var Strata = []string{StratumShort, StratumMedium, StratumLong}

// Assigner maps conversation ids to splits via contiguous percentage
// bands over hash(id) % 100: [0, TrainUpper) train, [TrainUpper, ValUpper)
// val, [ValUpper, 100) test.
type Assigner struct {
	TrainUpper int
	ValUpper   int
}

// Default returns the production band layout: 83% train, 9% val, 8% test.
func Default() Assigner {
	return Assigner{TrainUpper: 83, ValUpper: 92}
}

// Ratios returns the nominal split ratios implied by the bands.
func (a Assigner) Ratios() map[string]float64 {
	return map[string]float64{
		SplitTrain: float64(a.TrainUpper) / 100,
		SplitVal:   float64(a.ValUpper-a.TrainUpper) / 100,
		SplitTest:  float64(100-a.ValUpper) / 100,
	}
}

// Split deterministically assigns a conversation id to a split. The split
// depends on the id alone, never on chunk, rerun, or extraction order.
func (a Assigner) Split(conversationID string) string {
	switch h := hashMod(conversationID, 100); {
	case h < a.TrainUpper:
		return SplitTrain
	case h < a.ValUpper:
		return SplitVal
	default:
		return SplitTest
	}
}

// Chunk deterministically assigns a conversation id to one of totalChunks
// hash buckets. For a fixed totalChunks every id maps to exactly one
// chunk, so the union of all chunks covers the universe with no overlap.
func Chunk(conversationID string, totalChunks int) int {
	return hashMod(conversationID, totalChunks)
}

// Stratum maps a turn count to its stratum label. Counts outside every
// range return "", which whole-dataset validation reports as an error.
func Stratum(turnCount int) string {
	switch {
	case turnCount >= 3 && turnCount <= 5:
		return StratumShort
	case turnCount >= 6 && turnCount <= 10:
		return StratumMedium
	case turnCount >= 11 && turnCount <= 20:
		return StratumLong
	default:
		return ""
	}
}

// Normalize reduces a stratum label to its short form (short/medium/long).
// Unrecognized labels are returned unchanged.
func Normalize(stratum string) string {
	switch stratum {
	case StratumShort, "short":
		return "short"
	case StratumMedium, "medium":
		return "medium"
	case StratumLong, "long":
		return "long"
	}
	return stratum
}

// TurnRange returns the inclusive turn-count range for a stratum label.
func TurnRange(stratum string) (min, max int, ok bool) {
	switch Normalize(stratum) {
	case "short":
		return 3, 5, true
	case "medium":
		return 6, 10, true
	case "long":
		return 11, 20, true
	}
	return 0, 0, false
}

// hashMod reduces the SHA-256 of key modulo n. The digest is reduced byte
// by byte so the result equals reducing the full 256-bit integer, keeping
// assignments identical across processes and platforms.
func hashMod(key string, n int) int {
	sum := sha256.Sum256([]byte(key))
	r := 0
	for _, b := range sum {
		r = (r*256 + int(b)) % n
	}
	return r
}
