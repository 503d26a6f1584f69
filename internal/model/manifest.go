package model

import "time"

// CurationInfo identifies one dataset snapshot.
type CurationInfo struct {
	RunID        string    `json:"run_id"`
	CurationDate time.Time `json:"curation_date"`
	CurationID   string    `json:"curation_id"`
	QueryFile    string    `json:"query_file"`
	DataSource   string    `json:"data_source"`
	IsTest       bool      `json:"is_test"`
}

// QueryParameters records how the backend was queried.
type QueryParameters struct {
	TimeWindow      string    `json:"time_window"`
	TimeWindowStart time.Time `json:"time_window_start"`
	TimeWindowEnd   time.Time `json:"time_window_end"`
	Cluster         string    `json:"cluster"`
	Database        string    `json:"database"`
	NumChunks       int       `json:"num_chunks"`
}

// SplitMethod documents the deterministic hash partitioning scheme.
type SplitMethod struct {
	Algorithm         string `json:"algorithm"`
	TrainRange        string `json:"train_range"`
	ValRange          string `json:"val_range"`
	TestRange         string `json:"test_range"`
	MutualExclusivity string `json:"mutual_exclusivity"`
}

// StratumSpec defines one stratum's turn-count range.
type StratumSpec struct {
	TurnRange [2]int `json:"turn_range"`
}

// Stratification documents the bucket definitions and sampling targets.
type Stratification struct {
	Buckets      map[string]StratumSpec    `json:"buckets"`
	TargetCounts map[string]map[string]int `json:"target_counts"`
}

// ValidationSummary is the per-split validation outcome recorded in the
// manifest so a reader can judge the snapshot without re-running checks.
type ValidationSummary struct {
	Total           int            `json:"total"`
	Valid           int            `json:"valid"`
	Invalid         int            `json:"invalid"`
	ValidPercentage float64        `json:"valid_percentage"`
	Duplicates      int            `json:"duplicates"`
	ErrorCounts     map[string]int `json:"error_counts,omitempty"`
}

// Manifest is the provenance record written alongside a dataset snapshot.
// It is written once and read-only thereafter.
type Manifest struct {
	CurationInfo    CurationInfo                 `json:"curation_info"`
	QueryParameters QueryParameters              `json:"query_parameters"`
	SplitRatios     map[string]float64           `json:"split_ratios"`
	SplitMethod     SplitMethod                  `json:"split_method"`
	Stratification  Stratification               `json:"stratification"`
	ActualCounts    map[string]map[string]int    `json:"actual_counts"`
	GrandTotal      int                          `json:"grand_total"`
	Validation      map[string]ValidationSummary `json:"validation,omitempty"`
	SplitsExclusive bool                         `json:"splits_exclusive"`
	OutputFiles     []string                     `json:"output_files,omitempty"`
	GeneratedAt     time.Time                    `json:"generated_at"`
}
