// Package model defines the canonical record shapes shared by the
// extraction pipeline and the warehouse.
package model

import "time"

// DateLayout is the wire format for logical run dates.
const DateLayout = "2006-01-02"

// CanonicalRecord is the typed, normalized form of one catalog detail
// record. It is produced purely from a single API response plus the run's
// logical date; no cross-record state is involved.
type CanonicalRecord struct {
	AppID          int64    `json:"appid"`
	Name           string   `json:"name"`
	Genres         []string `json:"genre"`
	Tags           []string `json:"tags"`
	Languages      []string `json:"languages"`
	Developer      string   `json:"developer"`
	Publisher      string   `json:"publisher"`
	ScoreRank      string   `json:"score_rank"`
	Positive       int64    `json:"positive"`
	Negative       int64    `json:"negative"`
	Owners         string   `json:"owners"`
	MinOwners      int64    `json:"min_owners"`
	MaxOwners      int64    `json:"max_owners"`
	AverageForever int64    `json:"average_forever"`
	Average2Weeks  int64    `json:"average_2weeks"`
	MedianForever  int64    `json:"median_forever"`
	Median2Weeks   int64    `json:"median_2weeks"`
	CCU            int64    `json:"ccu"`

	// Price fields are canonical decimal strings in major units ("5.99",
	// "0"), never floats, so change detection is exact.
	Price        string `json:"price"`
	InitialPrice string `json:"initialprice"`
	Discount     string `json:"discount"`

	// LoadDate is the run's logical date, not processing wall-clock time.
	LoadDate time.Time `json:"load_date"`
}

// HistoricalRecord is a CanonicalRecord plus SCD Type 2 versioning fields.
// Rows are only ever inserted or closed, never deleted.
type HistoricalRecord struct {
	CanonicalRecord

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"` // nil = open / current version
	IsActive  bool       `json:"is_active"`
}

// StagedBatch is one run's complete fetch+transform output: the unit the
// stager uploads and the merger consumes.
type StagedBatch struct {
	RunDate time.Time         `json:"run_date"`
	Records []CanonicalRecord `json:"records"`
}
