package model

import "time"

// ResultRow is the externally visible outcome for one frame.
type ResultRow struct {
	Frame          FrameRecord     `json:"frame"`
	Classification *Classification `json:"classification,omitempty"`
	Decision       Decision        `json:"decision"`
	DuplicateOf    string          `json:"duplicate_of,omitempty"` // earlier frame of the same burst
}

// Counts tallies decisions by kind.
type Counts struct {
	Present      int `json:"present"`
	Uncertain    int `json:"uncertain"`
	Empty        int `json:"empty"`
	Unclassified int `json:"unclassified"`
	Manual       int `json:"manual"`
}

// Tally counts the decisions in rows.
func Tally(rows []ResultRow) Counts {
	var c Counts
	for _, r := range rows {
		switch r.Decision.Kind {
		case KindPresent:
			c.Present++
		case KindUncertain:
			c.Uncertain++
		case KindEmpty:
			c.Empty++
		case KindUnclassified:
			c.Unclassified++
		}
		if r.Decision.Manual {
			c.Manual++
		}
	}
	return c
}

// Fingerprint summarizes a folder's contents at scan time.
type Fingerprint struct {
	Count         int    `json:"count"`
	ModSignature  string `json:"mod_signature"`
	SizeSignature string `json:"size_signature"`
}

// CacheEntry is the persisted scan result set for one folder.
type CacheEntry struct {
	Folder       string      `json:"folder"`
	Key          string      `json:"key"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	ModelVersion string      `json:"model_version"`
	GeneratedAt  time.Time   `json:"generated_at"`
	Rows         []ResultRow `json:"rows"`
}

// FindRow returns the index of the row for path, matching either the
// absolute or the folder-relative path.
func (e *CacheEntry) FindRow(path string) int {
	for i, r := range e.Rows {
		if r.Frame.Path == path || r.Frame.RelPath == path {
			return i
		}
	}
	return -1
}
