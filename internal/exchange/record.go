// Package exchange holds the detected building records: the in-memory
// deduplicated list and the append-only JSON-lines log behind it.
package exchange

import "time"

// Record is a tile confirmed (or estimated) to contain the target building.
// Records are immutable after creation.
type Record struct {
	Kingdom          uint32    `json:"kingdom"`
	X                int       `json:"x"`
	Y                int       `json:"y"`
	FoundAt          time.Time `json:"found_at"`
	Confirmed        bool      `json:"confirmed"`
	ScanDurationSecs float64   `json:"scan_duration_secs"`
	HasScreenshot    bool      `json:"has_screenshot"`

	// PNG of the confirming viewport, served through its own endpoint.
	Screenshot []byte `json:"-"`
}

// Entry is one line of the exchange log. Every confirmation outcome is
// logged, including rejected candidates that never become records.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	Kingdom          uint32    `json:"kingdom"`
	X                int       `json:"x"`
	Y                int       `json:"y"`
	Confirmed        bool      `json:"confirmed"`
	Stored           bool      `json:"stored"`
	InitialScore     float64   `json:"initial_score"`
	CalibrationScore *float64  `json:"calibration_score"`
	ScanPattern      string    `json:"scan_pattern"`
	ScanDurationSecs float64   `json:"scan_duration_secs"`
}
