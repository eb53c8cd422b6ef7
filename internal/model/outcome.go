package model

// OutcomeStatus is the per-circuit result of a resolution run.
type OutcomeStatus string

const (
	// StatusResolved means geometry was written (or would be, in check mode).
	StatusResolved OutcomeStatus = "resolved"
	// StatusConfirmedAbsent means the cache records the circuit as not in OSM.
	StatusConfirmedAbsent OutcomeStatus = "confirmed_absent"
	// StatusUnresolved means the circuit could not be resolved this run.
	StatusUnresolved OutcomeStatus = "unresolved"
	// StatusSkipped means output already existed and no work was done.
	StatusSkipped OutcomeStatus = "skipped"
	// StatusUpToDate means the cached version matches upstream (check mode).
	StatusUpToDate OutcomeStatus = "up_to_date"
	// StatusDrift means upstream has a newer version than cached (check mode).
	StatusDrift OutcomeStatus = "drift"
)

// Success reports whether the status counts as a successful outcome.
func (s OutcomeStatus) Success() bool {
	switch s {
	case StatusResolved, StatusSkipped, StatusUpToDate, StatusDrift:
		return true
	default:
		return false
	}
}

// Outcome is the result of processing one circuit.
type Outcome struct {
	Name        string        `json:"name"`
	Status      OutcomeStatus `json:"status"`
	Ref         GeoRef        `json:"ref"`
	Method      SearchMethod  `json:"method,omitempty"`
	WikidataID  string        `json:"wikidata_id,omitempty"`
	Version     int           `json:"version,omitempty"`
	PrevVersion int           `json:"prev_version,omitempty"`
	Path        string        `json:"path,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Cached      bool          `json:"cached"`
	Endpoint    string        `json:"endpoint,omitempty"`
}

// Summary counts outcomes by status.
type Summary struct {
	Total    int                   `json:"total"`
	ByStatus map[OutcomeStatus]int `json:"by_status"`
}

// NewSummary returns an empty summary.
func NewSummary() Summary {
	return Summary{ByStatus: make(map[OutcomeStatus]int)}
}

// Add counts one outcome.
func (s *Summary) Add(o Outcome) {
	if s.ByStatus == nil {
		s.ByStatus = make(map[OutcomeStatus]int)
	}
	s.Total++
	s.ByStatus[o.Status]++
}

// Failed returns the number of unresolved outcomes.
func (s Summary) Failed() int {
	return s.ByStatus[StatusUnresolved]
}
