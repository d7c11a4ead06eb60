package plcman

import (
	"time"
)

// ScanList is the ordered set of tags scheduled at one period on one
// PLC. Created on the first AddTag at a new period and never
// destroyed. All fields are guarded by the owning PLC's mutex.
type ScanList struct {
	id      ScanListID
	period  time.Duration
	enabled bool
	next    time.Time
	tags    []*TagInfo

	// Statistics, updated by the scan worker.
	errors   uint64
	lastScan time.Duration
	minScan  time.Duration
	maxScan  time.Duration
	lastAt   time.Time
}

func newScanList(id ScanListID, period time.Duration) *ScanList {
	return &ScanList{
		id:      id,
		period:  period,
		enabled: true,
	}
}

// Period returns the scan period.
func (sl *ScanList) Period() time.Duration { return sl.period }

// ID returns the list id within its PLC.
func (sl *ScanList) ID() ScanListID { return sl.id }

// recordScan folds one cycle's duration into the statistics.
func (sl *ScanList) recordScan(d time.Duration, at time.Time) {
	sl.lastScan = d
	sl.lastAt = at
	if sl.minScan == 0 || d < sl.minScan {
		sl.minScan = d
	}
	if d > sl.maxScan {
		sl.maxScan = d
	}
}

// resetStats clears the counters and re-arms the schedule.
func (sl *ScanList) resetStats(now time.Time) {
	sl.errors = 0
	sl.lastScan = 0
	sl.minScan = 0
	sl.maxScan = 0
	sl.lastAt = time.Time{}
	sl.next = now
}

// ListStatus is a point-in-time statistics snapshot of one scan list.
type ListStatus struct {
	ID       int           `json:"id"`
	Period   time.Duration `json:"period"`
	Enabled  bool          `json:"enabled"`
	NextDue  time.Time     `json:"next_due"`
	Errors   uint64        `json:"errors"`
	LastScan time.Duration `json:"last_scan"`
	MinScan  time.Duration `json:"min_scan"`
	MaxScan  time.Duration `json:"max_scan"`
	LastAt   time.Time     `json:"last_at"`
	Tags     []TagStatus   `json:"tags"`
}

// TagStatus is a point-in-time snapshot of one tag.
type TagStatus struct {
	Name         string      `json:"name"`
	Elements     uint16      `json:"elements"`
	Valid        bool        `json:"valid"`
	Type         string      `json:"type,omitempty"`
	Value        interface{} `json:"value,omitempty"`
	WritePending bool        `json:"write_pending,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// statusLocked snapshots the list. Caller holds the PLC mutex.
func (sl *ScanList) statusLocked() ListStatus {
	st := ListStatus{
		ID:       int(sl.id),
		Period:   sl.period,
		Enabled:  sl.enabled,
		NextDue:  sl.next,
		Errors:   sl.errors,
		LastScan: sl.lastScan,
		MinScan:  sl.minScan,
		MaxScan:  sl.maxScan,
		LastAt:   sl.lastAt,
	}
	for _, t := range sl.tags {
		v := t.Snapshot()
		ts := TagStatus{
			Name:         t.Name(),
			Elements:     t.Elements(),
			Valid:        v.Valid(),
			WritePending: t.WritePending(),
		}
		if v.Valid() {
			ts.Type = v.TypeName()
			ts.Value = v.GoValue()
		}
		if v.Error != nil {
			ts.Error = v.Error.Error()
		}
		st.Tags = append(st.Tags, ts)
	}
	return st
}
