package scheduler

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of batch progress, served by the HTTP
// API and logged after every record.
type Snapshot struct {
	Total            int           `json:"total"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	Changed          int           `json:"changed"`
	CurrentASIN      string        `json:"current_asin,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
	AvgPerRecord     time.Duration `json:"avg_per_record"`
	EstimatedRemains time.Duration `json:"estimated_remaining"`
	Running          bool          `json:"running"`
}

// Tracker accumulates per-record timings and projects the remaining time
// as average-per-record times records-remaining. Safe for concurrent reads
// while the batch goroutine writes.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	changed   int
	current   string
	spent     time.Duration
	startedAt time.Time
	running   bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Start(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
	t.completed = 0
	t.failed = 0
	t.changed = 0
	t.spent = 0
	t.startedAt = time.Now()
	t.running = true
}

func (t *Tracker) BeginRecord(asin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = asin
}

// FinishRecord folds one record's duration into the running average.
func (t *Tracker) FinishRecord(spent time.Duration, failed, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	t.spent += spent
	t.current = ""
	if failed {
		t.failed++
	}
	if changed {
		t.changed++
	}
}

func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.current = ""
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Total:       t.total,
		Completed:   t.completed,
		Failed:      t.failed,
		Changed:     t.changed,
		CurrentASIN: t.current,
		Running:     t.running,
	}
	if t.running {
		s.Elapsed = time.Since(t.startedAt)
	}
	if t.completed > 0 {
		s.AvgPerRecord = t.spent / time.Duration(t.completed)
		s.EstimatedRemains = s.AvgPerRecord * time.Duration(t.total-t.completed)
	}
	return s
}
