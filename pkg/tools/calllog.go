package tools

import (
	"sync"
	"time"
)

// Status is the result kind of an executed tool call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Record is one executed call within a question cycle.
type Record struct {
	Tool      string
	Arguments map[string]any
	Status    Status
	Result    string
	Error     string
	At        time.Time
	Duration  time.Duration
}

// CallLog holds the calls made during the current question cycle.
type CallLog struct {
	mu      sync.Mutex
	records []Record
}

func NewCallLog() *CallLog {
	return &CallLog{}
}

func (l *CallLog) Add(r Record) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// Count returns how many calls were made to tool.
func (l *CallLog) Count(tool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.Tool == tool {
			n++
		}
	}
	return n
}

// Records returns a copy of the log in call order.
func (l *CallLog) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Reset clears the log for a new question.
func (l *CallLog) Reset() {
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
}
