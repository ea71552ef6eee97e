package core

import (
	"sync"
	"time"
)

// MatchEntry records one event that fired a rule
type MatchEntry struct {
	EventID   string
	Timestamp time.Time
	SrcIP     string
	User      string
	Fields    map[string]string
}

// capturedFields are the static event fields kept alongside SrcIP and User so
// same_fields/not_same_fields can compare them later.
var capturedFields = []string{
	"dstip", "srcport", "dstport", "url", "id", "status",
	"extra_data", "hostname", "program_name", "location",
}

// NewMatchEntry captures the fields of ev that correlated rules compare against.
func NewMatchEntry(ev *Event) MatchEntry {
	entry := MatchEntry{
		EventID:   ev.EventID,
		Timestamp: ev.Timestamp,
		SrcIP:     ev.SrcIP,
		User:      ev.User,
	}
	entry.Fields = make(map[string]string, len(ev.Fields)+len(capturedFields))
	for k, v := range ev.Fields {
		entry.Fields[k] = v
	}
	for _, name := range capturedFields {
		if v := ev.Field(name); v != "" {
			entry.Fields[name] = v
		}
	}
	return entry
}

// Field mirrors Event.Field for the captured subset.
func (m MatchEntry) Field(name string) string {
	switch name {
	case "srcip":
		return m.SrcIP
	case "user", "srcuser", "dstuser":
		return m.User
	}
	return m.Fields[name]
}

// MatchList is an ordered match history shared between a rule that fires and
// the rules correlating on it. Workers append concurrently, so every access
// goes through the list mutex.
type MatchList struct {
	mu      sync.Mutex
	entries []MatchEntry // oldest first
	maxSize int
}

// NewMatchList creates an empty list holding at most maxSize entries.
// maxSize <= 0 means unbounded.
func NewMatchList(maxSize int) *MatchList {
	return &MatchList{maxSize: maxSize}
}

// Append records a match, evicting the oldest entry when the list is full.
func (l *MatchList) Append(entry MatchEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxSize > 0 && len(l.entries) >= l.maxSize {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
}

// Len returns the number of recorded matches.
func (l *MatchList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a snapshot, newest first.
func (l *MatchList) Entries() []MatchEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]MatchEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// CountSince counts entries newer than cutoff that satisfy keep. A zero
// cutoff counts every entry; a nil keep accepts everything.
func (l *MatchList) CountSince(cutoff time.Time, keep func(MatchEntry) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		if keep == nil || keep(e) {
			n++
		}
	}
	return n
}

// Prune drops entries older than cutoff and returns how many were removed.
func (l *MatchList) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	for _, e := range l.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(l.entries) - len(kept)
	l.entries = kept
	return removed
}
