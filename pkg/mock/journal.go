package mock

import "sync"

// Journal records the order of calls across several fakes.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Add appends an entry. A nil Journal discards it.
func (j *Journal) Add(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Entries returns a copy of the recorded entries.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Index returns the position of the first entry equal to entry, or -1.
func (j *Journal) Index(entry string) int {
	for i, e := range j.Entries() {
		if e == entry {
			return i
		}
	}
	return -1
}
