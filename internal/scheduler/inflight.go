package scheduler

import "sync"

// inFlight is the set of job ids currently being executed by this process.
// It is the only guard against dispatching a job twice.
type inFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInFlight() *inFlight {
	return &inFlight{ids: make(map[string]struct{})}
}

// TryClaim adds id unless it is already held or the set has reached limit.
func (f *inFlight) TryClaim(id string, limit int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return false
	}
	if len(f.ids) >= limit {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inFlight) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

func (f *inFlight) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}

func (f *inFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
