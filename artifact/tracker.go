package artifact

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrAlreadyPublished = errors.New("job already published an artifact")

	// ErrMissingPath means a declared artifact path matched nothing in
	// the workspace at publish time.
	ErrMissingPath = errors.New("artifact path matched no files")
)

// Handle identifies one published artifact archive in the blob store.
type Handle struct {
	Job       string    `json:"job"`
	Key       string    `json:"key"`
	Paths     []string  `json:"paths"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker records which job of a run published which artifact, and
// scopes visibility to strictly later stages. Each job publishes at
// most once.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

type entry struct {
	handle Handle
	stage  int
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]entry)}
}

func (t *Tracker) Publish(job string, stage int, h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[job]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, job)
	}
	t.entries[job] = entry{handle: h, stage: stage}
	t.order = append(t.order, job)
	return nil
}

// Resolve returns the artifact a job published, if any.
func (t *Tracker) Resolve(job string) (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[job]
	return e.handle, ok
}

// InputsFor lists the artifacts visible to a job running in the given
// stage: everything published by strictly earlier stages, in publish
// order. Artifacts from the job's own stage are never visible, not
// even to siblings that already finished.
func (t *Tracker) InputsFor(stage int) []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var handles []Handle
	for _, job := range t.order {
		if e := t.entries[job]; e.stage < stage {
			handles = append(handles, e.handle)
		}
	}
	return handles
}
