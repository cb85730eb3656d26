package vision

import (
	"sort"
	"sync"
)

// FrameStore holds the latest annotated JPEG per camera. Writers replace the
// whole frame; the MJPEG relay re-reads the slot at its own cadence, so a
// slow dashboard never backpressures a camera loop.
type FrameStore struct {
	mu     sync.RWMutex
	frames map[string][]byte
}

func NewFrameStore() *FrameStore {
	return &FrameStore{frames: make(map[string][]byte)}
}

// Set stores jpg as the latest frame for the camera. The slice is retained;
// callers must not modify it afterwards.
func (f *FrameStore) Set(id string, jpg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[id] = jpg
}

// Get returns the latest frame for the camera, or false when the camera has
// never produced one.
func (f *FrameStore) Get(id string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	jpg, ok := f.frames[id]
	return jpg, ok
}

// IDs lists the cameras with at least one stored frame, sorted.
func (f *FrameStore) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.frames))
	for id := range f.frames {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
