package frame

import (
	"fmt"
	"sync"
	"time"
)

// Item is one frame of a burst. Items are stored by value in a Bundle and
// handed out as copies; the buffers are shared and protected by their own
// leases.
type Item struct {
	Path         string       `json:"path,omitempty"`
	Image        *PixelBuffer `json:"-"`
	Depth        *DepthBuffer `json:"-"`
	Matte        *MatteBuffer `json:"-"`
	Metadata     Metadata     `json:"metadata"`
	QualityScore float64      `json:"quality_score"`
	Selected     bool         `json:"selected"`
}

// SessionMetadata describes the capture session that produced a bundle.
type SessionMetadata struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
	Mode      string    `json:"mode,omitempty"`
}

// Bundle is a fixed-size, index-addressed arena of frames from one burst.
// Quality scores and the selection flag are only changed through explicit
// index operations; once frozen the bundle is read-only.
type Bundle struct {
	mu              sync.RWMutex
	items           []Item
	hints           SceneHints
	hasHints        bool
	session         SessionMetadata
	captureDuration time.Duration
	frozen          bool
}

// NewBundle copies items into a new arena. Incoming scores and selection
// flags are reset.
func NewBundle(session SessionMetadata, captureDuration time.Duration, items []Item) *Bundle {
	arena := make([]Item, len(items))
	for i, it := range items {
		it.Metadata = it.Metadata.Normalized()
		it.QualityScore = 0
		it.Selected = false
		arena[i] = it
	}
	return &Bundle{items: arena, session: session, captureDuration: captureDuration}
}

// Len reports the number of frames.
func (b *Bundle) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Item returns a copy of the frame at i.
func (b *Bundle) Item(i int) (Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.items) {
		return Item{}, fmt.Errorf("item %d: %w", i, ErrIndexOutOfRange)
	}
	return b.items[i], nil
}

// Items returns copies of all frames in capture order.
func (b *Bundle) Items() []Item {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Item, len(b.items))
	copy(out, b.items)
	return out
}

// Session returns the session descriptor.
func (b *Bundle) Session() SessionMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// CaptureDuration is the wall time the burst took to capture.
func (b *Bundle) CaptureDuration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.captureDuration
}

// Hints returns the scene hints and whether they have been derived yet.
func (b *Bundle) Hints() (SceneHints, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hints, b.hasHints
}

// SetHints records derived scene hints. Hints are set at most once.
func (b *Bundle) SetHints(h SceneHints) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrBundleFrozen
	}
	if b.hasHints {
		return nil
	}
	b.hints = h
	b.hasHints = true
	return nil
}

// SetQualityScore stores the final score of frame i.
func (b *Bundle) SetQualityScore(i int, score float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrBundleFrozen
	}
	if i < 0 || i >= len(b.items) {
		return fmt.Errorf("item %d: %w", i, ErrIndexOutOfRange)
	}
	b.items[i].QualityScore = Clamp01(score)
	return nil
}

// Select marks frame i as the winner and clears every other flag.
func (b *Bundle) Select(i int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrBundleFrozen
	}
	if i < 0 || i >= len(b.items) {
		return fmt.Errorf("item %d: %w", i, ErrIndexOutOfRange)
	}
	for j := range b.items {
		b.items[j].Selected = j == i
	}
	return nil
}

// Selected returns the index of the selected frame, if any.
func (b *Bundle) Selected() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.items {
		if b.items[i].Selected {
			return i, true
		}
	}
	return -1, false
}

// Freeze makes the bundle read-only.
func (b *Bundle) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (b *Bundle) Frozen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frozen
}
