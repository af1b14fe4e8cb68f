// Package overlay holds the latest set of face regions to draw over the
// preview. One writer (the analysis scheduler) replaces the whole set; any
// number of renderers read snapshots at their own cadence.
package overlay

import (
	"sync/atomic"
	"time"

	"github.com/dudu/facepreview/internal/geometry"
)

// Snapshot is one published overlay. It is immutable once published.
type Snapshot struct {
	Regions     []geometry.Region
	Viewport    geometry.Viewport
	Version     uint64
	FrameSeq    uint64
	PublishedAt time.Time
}

// State is the shared overlay. The zero value is ready to use and reads as an
// empty overlay.
type State struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// New creates an empty overlay state
func New() *State {
	return &State{}
}

// Publish replaces the current regions. The slice is copied, so the caller may
// reuse it afterwards.
func (s *State) Publish(regions []geometry.Region) uint64 {
	return s.PublishFrame(regions, 0, geometry.Viewport{})
}

// PublishFrame replaces the current regions and records which frame and
// viewport they were mapped for.
func (s *State) PublishFrame(regions []geometry.Region, frameSeq uint64, vp geometry.Viewport) uint64 {
	owned := make([]geometry.Region, len(regions))
	copy(owned, regions)

	version := s.version.Add(1)
	s.current.Store(&Snapshot{
		Regions:     owned,
		Viewport:    vp,
		Version:     version,
		FrameSeq:    frameSeq,
		PublishedAt: time.Now(),
	})
	return version
}

// Clear publishes an empty overlay
func (s *State) Clear() {
	s.Publish(nil)
}

// Current returns a copy of the latest published regions, in detector order.
func (s *State) Current() []geometry.Region {
	snap := s.current.Load()
	if snap == nil {
		return []geometry.Region{}
	}
	out := make([]geometry.Region, len(snap.Regions))
	copy(out, snap.Regions)
	return out
}

// Snapshot returns the latest published snapshot. The returned value shares
// its Regions slice with the state and must be treated as read-only.
func (s *State) Snapshot() Snapshot {
	snap := s.current.Load()
	if snap == nil {
		return Snapshot{Regions: []geometry.Region{}}
	}
	return *snap
}

// Version returns how many times the state has been published
func (s *State) Version() uint64 {
	return s.version.Load()
}
