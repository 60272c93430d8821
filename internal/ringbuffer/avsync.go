package ringbuffer

import (
	"math"
	"sync"
)

// DefaultSyncThresholdMs is the drift tolerated before a correction.
const DefaultSyncThresholdMs = 40

// Action is the correction the display loop applies to the current frame.
type Action int

const (
	ActionNone Action = iota
	// ActionDrop discards the frame: video is ahead of audio.
	ActionDrop
	// ActionRepeat holds the previous frame: video is behind audio.
	ActionRepeat
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionRepeat:
		return "repeat"
	default:
		return "none"
	}
}

// MarshalText encodes the action by name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// SyncStats is a snapshot of the sync estimator.
type SyncStats struct {
	DriftMs     float64 `json:"driftMs"`
	IsSynced    bool    `json:"isSynced"`
	ThresholdMs float64 `json:"thresholdMs"`
	Action      Action  `json:"action"`
}

// AVSync tracks drift = video time - audio time.
type AVSync struct {
	mu        sync.Mutex
	threshold float64
	audioMs   float64
	videoMs   float64
	hasAudio  bool
	hasVideo  bool
}

// NewAVSync creates an estimator. A non-positive threshold selects
// DefaultSyncThresholdMs.
func NewAVSync(thresholdMs float64) *AVSync {
	if thresholdMs <= 0 {
		thresholdMs = DefaultSyncThresholdMs
	}
	return &AVSync{threshold: thresholdMs}
}

// SetAudioTime records the audio clock.
func (s *AVSync) SetAudioTime(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioMs = ms
	s.hasAudio = true
}

// SetVideoTime records the pts of the displayed frame.
func (s *AVSync) SetVideoTime(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoMs = ms
	s.hasVideo = true
}

// SetThreshold changes the tolerated drift. Non-positive values are ignored.
func (s *AVSync) SetThreshold(ms float64) {
	if ms <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = ms
}

// Threshold returns the tolerated drift.
func (s *AVSync) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// Drift returns video minus audio time, or zero until both clocks are set.
func (s *AVSync) Drift() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driftLocked()
}

func (s *AVSync) driftLocked() float64 {
	if !s.hasAudio || !s.hasVideo {
		return 0
	}
	return s.videoMs - s.audioMs
}

// IsSynced reports whether |drift| is within the threshold.
func (s *AVSync) IsSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return math.Abs(s.driftLocked()) <= s.threshold
}

// Action returns the correction for the current drift.
func (s *AVSync) Action() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionLocked()
}

func (s *AVSync) actionLocked() Action {
	d := s.driftLocked()
	switch {
	case d > s.threshold:
		return ActionDrop
	case d < -s.threshold:
		return ActionRepeat
	default:
		return ActionNone
	}
}

// Reset forgets both clocks.
func (s *AVSync) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioMs, s.videoMs = 0, 0
	s.hasAudio, s.hasVideo = false, false
}

// Stats returns a snapshot of the estimator.
func (s *AVSync) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.driftLocked()
	return SyncStats{
		DriftMs:     d,
		IsSynced:    math.Abs(d) <= s.threshold,
		ThresholdMs: s.threshold,
		Action:      s.actionLocked(),
	}
}
