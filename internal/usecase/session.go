package usecase

import (
	"sync"
	"time"

	"github.com/example/pii-masker/internal/masker"
)

// DownloadName is the file name offered when saving a result.
const DownloadName = "masked_output.png"

// ResultHandle references a materialized result blob.
type ResultHandle struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	DownloadName string `json:"download_name"`
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	Busy         bool          `json:"busy"`
	Progress     int           `json:"progress"`
	SelectedName string        `json:"selected_name,omitempty"`
	SelectedSize int64         `json:"selected_size"`
	Result       *ResultHandle `json:"result,omitempty"`
}

// Session is the upload state of one page load.
type Session struct {
	ID string

	mu         sync.Mutex
	selected   *masker.Image
	progress   int
	busy       bool
	result     *ResultHandle
	generation uint64
	lastSeen   time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, lastSeen: now}
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID: s.ID,
		Busy:      s.busy,
		Progress:  s.progress,
	}
	if s.selected != nil {
		snap.SelectedName = s.selected.Name
		snap.SelectedSize = int64(len(s.selected.Data))
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

// selectImage replaces the selection and returns the result it displaced.
func (s *Session) selectImage(image *masker.Image) *ResultHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.result
	s.selected = image
	s.result = nil
	s.progress = 0
	return prev
}

// begin marks an upload as started. It returns the image to send, the
// generation of this attempt and the result it displaced.
func (s *Session) begin() (*masker.Image, uint64, *ResultHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected.Empty() {
		return nil, 0, nil, ErrNoFileSelected
	}
	if s.busy {
		return nil, 0, nil, ErrUploadInProgress
	}
	prev := s.result
	s.busy = true
	s.progress = 0
	s.result = nil
	s.generation++
	return s.selected, s.generation, prev, nil
}

// advance raises progress for the given attempt. Lower or stale values are
// ignored. notify runs under the session lock with the new value, so it can
// never follow the attempt's finish.
func (s *Session) advance(generation uint64, percent int, notify func(current int)) bool {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy || s.generation != generation || percent <= s.progress {
		return false
	}
	s.progress = percent
	if notify != nil {
		notify(percent)
	}
	return true
}

// finish clears the busy flag and installs result, which may be nil.
func (s *Session) finish(result *ResultHandle) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.result = result
	return s.snapshotLocked()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && s.lastSeen.Before(cutoff)
}

func (s *Session) currentResult() *ResultHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
