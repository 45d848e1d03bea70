package session

import (
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
)

// Status is the lifecycle state of a download session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
// Failed is resumable, so it is not terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ValidTransition encodes the session state machine: pending -> active ->
// {completed, failed, paused, cancelled}, with paused/failed re-entering
// active on resume.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusCancelled || to == StatusFailed
	case StatusActive:
		return to == StatusCompleted || to == StatusFailed || to == StatusPaused || to == StatusCancelled
	case StatusPaused:
		// A resume can discover the upstream changed, failing the session
		// without it ever re-entering active.
		return to == StatusActive || to == StatusCancelled || to == StatusFailed
	case StatusFailed:
		return to == StatusActive || to == StatusCancelled
	default:
		return false
	}
}

// Range is a verified, durably written byte span [Start, End) of the output.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) Len() int64 { return r.End - r.Start }

// Progress is derived state, recomputed on each chunk completion.
type Progress struct {
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	SpeedBPS        float64 `json:"speed_bps"`
	ETASeconds      float64 `json:"eta_seconds"`
}

// FileInfo describes one artifact produced by a session.
type FileInfo struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
	Digest string `json:"digest,omitempty"`
}

// ErrorInfo records the last terminal failure; cleared on successful resume.
type ErrorInfo struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	At         time.Time `json:"at"`
}

// Session is the durable record of one URL's download lifecycle. Readers
// must tolerate unknown extra fields inside Metadata, which is why it stays
// a plain map.
type Session struct {
	ID          string                 `json:"session_id"`
	URL         string                 `json:"url"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Progress    Progress               `json:"progress"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Options     config.DownloadOptions `json:"options"`
	Files       []FileInfo             `json:"files,omitempty"`
	ErrorInfo   *ErrorInfo             `json:"error_info,omitempty"`
	Ranges      []Range                `json:"ranges,omitempty"`
}

// CoveredBytes sums the verified ranges.
func (s *Session) CoveredBytes() int64 {
	var total int64
	for _, r := range s.Ranges {
		total += r.Len()
	}
	return total
}

// Covered reports whether [start, end) is already inside a verified range.
func (s *Session) Covered(start, end int64) bool {
	for _, r := range s.Ranges {
		if start >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

// AddRange merges [start, end) into the coverage record, coalescing
// adjacent and overlapping spans so the record stays compact.
func (s *Session) AddRange(start, end int64) {
	merged := Range{Start: start, End: end}
	out := s.Ranges[:0]
	for _, r := range s.Ranges {
		if r.End < merged.Start || r.Start > merged.End {
			out = append(out, r)
			continue
		}
		if r.Start < merged.Start {
			merged.Start = r.Start
		}
		if r.End > merged.End {
			merged.End = r.End
		}
	}
	out = append(out, merged)
	// keep sorted by start for readable records
	for i := len(out) - 1; i > 0; i-- {
		if out[i].Start < out[i-1].Start {
			out[i], out[i-1] = out[i-1], out[i]
		}
	}
	s.Ranges = out
}

// Gaps returns the uncovered spans of [0, total), the exact work a resume
// has to re-request.
func (s *Session) Gaps(total int64) []Range {
	var gaps []Range
	cursor := int64(0)
	for _, r := range s.Ranges {
		if r.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, End: r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < total {
		gaps = append(gaps, Range{Start: cursor, End: total})
	}
	return gaps
}
