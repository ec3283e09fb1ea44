package domain

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

type TaskStatus string

const (
	TaskStatusStarting    TaskStatus = "starting"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusError       TaskStatus = "error"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// Task represents one orchestrated download tracked by the registry.
type Task struct {
	ID              string
	Title           string
	Status          TaskStatus
	Progress        float64
	DownloadedBytes int64
	TotalBytes      int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Peers           int
	Path            string
	Backend         string
	ArchiveLocation string
	Error           string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// Metrics is a point-in-time transfer sample reported by a backend.
type Metrics struct {
	DownloadedBytes int64
	TotalBytes      int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Peers           int
	Done            bool
}

// Percent returns the completion ratio of the sample on a 0-100 scale.
func (m Metrics) Percent() float64 {
	if m.TotalBytes <= 0 {
		return 0
	}
	p := float64(m.DownloadedBytes) * 100 / float64(m.TotalBytes)
	if p > 100 {
		p = 100
	}
	return p
}

// Clone returns a copy that shares no memory with t.
func (t Task) Clone() Task {
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

// ApplyMetrics copies a backend sample into the task. Terminal tasks are left untouched.
func (t *Task) ApplyMetrics(m Metrics) {
	if t.Status.Terminal() {
		return
	}
	downloaded := m.DownloadedBytes
	if m.TotalBytes > 0 && downloaded > m.TotalBytes {
		downloaded = m.TotalBytes
	}
	if downloaded < 0 {
		downloaded = 0
	}
	t.DownloadedBytes = downloaded
	t.TotalBytes = m.TotalBytes
	t.DownloadSpeed = m.DownloadSpeed
	t.UploadSpeed = m.UploadSpeed
	t.Peers = m.Peers
	if p := m.Percent(); p > t.Progress {
		t.Progress = p
	}
}

// MarkDownloading moves a starting task to downloading. It reports whether the task is
// downloading afterwards.
func (t *Task) MarkDownloading() bool {
	if t.Status.Terminal() {
		return false
	}
	t.Status = TaskStatusDownloading
	return true
}

// MarkCompleted freezes the task's metrics at their final values.
func (t *Task) MarkCompleted(at time.Time) bool {
	if t.Status.Terminal() {
		return false
	}
	t.Status = TaskStatusCompleted
	t.Progress = 100
	if t.TotalBytes > 0 {
		t.DownloadedBytes = t.TotalBytes
	}
	t.DownloadSpeed = 0
	t.UploadSpeed = 0
	t.Error = ""
	at = at.UTC()
	t.CompletedAt = &at
	return true
}

// MarkFailed records cause on a non-terminal task.
func (t *Task) MarkFailed(cause string) bool {
	if t.Status.Terminal() {
		return false
	}
	if strings.TrimSpace(cause) == "" {
		cause = "unknown error occurred"
	}
	t.Status = TaskStatusError
	t.Error = cause
	t.DownloadSpeed = 0
	t.UploadSpeed = 0
	return true
}

const maxTitleSegment = 200

var (
	illegalPathChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

// SanitizeTitle turns a display title into a single filesystem-safe directory segment.
func SanitizeTitle(title string) string {
	s := illegalPathChars.ReplaceAllString(strings.TrimSpace(title), "_")
	s = whitespaceRun.ReplaceAllString(s, "_")
	if len(s) > maxTitleSegment {
		s = s[:maxTitleSegment]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	if s == "" || s == "." || s == ".." {
		return "Unknown"
	}
	return s
}
