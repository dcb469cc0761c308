// Package recorder implements the live stream recording pipeline: rendition
// selection, media playlist polling, ordered concurrent segment download, and
// the lifecycle state machine that drives repeated recording cycles.
package recorder

import (
	"context"
	"time"
)

// Recording job statuses.
const (
	StatusWaitingForStream = "WAITING_FOR_STREAM"
	StatusDownloading      = "DOWNLOADING"
	StatusDownloaded       = "DOWNLOADED"
	StatusFailed           = "FAILED"
)

// Job is the persistent record of one live recording. It is mutated by the
// lifecycle and checkpointed to the store after every successful segment or
// chat write, so a crash loses at most one in-flight write.
type Job struct {
	ID           int64
	ChannelLogin string
	ChannelID    string
	ChannelName  string
	DownloadPath string
	Quality      string
	DownloadChat bool
	Live         bool
	Status       string

	// Resumability checkpoints.
	Bytes          int64
	ChatBytes      int64
	LastSegmentURL string
	URL            string // media output file
	ChatURL        string // chat document file

	// Stream metadata, filled in once the broadcast is identified.
	Title      string
	UploadDate time.Time
	GameID     string
	GameSlug   string
	GameName   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStore persists recording jobs. The SQL-backed implementation lives in
// the db package; tests use an in-memory store.
type JobStore interface {
	Get(ctx context.Context, id int64) (*Job, error)
	Save(ctx context.Context, job *Job) (int64, error)
	Update(ctx context.Context, job *Job) error
}
