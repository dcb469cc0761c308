package db

import (
	"context"
	"database/sql"

	"github.com/onnwee/stream-tender/recorder"
)

// RecordingStore persists recording jobs in the recordings table. It
// implements recorder.JobStore.
type RecordingStore struct{ DB *sql.DB }

const recordingColumns = `id, channel_login, channel_id, channel_name, download_path, quality,
	download_chat, live, status, bytes, chat_bytes, last_segment_url, url, chat_url,
	title, COALESCE(upload_date, '0001-01-01'::timestamptz), game_id, game_slug, game_name,
	COALESCE(created_at, '0001-01-01'::timestamptz), COALESCE(updated_at, '0001-01-01'::timestamptz)`

func scanJob(row interface{ Scan(...any) error }) (*recorder.Job, error) {
	var j recorder.Job
	err := row.Scan(&j.ID, &j.ChannelLogin, &j.ChannelID, &j.ChannelName, &j.DownloadPath, &j.Quality,
		&j.DownloadChat, &j.Live, &j.Status, &j.Bytes, &j.ChatBytes, &j.LastSegmentURL, &j.URL, &j.ChatURL,
		&j.Title, &j.UploadDate, &j.GameID, &j.GameSlug, &j.GameName, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Get loads a job by id; returns (nil, nil) when absent.
func (s *RecordingStore) Get(ctx context.Context, id int64) (*recorder.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id=$1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// Save inserts a new job and returns its id.
func (s *RecordingStore) Save(ctx context.Context, j *recorder.Job) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO recordings
		(channel_login, channel_id, channel_name, download_path, quality, download_chat, live, status,
		 bytes, chat_bytes, last_segment_url, url, chat_url, title, upload_date, game_id, game_slug, game_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NOW())
		RETURNING id`,
		j.ChannelLogin, j.ChannelID, j.ChannelName, j.DownloadPath, j.Quality, j.DownloadChat, j.Live, j.Status,
		j.Bytes, j.ChatBytes, j.LastSegmentURL, j.URL, j.ChatURL, j.Title, j.UploadDate, j.GameID, j.GameSlug, j.GameName).Scan(&id)
	return id, err
}

// Update persists all mutable fields of a job.
func (s *RecordingStore) Update(ctx context.Context, j *recorder.Job) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE recordings SET
		channel_id=$1, channel_name=$2, status=$3, bytes=$4, chat_bytes=$5, last_segment_url=$6,
		url=$7, chat_url=$8, title=$9, upload_date=$10,
		game_id=$11, game_slug=$12, game_name=$13, live=$14, updated_at=NOW()
		WHERE id=$15`,
		j.ChannelID, j.ChannelName, j.Status, j.Bytes, j.ChatBytes, j.LastSegmentURL,
		j.URL, j.ChatURL, j.Title, j.UploadDate, j.GameID, j.GameSlug, j.GameName, j.Live, j.ID)
	return err
}

// List returns the most recent jobs, newest first.
func (s *RecordingStore) List(ctx context.Context, limit int) ([]recorder.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+recordingColumns+` FROM recordings ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []recorder.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Active returns jobs still in a non-terminal state, oldest first. Used at
// startup to resume recordings interrupted by a crash.
func (s *RecordingStore) Active(ctx context.Context) ([]recorder.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+recordingColumns+` FROM recordings
		WHERE status IN ($1,$2) ORDER BY id ASC`, recorder.StatusWaitingForStream, recorder.StatusDownloading)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []recorder.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

var _ recorder.JobStore = (*RecordingStore)(nil)
