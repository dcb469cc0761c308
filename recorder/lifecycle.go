package recorder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/onnwee/stream-tender/chat"
	"github.com/onnwee/stream-tender/m3u8"
	"github.com/onnwee/stream-tender/streamapi"
	"github.com/onnwee/stream-tender/telemetry"
)

// MinOfflineCheck is the floor for the delay between live checks while
// waiting for a stream to start.
const MinOfflineCheck = 2 * time.Second

// DefaultOfflineCheck paces live checks while waiting for a stream.
const DefaultOfflineCheck = 10 * time.Second

// metadata backfill retries while a stream's info is not yet published
const (
	metadataAttempts = 10
	metadataDelay    = 10 * time.Second
)

// StreamAPI is the platform lookup surface the lifecycle needs.
type StreamAPI interface {
	GetStream(ctx context.Context, login string) (*streamapi.Stream, error)
	PlaylistURL(login string) string
}

// Lifecycle drives a recording job through its states: wait for the stream
// to go live, record cycles until the broadcast ends, then either finish or
// chain a new split job and wait for the broadcast to resume.
type Lifecycle struct {
	Store JobStore
	API   StreamAPI
	Fetch FetchFunc
	// ProxyFetch, when set, re-resolves the multivariant playlist through a
	// proxy before the media playlist is polled.
	ProxyFetch FetchFunc

	// ChatSource supplies the chat transport; nil disables chat capture
	// regardless of the job's flag.
	ChatSource chat.Source
	// ChatChannel overrides the channel identifier passed to the chat
	// source; defaults to the job's channel ID, then login.
	ChatChannel string

	// OfflineCheck paces live checks while waiting; defaulted and clamped.
	OfflineCheck time.Duration
	// LiveCheck paces media playlist polls while recording.
	LiveCheck time.Duration
	// ConcurrentLimit bounds parallel segment fetches.
	ConcurrentLimit int64

	// StartWait bounds how long to wait for the stream to go live.
	// Nil means wait forever; zero means give up immediately.
	StartWait *time.Duration
	// EndWait bounds how long a chained split job waits for the broadcast
	// to resume after an end-of-stream. Nil means keep waiting forever;
	// zero means finish without chaining.
	EndWait *time.Duration
}

func (l *Lifecycle) offlineCheck() time.Duration {
	d := l.OfflineCheck
	if d <= 0 {
		d = DefaultOfflineCheck
	}
	if d < MinOfflineCheck {
		d = MinOfflineCheck
	}
	return d
}

// Run executes the job until it reaches a terminal state. Only a missing
// job record is a hard failure; every other fault is absorbed into retries
// and state transitions.
func (l *Lifecycle) Run(ctx context.Context, jobID int64) error {
	job, err := l.Store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("job %d not found", jobID)
	}
	logger := slog.Default().With(slog.String("component", "lifecycle"), slog.Int64("job_id", job.ID), slog.String("channel", job.ChannelLogin))

	var deadline *time.Time
	if l.StartWait != nil {
		t := time.Now().Add(*l.StartWait)
		deadline = &t
	}

	for {
		job.Status = StatusWaitingForStream
		if err := l.Store.Update(ctx, job); err != nil {
			logger.Warn("persisting status", slog.Any("err", err))
		}

		body, ok := l.waitForLive(ctx, job, deadline, logger)
		if !ok {
			// Gave up or canceled; the job keeps whatever it recorded.
			job.Status = StatusDownloaded
			if err := l.Store.Update(ctx, job); err != nil {
				logger.Warn("persisting status", slog.Any("err", err))
			}
			return nil
		}

		mediaURL, found := l.resolveRendition(ctx, job, body, logger)
		if !found {
			l.pause(ctx, l.offlineCheck())
			continue
		}

		job.Status = StatusDownloading
		if err := l.Store.Update(ctx, job); err != nil {
			logger.Warn("persisting status", slog.Any("err", err))
		}
		telemetry.IncActiveRecordings()
		logger.Info("recording started", slog.String("quality", job.Quality), slog.String("media_url", mediaURL))

		// Metadata backfill runs off to the side and reports back through a
		// channel; only this goroutine ever touches the job record while the
		// downloader is checkpointing it.
		var metaCh chan *streamapi.Stream
		var stopMeta context.CancelFunc
		if job.Title == "" {
			var metaCtx context.Context
			metaCtx, stopMeta = context.WithCancel(ctx)
			metaCh = make(chan *streamapi.Stream, 1)
			go l.backfillMetadata(metaCtx, job.ChannelLogin, metaCh, logger)
		}

		done, derr := l.recordCycle(ctx, job, mediaURL, logger)
		telemetry.DecActiveRecordings()
		if stopMeta != nil {
			stopMeta()
			if s := <-metaCh; s != nil {
				applyStreamMetadata(job, s)
				if err := l.Store.Update(ctx, job); err != nil {
					logger.Warn("persisting metadata", slog.Any("err", err))
				}
			}
		}
		if derr != nil {
			job.Status = StatusFailed
			if err := l.Store.Update(ctx, job); err != nil {
				logger.Warn("persisting status", slog.Any("err", err))
			}
			if telemetry.RecordingsFailed != nil {
				telemetry.RecordingsFailed.Inc()
			}
			logger.Error("recording failed", slog.Any("err", derr))
			return nil
		}
		if !done {
			// The playlist resolved but carried no segments yet.
			l.pause(ctx, l.offlineCheck())
			continue
		}

		job.Status = StatusDownloaded
		if err := l.Store.Update(ctx, job); err != nil {
			logger.Warn("persisting status", slog.Any("err", err))
		}
		if telemetry.RecordingsCompleted != nil {
			telemetry.RecordingsCompleted.Inc()
		}
		logger.Info("recording finished", slog.Int64("bytes", job.Bytes), slog.Int64("chat_bytes", job.ChatBytes))

		if l.EndWait != nil && *l.EndWait <= 0 {
			return nil
		}
		next, err := l.chainSplit(ctx, job)
		if err != nil {
			logger.Warn("creating split job", slog.Any("err", err))
			return nil
		}
		logger.Info("waiting for broadcast to resume", slog.Int64("next_job_id", next.ID))
		logger = slog.Default().With(slog.String("component", "lifecycle"), slog.Int64("job_id", next.ID), slog.String("channel", next.ChannelLogin))
		job = next
		deadline = nil
		if l.EndWait != nil {
			t := time.Now().Add(*l.EndWait)
			deadline = &t
		}
	}
}

// waitForLive polls the multivariant playlist until it resolves, the soft
// deadline passes, or the context ends. It returns the playlist body.
func (l *Lifecycle) waitForLive(ctx context.Context, job *Job, deadline *time.Time, logger *slog.Logger) ([]byte, bool) {
	url := l.API.PlaylistURL(job.ChannelLogin)
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		if telemetry.PollCycles != nil {
			telemetry.PollCycles.Inc()
		}
		status, body, err := l.Fetch(ctx, url)
		switch ClassifyFetch(status, err, false) {
		case OutcomeOK:
			return body, true
		case OutcomeFatal:
			logger.Warn("playlist resolution failed", slog.Any("err", err))
		default:
			logger.Debug("stream offline", slog.Int("status", status))
		}
		if deadline != nil && time.Now().After(*deadline) {
			logger.Info("wait window expired; giving up")
			return nil, false
		}
		if !l.pause(ctx, l.offlineCheck()) {
			return nil, false
		}
	}
}

// resolveRendition parses the multivariant playlist body and picks the
// media playlist for the job's quality, optionally re-resolving through
// the proxy fetch path.
func (l *Lifecycle) resolveRendition(ctx context.Context, job *Job, body []byte, logger *slog.Logger) (string, bool) {
	variants, err := m3u8.ParseMultivariant(bytes.NewReader(body))
	if err != nil {
		logger.Warn("parsing multivariant playlist", slog.Any("err", err))
		return "", false
	}
	if l.ProxyFetch != nil {
		status, proxied, perr := l.ProxyFetch(ctx, l.API.PlaylistURL(job.ChannelLogin))
		if ClassifyFetch(status, perr, false) == OutcomeOK {
			if pv, perr := m3u8.ParseMultivariant(bytes.NewReader(proxied)); perr == nil {
				variants = pv
			}
		} else {
			logger.Warn("proxy playlist resolution failed; using direct", slog.Int("status", status), slog.Any("err", perr))
		}
	}
	v := SelectQuality(variants, job.Quality)
	if v == nil {
		return "", false
	}
	return v.URL, true
}

// recordCycle runs one download cycle with the chat recorder alongside.
// The returned error is a non-retryable download fault; the cycle is over
// either way.
func (l *Lifecycle) recordCycle(ctx context.Context, job *Job, mediaURL string, logger *slog.Logger) (bool, error) {
	chatCtx, stopChat := context.WithCancel(ctx)
	defer stopChat()

	var chatWG sync.WaitGroup
	var chatMu sync.Mutex
	var chatRec *chat.Recorder

	dl := &Downloader{
		Fetch:     l.Fetch,
		Store:     l.Store,
		Limit:     l.ConcurrentLimit,
		LiveCheck: l.LiveCheck,
	}
	dl.ChatPosition = func() int64 {
		chatMu.Lock()
		defer chatMu.Unlock()
		if chatRec == nil {
			return job.ChatBytes
		}
		return chatRec.Position()
	}
	if l.ChatSource != nil && job.DownloadChat {
		started := false
		dl.OnStreamStart = func(programDateTime string) {
			if started {
				return
			}
			started = true
			rec, doc, err := l.startChat(job, programDateTime)
			if err != nil {
				logger.Warn("starting chat recorder", slog.Any("err", err))
				return
			}
			chatMu.Lock()
			chatRec = rec
			chatMu.Unlock()
			chatWG.Add(1)
			go func() {
				defer chatWG.Done()
				rec.Run(chatCtx, doc)
			}()
		}
	}

	done, err := dl.Run(ctx, job, mediaURL)
	stopChat()
	chatWG.Wait()
	chatMu.Lock()
	if chatRec != nil {
		job.ChatBytes = chatRec.Position()
	}
	chatMu.Unlock()
	return done, err
}

// startChat opens (or resumes) the transcript and builds the recorder.
func (l *Lifecycle) startChat(job *Job, liveStartTime string) (*chat.Recorder, *chat.Document, error) {
	if job.ChatURL == "" {
		name := fmt.Sprintf("%s%s%d_chat.json", job.ChannelLogin, job.Quality, time.Now().UnixMilli())
		job.ChatURL = filepath.Join(job.DownloadPath, name)
	}
	header := chat.VideoHeader{
		Title:        job.Title,
		ChannelID:    job.ChannelID,
		ChannelLogin: job.ChannelLogin,
		ChannelName:  job.ChannelName,
		GameID:       job.GameID,
		GameSlug:     job.GameSlug,
		GameName:     job.GameName,
	}
	if !job.UploadDate.IsZero() {
		header.UploadDate = job.UploadDate.UnixMilli()
	}
	doc, err := chat.OpenDocument(job.ChatURL, header, liveStartTime)
	if err != nil {
		return nil, nil, err
	}
	channel := l.ChatChannel
	if channel == "" {
		channel = job.ChannelID
	}
	if channel == "" {
		channel = job.ChannelLogin
	}
	rec := &chat.Recorder{Source: l.ChatSource, Channel: channel}
	return rec, doc, nil
}

// backfillMetadata retries the stream lookup until the platform publishes
// title and category info, then hands the result to the lifecycle through
// out. It never touches the job record itself; the channel is closed when
// the lookup is abandoned.
func (l *Lifecycle) backfillMetadata(ctx context.Context, login string, out chan<- *streamapi.Stream, logger *slog.Logger) {
	defer close(out)
	for attempt := 0; attempt < metadataAttempts; attempt++ {
		s, err := l.API.GetStream(ctx, login)
		if err == nil && s != nil && s.Title != "" {
			out <- s
			return
		}
		if err != nil {
			logger.Debug("metadata lookup", slog.Any("err", err))
		}
		if !l.pause(ctx, metadataDelay) {
			return
		}
	}
}

func applyStreamMetadata(job *Job, s *streamapi.Stream) {
	job.Title = s.Title
	job.ChannelID = s.UserID
	job.ChannelName = s.UserName
	job.GameID = s.GameID
	job.GameName = s.GameName
	job.GameSlug = streamapi.GameSlug(s.GameName)
	job.UploadDate = s.StartedAt
}

// chainSplit creates the next job of a split recording chain.
func (l *Lifecycle) chainSplit(ctx context.Context, prev *Job) (*Job, error) {
	next := &Job{
		ChannelLogin: prev.ChannelLogin,
		ChannelID:    prev.ChannelID,
		ChannelName:  prev.ChannelName,
		DownloadPath: prev.DownloadPath,
		Quality:      prev.Quality,
		DownloadChat: prev.DownloadChat,
		Live:         true,
		Status:       StatusWaitingForStream,
	}
	id, err := l.Store.Save(ctx, next)
	if err != nil {
		return nil, err
	}
	next.ID = id
	return next, nil
}

// pause sleeps for d unless the context ends first.
func (l *Lifecycle) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
