package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/onnwee/stream-tender/m3u8"
	"github.com/onnwee/stream-tender/telemetry"
)

// DefaultConcurrentLimit bounds parallel segment fetches per batch.
const DefaultConcurrentLimit = 10

// MinLiveCheck is the floor for the pacing delay between media playlist
// polls, to respect source polling etiquette.
const MinLiveCheck = 2 * time.Second

// Downloader drives one recording cycle against a media playlist: it polls
// the playlist, fetches not-yet-written segments with bounded concurrency,
// and appends their bytes to the output file in strict playlist order.
type Downloader struct {
	Fetch FetchFunc
	Store JobStore

	// Limit is the fetch concurrency bound; DefaultConcurrentLimit when 0.
	Limit int64
	// LiveCheck paces playlist polls; clamped to MinLiveCheck.
	LiveCheck time.Duration

	// ChatPosition snapshots the chat document byte position for the
	// per-segment checkpoint. Nil when chat capture is disabled.
	ChatPosition func() int64
	// OnStreamStart fires once, when the first pending segment carries a
	// program timestamp; the lifecycle uses it to start the chat recorder.
	OnStreamStart func(programDateTime string)
}

// Run executes one download cycle. It returns done=true when the cycle ran
// to the end of the broadcast (or an equivalent condition), done=false when
// the stream was not actually live yet. A non-nil error is only returned for
// non-retryable fetch faults; the cycle is still considered over.
func (d *Downloader) Run(ctx context.Context, job *Job, sourceURL string) (bool, error) {
	limit := d.Limit
	if limit <= 0 {
		limit = DefaultConcurrentLimit
	}
	liveCheck := d.LiveCheck
	if liveCheck < MinLiveCheck {
		liveCheck = MinLiveCheck
	}
	logger := slog.Default().With(slog.String("component", "downloader"), slog.Int64("job_id", job.ID), slog.String("channel", job.ChannelLogin))

	downloadDate := time.Now()
	lastURL := job.LastSegmentURL

	status, body, err := d.Fetch(ctx, sourceURL)
	switch ClassifyFetch(status, err, false) {
	case OutcomeOK:
	case OutcomeFatal:
		if err == nil {
			err = fmt.Errorf("status %d", status)
		}
		return false, fmt.Errorf("media playlist fetch: %w", err)
	default:
		return false, nil
	}
	pl, perr := m3u8.ParseMedia(bytes.NewReader(body))
	if perr != nil {
		// A corrupt playlist is indistinguishable from an end-of-broadcast
		// race; stop the cycle cleanly.
		logger.Warn("malformed media playlist; treating as ended", slog.Any("err", perr))
		return true, nil
	}
	if len(pl.Segments) == 0 {
		return false, nil
	}

	pending := segmentsAfter(pl.Segments, lastURL)
	if len(pending) > 0 {
		lastURL = pending[len(pending)-1].URI
	}
	if job.DownloadChat && d.OnStreamStart != nil {
		if start := firstProgramDateTime(pending); start != "" {
			d.OnStreamStart(start)
		}
	}

	sink, err := d.openOutput(ctx, job, pl.InitSegmentURI, pending, downloadDate)
	if err != nil {
		return false, err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			logger.Warn("closing output file", slog.Any("err", cerr))
		}
	}()

	if err := d.batch(ctx, sink, job, pending, limit); err != nil {
		if IsFatalError(err) {
			return true, err
		}
		logger.Warn("segment batch ended early", slog.Any("err", err))
		return true, nil
	}
	if pl.End {
		return true, nil
	}

	cycleStart := time.Now()
	for {
		taken := time.Since(cycleStart)
		if taken < liveCheck {
			select {
			case <-ctx.Done():
				return true, nil
			case <-time.After(liveCheck - taken):
			}
		}
		cycleStart = time.Now()

		status, body, err := d.Fetch(ctx, sourceURL)
		switch ClassifyFetch(status, err, true) {
		case OutcomeOK:
		case OutcomeFatal:
			return true, fmt.Errorf("media playlist poll: %w", err)
		default:
			return true, nil
		}
		pl, perr := m3u8.ParseMedia(bytes.NewReader(body))
		if perr != nil {
			logger.Warn("malformed media playlist; treating as ended", slog.Any("err", perr))
			return true, nil
		}
		if len(pl.Segments) == 0 {
			return true, nil
		}
		pending := segmentsAfter(pl.Segments, lastURL)
		if len(pending) > 0 {
			lastURL = pending[len(pending)-1].URI
			if err := d.batch(ctx, sink, job, pending, limit); err != nil {
				if IsFatalError(err) {
					return true, err
				}
				logger.Warn("segment batch ended early", slog.Any("err", err))
				return true, nil
			}
		}
		telemetry.ObserveCycle(time.Since(cycleStart))
		if pl.End {
			return true, nil
		}
	}
}

// openOutput resumes the job's existing output file (truncating any partial
// trailing write past the last checkpoint) or creates a new one, writing the
// initialization segment first when the playlist carries one.
func (d *Downloader) openOutput(ctx context.Context, job *Job, initURI string, pending []m3u8.Segment, downloadDate time.Time) (*os.File, error) {
	if job.URL != "" {
		if err := os.Truncate(job.URL, job.Bytes); err != nil {
			return nil, fmt.Errorf("truncate %s to checkpoint: %w", job.URL, err)
		}
		return os.OpenFile(job.URL, os.O_WRONLY|os.O_APPEND, 0o644)
	}
	ext := "ts"
	if len(pending) > 0 {
		ext = segmentExtension(pending[0].URI)
	}
	name := fmt.Sprintf("%s%s%d.%s", job.ChannelLogin, job.Quality, downloadDate.UnixMilli(), ext)
	path := filepath.Join(job.DownloadPath, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	// The initialization segment is written synchronously before any media
	// segment, only on the very first write for this job.
	if initURI != "" {
		status, body, ferr := d.Fetch(ctx, initURI)
		if ferr == nil && status >= 200 && status < 300 {
			n, werr := f.Write(body)
			if werr != nil {
				_ = f.Close()
				return nil, fmt.Errorf("write init segment: %w", werr)
			}
			job.Bytes += int64(n)
		} else {
			slog.Warn("init segment fetch failed", slog.Int("status", status), slog.Any("err", ferr))
		}
	}
	job.URL = path
	if err := d.Store.Update(ctx, job); err != nil {
		slog.Warn("persisting output path", slog.Any("err", err))
	}
	return f, nil
}

// batch fetches the pending segments concurrently, gated by a semaphore of
// size limit, and writes each one when it acquires the ordering turn for its
// index. Every write checkpoints the job record.
func (d *Downloader) batch(ctx context.Context, w io.Writer, job *Job, segs []m3u8.Segment, limit int64) error {
	if len(segs) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(limit)
	seq := newSequencer()
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	var sinkBroken bool
	record := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}
	for i := range segs {
		wg.Add(1)
		go func(i int, seg m3u8.Segment) {
			defer wg.Done()
			var body []byte
			var fetchErr error
			if err := sem.Acquire(ctx, 1); err != nil {
				fetchErr = err
			} else {
				start := time.Now()
				status, b, err := d.Fetch(ctx, seg.URI)
				sem.Release(1)
				telemetry.ObserveSegmentFetch(time.Since(start))
				switch {
				case err != nil:
					fetchErr = fmt.Errorf("segment %s: %w", seg.URI, err)
				case status < 200 || status >= 300:
					fetchErr = fmt.Errorf("segment %s: status %d", seg.URI, status)
				default:
					body = b
				}
			}
			// The turn must always be taken and released, even on failure,
			// or every higher index deadlocks.
			if err := seq.acquire(ctx, i); err != nil {
				record(err)
				seq.release(i)
				return
			}
			if fetchErr != nil {
				record(fetchErr)
				telemetry.IncSegmentFailed()
				seq.release(i)
				return
			}
			// A failed fetch is skippable, but a failed append may have left
			// a partial segment past the checkpoint. Nothing may write after
			// it, or the torn region ends up buried mid-file where the
			// truncate-to-checkpoint resume cannot reach it.
			errMu.Lock()
			broken := sinkBroken
			errMu.Unlock()
			if broken {
				seq.release(i)
				return
			}
			n, werr := w.Write(body)
			if werr != nil {
				errMu.Lock()
				sinkBroken = true
				errMu.Unlock()
				record(fmt.Errorf("append segment: %w", werr))
				seq.release(i)
				return
			}
			job.Bytes += int64(n)
			if d.ChatPosition != nil {
				job.ChatBytes = d.ChatPosition()
			}
			job.LastSegmentURL = seg.URI
			if err := d.Store.Update(ctx, job); err != nil {
				slog.Warn("persisting segment checkpoint", slog.Any("err", err), slog.Int64("job_id", job.ID))
			}
			telemetry.AddBytesWritten(int64(n))
			telemetry.IncSegmentDownloaded()
			seq.release(i)
		}(i, segs[i])
	}
	wg.Wait()
	return firstErr
}

// segmentsAfter returns the suffix of segs strictly after the last
// occurrence of lastURL, or all of segs when lastURL is absent or empty.
// This is what makes resumption idempotent.
func segmentsAfter(segs []m3u8.Segment, lastURL string) []m3u8.Segment {
	if lastURL == "" {
		return segs
	}
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i].URI == lastURL {
			return segs[i+1:]
		}
	}
	return segs
}

func firstProgramDateTime(segs []m3u8.Segment) string {
	for _, s := range segs {
		if s.ProgramDateTime != "" {
			return s.ProgramDateTime
		}
	}
	return ""
}

func segmentExtension(uri string) string {
	base := uri
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 && i < len(base)-1 {
		return base[i+1:]
	}
	return "ts"
}
