package recorder_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/stream-tender/recorder"
	"github.com/onnwee/stream-tender/testutil"
)

// mediaPlaylist renders a media playlist document from segment URLs.
func mediaPlaylist(end bool, initURI string, segURLs ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	if initURI != "" {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", initURI)
	}
	for _, u := range segURLs {
		b.WriteString("#EXTINF:2.000,\n")
		b.WriteString(u)
		b.WriteByte('\n')
	}
	if end {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func newTestJob(t *testing.T, store *testutil.MemoryJobStore) *recorder.Job {
	t.Helper()
	job := &recorder.Job{
		ChannelLogin: "somestreamer",
		Quality:      "720p60",
		DownloadPath: t.TempDir(),
		Status:       recorder.StatusDownloading,
	}
	id, err := store.Save(context.Background(), job)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	job.ID = id
	return job
}

// delayedFetch wraps a FetchFunc with a random per-segment delay so that
// segment fetches complete out of order, which is exactly the condition the
// ordering gate has to survive.
func delayedFetch(base recorder.FetchFunc, maxDelay time.Duration) recorder.FetchFunc {
	return func(ctx context.Context, rawurl string) (int, []byte, error) {
		if strings.Contains(rawurl, "/seg/") {
			time.Sleep(time.Duration(rand.Int63n(int64(maxDelay))))
		}
		return base(ctx, rawurl)
	}
}

func TestDownloaderWritesSegmentsInPlaylistOrder(t *testing.T) {
	hls := testutil.NewMockHLSServer(t)
	var urls []string
	var want bytes.Buffer
	for i := 0; i < 16; i++ {
		body := []byte(fmt.Sprintf("segment-%02d|", i))
		urls = append(urls, hls.AddSegment(fmt.Sprintf("%d.ts", i), body))
		want.Write(body)
	}
	hls.AddPlaylist(mediaPlaylist(true, "", urls...))

	store := testutil.NewMemoryJobStore()
	job := newTestJob(t, store)
	d := &recorder.Downloader{
		Fetch: delayedFetch(recorder.NewHTTPFetch(nil), 30*time.Millisecond),
		Store: store,
		Limit: 5,
	}
	done, err := d.Run(context.Background(), job, hls.PlaylistURL())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !done {
		t.Fatal("Run reported not done for an ended playlist")
	}

	got, err := os.ReadFile(job.URL)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("output bytes out of order:\n got %q\nwant %q", got, want.Bytes())
	}
	if job.Bytes != int64(want.Len()) {
		t.Errorf("job.Bytes = %d, want %d", job.Bytes, want.Len())
	}
	if job.LastSegmentURL != urls[len(urls)-1] {
		t.Errorf("job.LastSegmentURL = %q, want %q", job.LastSegmentURL, urls[len(urls)-1])
	}
	if stored := store.Job(job.ID); stored.Bytes != job.Bytes {
		t.Errorf("stored checkpoint Bytes = %d, want %d", stored.Bytes, job.Bytes)
	}
	if store.Updates < len(urls) {
		t.Errorf("Updates = %d, want at least one per segment (%d)", store.Updates, len(urls))
	}
}

func TestDownloaderRespectsConcurrencyBound(t *testing.T) {
	hls := testutil.NewMockHLSServer(t)
	var urls []string
	for i := 0; i < 20; i++ {
		urls = append(urls, hls.AddSegment(fmt.Sprintf("%d.ts", i), []byte("x")))
	}
	hls.AddPlaylist(mediaPlaylist(true, "", urls...))

	const limit = 3
	var inFlight, peak int64
	base := recorder.NewHTTPFetch(nil)
	fetch := func(ctx context.Context, rawurl string) (int, []byte, error) {
		if !strings.Contains(rawurl, "/seg/") {
			return base(ctx, rawurl)
		}
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		defer atomic.AddInt64(&inFlight, -1)
		return base(ctx, rawurl)
	}

	store := testutil.NewMemoryJobStore()
	job := newTestJob(t, store)
	d := &recorder.Downloader{Fetch: fetch, Store: store, Limit: limit}
	if _, err := d.Run(context.Background(), job, hls.PlaylistURL()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt64(&peak); got > limit {
		t.Errorf("peak concurrent fetches = %d, want <= %d", got, limit)
	}
}

func TestDownloaderResumesFromCheckpoint(t *testing.T) {
	hls := testutil.NewMockHLSServer(t)
	bodies := [][]byte{
		[]byte("first-segment|"),
		[]byte("second-segment|"),
		[]byte("third-segment|"),
		[]byte("fourth-segment|"),
	}
	var urls []string
	for i, b := range bodies {
		urls = append(urls, hls.AddSegment(fmt.Sprintf("%d.ts", i), b))
	}
	hls.AddPlaylist(mediaPlaylist(true, "", urls...))

	store := testutil.NewMemoryJobStore()
	job := newTestJob(t, store)

	// Simulate a crash mid-write: the checkpoint covers the first two
	// segments, the file carries a torn partial write past it.
	checkpointed := append(append([]byte{}, bodies[0]...), bodies[1]...)
	path := job.DownloadPath + "/previous.ts"
	if err := os.WriteFile(path, append(append([]byte{}, checkpointed...), []byte("TORN")...), 0o644); err != nil {
		t.Fatalf("seeding output file: %v", err)
	}
	job.URL = path
	job.Bytes = int64(len(checkpointed))
	job.LastSegmentURL = urls[1]
	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	d := &recorder.Downloader{Fetch: recorder.NewHTTPFetch(nil), Store: store}
	done, err := d.Run(context.Background(), job, hls.PlaylistURL())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !done {
		t.Fatal("Run reported not done")
	}

	want := append(append(append([]byte{}, checkpointed...), bodies[2]...), bodies[3]...)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("resumed output:\n got %q\nwant %q", got, want)
	}
	if job.LastSegmentURL != urls[3] {
		t.Errorf("job.LastSegmentURL = %q, want %q", job.LastSegmentURL, urls[3])
	}
}

func TestDownloaderWritesInitSegmentFirst(t *testing.T) {
	hls := testutil.NewMockHLSServer(t)
	initURL := hls.AddSegment("init.mp4", []byte("INIT|"))
	segURL := hls.AddSegment("0.m4s", []byte("media|"))
	hls.AddPlaylist(mediaPlaylist(true, initURL, segURL))

	store := testutil.NewMemoryJobStore()
	job := newTestJob(t, store)
	d := &recorder.Downloader{Fetch: recorder.NewHTTPFetch(nil), Store: store}
	if _, err := d.Run(context.Background(), job, hls.PlaylistURL()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(job.URL)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if want := []byte("INIT|media|"); !bytes.Equal(got, want) {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if !strings.HasSuffix(job.URL, ".m4s") {
		t.Errorf("output file %q should take its extension from the first segment", job.URL)
	}
}

func TestDownloaderSkipsFailedSegmentWithoutBlocking(t *testing.T) {
	hls := testutil.NewMockHLSServer(t)
	a := hls.AddSegment("a.ts", []byte("aaa|"))
	missing := hls.URL + "/seg/missing.ts"
	c := hls.AddSegment("c.ts", []byte("ccc|"))
	hls.AddPlaylist(mediaPlaylist(true, "", a, missing, c))

	store := testutil.NewMemoryJobStore()
	job := newTestJob(t, store)
	d := &recorder.Downloader{Fetch: recorder.NewHTTPFetch(nil), Store: store}
	done, err := d.Run(context.Background(), job, hls.PlaylistURL())
	if err != nil {
		t.Fatalf("Run returned error for a retryable segment fault: %v", err)
	}
	if !done {
		t.Fatal("Run reported not done")
	}

	got, err := os.ReadFile(job.URL)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	// The failed middle segment is dropped but must not wedge the segments
	// queued behind it.
	if want := []byte("aaa|ccc|"); !bytes.Equal(got, want) {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestDownloaderNotLiveYet(t *testing.T) {
	hls := testutil.NewMockHLSServer(t) // no playlists scripted: 404

	store := testutil.NewMemoryJobStore()
	job := newTestJob(t, store)
	d := &recorder.Downloader{Fetch: recorder.NewHTTPFetch(nil), Store: store}
	done, err := d.Run(context.Background(), job, hls.PlaylistURL())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if done {
		t.Fatal("Run reported done for a source that never went live")
	}
	if job.URL != "" {
		t.Errorf("no output file should be created before the stream is live, got %q", job.URL)
	}
}

func TestDownloaderChatCheckpointAndStreamStart(t *testing.T) {
	hls := testutil.NewMockHLSServer(t)
	segURL := hls.AddSegment("0.ts", []byte("body"))
	pl := "#EXTM3U\n#EXT-X-VERSION:3\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-03-01T18:00:00.000Z\n" +
		"#EXTINF:2.000,\n" + segURL + "\n#EXT-X-ENDLIST\n"
	hls.AddPlaylist(pl)

	store := testutil.NewMemoryJobStore()
	job := newTestJob(t, store)
	job.DownloadChat = true
	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var startedAt atomic.Value
	var chatPos int64 = 4321
	d := &recorder.Downloader{
		Fetch:         recorder.NewHTTPFetch(nil),
		Store:         store,
		ChatPosition:  func() int64 { return chatPos },
		OnStreamStart: func(pdt string) { startedAt.Store(pdt) },
	}
	if _, err := d.Run(context.Background(), job, hls.PlaylistURL()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, _ := startedAt.Load().(string); got != "2026-03-01T18:00:00.000Z" {
		t.Errorf("OnStreamStart program date time = %q", got)
	}
	if job.ChatBytes != chatPos {
		t.Errorf("job.ChatBytes = %d, want %d", job.ChatBytes, chatPos)
	}
}
