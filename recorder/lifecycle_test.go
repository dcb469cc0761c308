package recorder_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-tender/chat"
	"github.com/onnwee/stream-tender/recorder"
	"github.com/onnwee/stream-tender/streamapi"
	"github.com/onnwee/stream-tender/testutil"
)

const (
	testUsherURL = "https://usher.example.com/api/channel/hls/somestreamer.m3u8"
	testMediaURL = "https://cdn.example.com/hls/720p60/index.m3u8"
)

func multivariantDoc() string {
	return strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="720p60",AUTOSELECT=YES,DEFAULT=YES`,
		`#EXT-X-STREAM-INF:BANDWIDTH=3421000,RESOLUTION=1280x720,CODECS="avc1.4D402A,mp4a.40.2",FRAME-RATE=60.000`,
		testMediaURL,
		"",
	}, "\n")
}

type fetchResp struct {
	status int
	body   string
}

// scriptedFetch serves canned responses per URL, consumed in order with the
// last one repeating. Unknown URLs get a 404.
type scriptedFetch struct {
	mu     sync.Mutex
	byURL  map[string][]fetchResp
	served map[string]int
}

func newScriptedFetch() *scriptedFetch {
	return &scriptedFetch{byURL: make(map[string][]fetchResp), served: make(map[string]int)}
}

func (s *scriptedFetch) add(url string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byURL[url] = append(s.byURL[url], fetchResp{status: status, body: body})
}

func (s *scriptedFetch) fetch(ctx context.Context, url string) (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resps, ok := s.byURL[url]
	if !ok {
		return 404, nil, nil
	}
	idx := s.served[url]
	if idx >= len(resps) {
		idx = len(resps) - 1
	}
	s.served[url]++
	r := resps[idx]
	return r.status, []byte(r.body), nil
}

type fakeAPI struct {
	stream *streamapi.Stream
}

func (f *fakeAPI) GetStream(ctx context.Context, login string) (*streamapi.Stream, error) {
	return f.stream, nil
}

func (f *fakeAPI) PlaylistURL(login string) string { return testUsherURL }

// trackingStore records the sequence of distinct statuses persisted.
type trackingStore struct {
	*testutil.MemoryJobStore

	mu       sync.Mutex
	statuses []string
}

func newTrackingStore() *trackingStore {
	return &trackingStore{MemoryJobStore: testutil.NewMemoryJobStore()}
}

func (s *trackingStore) Update(ctx context.Context, j *recorder.Job) error {
	s.mu.Lock()
	if n := len(s.statuses); n == 0 || s.statuses[n-1] != j.Status {
		s.statuses = append(s.statuses, j.Status)
	}
	s.mu.Unlock()
	return s.MemoryJobStore.Update(ctx, j)
}

func (s *trackingStore) statusSequence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses...)
}

func saveLifecycleJob(t *testing.T, store recorder.JobStore, downloadChat bool) *recorder.Job {
	t.Helper()
	job := &recorder.Job{
		ChannelLogin: "somestreamer",
		Quality:      "720p60",
		DownloadPath: t.TempDir(),
		DownloadChat: downloadChat,
		Live:         true,
		Status:       recorder.StatusWaitingForStream,
	}
	id, err := store.Save(context.Background(), job)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	job.ID = id
	return job
}

func TestLifecycleRunsToDownloaded(t *testing.T) {
	script := newScriptedFetch()
	script.add(testUsherURL, 200, multivariantDoc())

	segs := map[string]string{
		"https://cdn.example.com/v1/a.ts": "AAA|",
		"https://cdn.example.com/v1/b.ts": "BBB|",
		"https://cdn.example.com/v1/c.ts": "CCC|",
		"https://cdn.example.com/v1/d.ts": "DDD|",
	}
	for url, body := range segs {
		script.add(url, 200, body)
	}
	live := mediaPlaylist(false, "",
		"https://cdn.example.com/v1/a.ts",
		"https://cdn.example.com/v1/b.ts",
		"https://cdn.example.com/v1/c.ts")
	ended := mediaPlaylist(true, "",
		"https://cdn.example.com/v1/a.ts",
		"https://cdn.example.com/v1/b.ts",
		"https://cdn.example.com/v1/c.ts",
		"https://cdn.example.com/v1/d.ts")
	script.add(testMediaURL, 200, live)
	script.add(testMediaURL, 200, ended)

	store := newTrackingStore()
	job := saveLifecycleJob(t, store, false)

	endWait := time.Duration(0)
	lc := &recorder.Lifecycle{
		Store:   store,
		API:     &fakeAPI{},
		Fetch:   script.fetch,
		EndWait: &endWait,
	}
	if err := lc.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := store.Job(job.ID)
	if final.Status != recorder.StatusDownloaded {
		t.Fatalf("final status = %q, want %q", final.Status, recorder.StatusDownloaded)
	}
	got, err := os.ReadFile(final.URL)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if want := "AAA|BBB|CCC|DDD|"; string(got) != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if want := "https://cdn.example.com/v1/d.ts"; final.LastSegmentURL != want {
		t.Errorf("LastSegmentURL = %q, want %q", final.LastSegmentURL, want)
	}

	seq := store.statusSequence()
	want := []string{
		recorder.StatusWaitingForStream,
		recorder.StatusDownloading,
		recorder.StatusDownloaded,
	}
	if fmt.Sprint(seq) != fmt.Sprint(want) {
		t.Errorf("status sequence = %v, want %v", seq, want)
	}
}

func TestLifecycleGivesUpWhenStreamNeverStarts(t *testing.T) {
	script := newScriptedFetch() // usher always 404

	store := newTrackingStore()
	job := saveLifecycleJob(t, store, false)

	startWait := time.Duration(0)
	lc := &recorder.Lifecycle{
		Store:     store,
		API:       &fakeAPI{},
		Fetch:     script.fetch,
		StartWait: &startWait,
	}
	if err := lc.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := store.Job(job.ID)
	if final.Status != recorder.StatusDownloaded {
		t.Errorf("final status = %q, want %q", final.Status, recorder.StatusDownloaded)
	}
	if final.Bytes != 0 || final.URL != "" {
		t.Errorf("nothing should have been recorded, got Bytes=%d URL=%q", final.Bytes, final.URL)
	}
}

func TestLifecycleMissingJob(t *testing.T) {
	lc := &recorder.Lifecycle{Store: testutil.NewMemoryJobStore(), API: &fakeAPI{}}
	if err := lc.Run(context.Background(), 42); err == nil {
		t.Fatal("Run should fail for a job that does not exist")
	}
}

func TestLifecycleChainsSplitRecording(t *testing.T) {
	script := newScriptedFetch()
	// Live for the first cycle, then gone for good.
	script.add(testUsherURL, 200, multivariantDoc())
	script.add(testUsherURL, 404, "")
	script.add("https://cdn.example.com/v1/a.ts", 200, "AAA|")
	script.add(testMediaURL, 200, mediaPlaylist(true, "", "https://cdn.example.com/v1/a.ts"))

	store := newTrackingStore()
	job := saveLifecycleJob(t, store, true)

	endWait := time.Microsecond
	lc := &recorder.Lifecycle{
		Store:   store,
		API:     &fakeAPI{},
		Fetch:   script.fetch,
		EndWait: &endWait,
	}
	if err := lc.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := store.Job(job.ID)
	if first.Status != recorder.StatusDownloaded {
		t.Errorf("first job status = %q, want %q", first.Status, recorder.StatusDownloaded)
	}
	next := store.Job(job.ID + 1)
	if next.ID == 0 {
		t.Fatal("no split job was chained")
	}
	if next.ChannelLogin != first.ChannelLogin || next.Quality != first.Quality ||
		next.DownloadPath != first.DownloadPath || next.DownloadChat != first.DownloadChat {
		t.Errorf("split job did not inherit its predecessor's settings: %+v", next)
	}
	if !next.Live {
		t.Error("split job should be marked live")
	}
	if next.Status != recorder.StatusDownloaded {
		t.Errorf("split job status = %q, want %q after the resume window expired", next.Status, recorder.StatusDownloaded)
	}
	if next.Bytes != 0 {
		t.Errorf("split job recorded %d bytes without a broadcast", next.Bytes)
	}
}

// Exercises the metadata backfill running alongside the segment download;
// the job record must only pick up the stream info once the cycle is over,
// never while the downloader is checkpointing it.
func TestLifecycleBackfillsStreamMetadata(t *testing.T) {
	script := newScriptedFetch()
	script.add(testUsherURL, 200, multivariantDoc())
	script.add("https://cdn.example.com/v1/a.ts", 200, "AAA|")
	script.add("https://cdn.example.com/v1/b.ts", 200, "BBB|")
	script.add(testMediaURL, 200, mediaPlaylist(false, "", "https://cdn.example.com/v1/a.ts"))
	script.add(testMediaURL, 200, mediaPlaylist(true, "",
		"https://cdn.example.com/v1/a.ts",
		"https://cdn.example.com/v1/b.ts"))

	started := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	stream := &streamapi.Stream{
		UserID:    "12345",
		UserLogin: "somestreamer",
		UserName:  "SomeStreamer",
		GameID:    "509658",
		GameName:  "Just Chatting",
		Title:     "tuesday speedruns",
		StartedAt: started,
	}
	store := newTrackingStore()
	job := saveLifecycleJob(t, store, false)

	endWait := time.Duration(0)
	lc := &recorder.Lifecycle{
		Store:   store,
		API:     &fakeAPI{stream: stream},
		Fetch:   script.fetch,
		EndWait: &endWait,
	}
	if err := lc.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := store.Job(job.ID)
	if final.Status != recorder.StatusDownloaded {
		t.Fatalf("final status = %q, want %q", final.Status, recorder.StatusDownloaded)
	}
	if final.Title != stream.Title {
		t.Errorf("Title = %q, want %q", final.Title, stream.Title)
	}
	if final.ChannelID != stream.UserID || final.ChannelName != stream.UserName {
		t.Errorf("channel = %q/%q, want %q/%q", final.ChannelID, final.ChannelName, stream.UserID, stream.UserName)
	}
	if final.GameSlug != "just-chatting" {
		t.Errorf("GameSlug = %q, want %q", final.GameSlug, "just-chatting")
	}
	if !final.UploadDate.Equal(started) {
		t.Errorf("UploadDate = %v, want %v", final.UploadDate, started)
	}
	if final.Bytes != 8 {
		t.Errorf("Bytes = %d, want 8", final.Bytes)
	}
}

func TestLifecycleMarksFailedOnFatalFault(t *testing.T) {
	script := newScriptedFetch()
	script.add(testUsherURL, 200, multivariantDoc())
	// The media playlist rejects the session outright.
	script.add(testMediaURL, 401, "")

	store := newTrackingStore()
	job := saveLifecycleJob(t, store, false)

	lc := &recorder.Lifecycle{
		Store: store,
		API:   &fakeAPI{},
		Fetch: script.fetch,
	}
	if err := lc.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := store.Job(job.ID)
	if final.Status != recorder.StatusFailed {
		t.Fatalf("final status = %q, want %q", final.Status, recorder.StatusFailed)
	}
	seq := store.statusSequence()
	if len(seq) == 0 || seq[len(seq)-1] != recorder.StatusFailed {
		t.Errorf("status sequence = %v, want it to end in %q", seq, recorder.StatusFailed)
	}
}

// fakeChatSource emits its scripted messages once, then holds the connection
// open until the cycle ends.
type fakeChatSource struct {
	msgs []chat.Message
}

func (f *fakeChatSource) Run(ctx context.Context, channel string, onMessage func(chat.Message)) error {
	for _, m := range f.msgs {
		onMessage(m)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestLifecycleRecordsChatAlongsideVideo(t *testing.T) {
	script := newScriptedFetch()
	script.add(testUsherURL, 200, multivariantDoc())
	script.add("https://cdn.example.com/v1/a.ts", 200, "AAA|")

	const pdt = "2026-03-01T18:00:00.000Z"
	live := "#EXTM3U\n#EXT-X-VERSION:3\n" +
		"#EXT-X-PROGRAM-DATE-TIME:" + pdt + "\n" +
		"#EXTINF:2.000,\nhttps://cdn.example.com/v1/a.ts\n"
	ended := mediaPlaylist(true, "", "https://cdn.example.com/v1/a.ts")
	script.add(testMediaURL, 200, live)
	script.add(testMediaURL, 200, ended)

	msgs := []chat.Message{
		{ID: "m1", UserLogin: "alice", Message: "hello", Timestamp: 1},
		{ID: "m2", UserLogin: "bob", Message: "hi", Timestamp: 2},
		{ID: "m3", UserLogin: "alice", Message: "o/", Timestamp: 3},
	}
	store := newTrackingStore()
	job := saveLifecycleJob(t, store, true)

	endWait := time.Duration(0)
	lc := &recorder.Lifecycle{
		Store:       store,
		API:         &fakeAPI{},
		Fetch:       script.fetch,
		ChatSource:  &fakeChatSource{msgs: msgs},
		ChatChannel: "12345",
		EndWait:     &endWait,
	}
	if err := lc.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := store.Job(job.ID)
	if final.ChatURL == "" {
		t.Fatal("no chat transcript was created")
	}
	doc, err := chat.ReadDocument(final.ChatURL)
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}
	if len(doc.Messages) != len(msgs) {
		t.Fatalf("transcript has %d messages, want %d", len(doc.Messages), len(msgs))
	}
	for i, m := range doc.Messages {
		if m.ID != msgs[i].ID {
			t.Errorf("message %d ID = %q, want %q", i, m.ID, msgs[i].ID)
		}
	}
	if doc.LiveStartTime != pdt {
		t.Errorf("liveStartTime = %q, want %q", doc.LiveStartTime, pdt)
	}
	if final.ChatBytes == 0 {
		t.Error("chat byte checkpoint was never advanced")
	}
}
