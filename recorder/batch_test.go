package recorder

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

type nopJobStore struct{}

func (nopJobStore) Get(ctx context.Context, id int64) (*Job, error) { return nil, nil }
func (nopJobStore) Save(ctx context.Context, j *Job) (int64, error) { return j.ID, nil }
func (nopJobStore) Update(ctx context.Context, j *Job) error        { return nil }

// faultWriter fails on the failAt-th write call after accepting partial
// bytes, mimicking a torn append on a full disk.
type faultWriter struct {
	buf     bytes.Buffer
	failAt  int
	partial int
	calls   int
}

func (w *faultWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls == w.failAt {
		k := w.partial
		if k > len(p) {
			k = len(p)
		}
		w.buf.Write(p[:k])
		return k, errors.New("no space left on device")
	}
	w.buf.Write(p)
	return len(p), nil
}

func TestBatchStopsAppendingAfterWriteFailure(t *testing.T) {
	uris := []string{
		"https://cdn.example.com/v1/a.ts",
		"https://cdn.example.com/v1/b.ts",
		"https://cdn.example.com/v1/c.ts",
		"https://cdn.example.com/v1/d.ts",
	}
	bodies := map[string]string{
		uris[0]: "AAA|",
		uris[1]: "BBB|",
		uris[2]: "CCC|",
		uris[3]: "DDD|",
	}
	fetch := func(ctx context.Context, url string) (int, []byte, error) {
		return 200, []byte(bodies[url]), nil
	}

	w := &faultWriter{failAt: 2, partial: 2}
	d := &Downloader{Fetch: fetch, Store: nopJobStore{}}
	job := &Job{ID: 1}

	err := d.batch(context.Background(), w, job, mkSegs(uris...), 2)
	if err == nil {
		t.Fatal("batch should surface the write failure")
	}

	// The torn second segment must be the last thing on disk: once an
	// append fails nothing may land after it, or the checkpoint no longer
	// marks a clean truncation point.
	if got, want := w.buf.String(), "AAA|BB"; got != want {
		t.Errorf("sink contents = %q, want %q", got, want)
	}
	if job.Bytes != 4 {
		t.Errorf("job.Bytes = %d, want 4 (only the first segment checkpointed)", job.Bytes)
	}
	if job.LastSegmentURL != uris[0] {
		t.Errorf("LastSegmentURL = %q, want %q", job.LastSegmentURL, uris[0])
	}
}
