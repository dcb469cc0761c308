package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/stream-tender/recorder"
)

// MockAPIServer creates a test server that mocks platform API responses
type MockAPIServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockAPIServer creates a new mock platform API server
func NewMockAPIServer(t *testing.T) *MockAPIServer {
	t.Helper()
	m := &MockAPIServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for the /users endpoint
func (m *MockAPIServer) MockUserResponse(userID, login string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a handler for the /streams endpoint
func (m *MockAPIServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockAPIServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockHLSServer serves scripted multivariant/media playlists and segment
// bodies for downloader tests. Playlist responses are consumed in order;
// the last one repeats.
type MockHLSServer struct {
	*httptest.Server

	mu        sync.Mutex
	playlists []string
	served    int
	segments  map[string][]byte
}

// NewMockHLSServer serves /playlist.m3u8 from the scripted list and
// /seg/{name} from the segment map.
func NewMockHLSServer(t *testing.T) *MockHLSServer {
	t.Helper()
	m := &MockHLSServer{segments: make(map[string][]byte)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		switch {
		case r.URL.Path == "/playlist.m3u8":
			if len(m.playlists) == 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			idx := m.served
			if idx >= len(m.playlists) {
				idx = len(m.playlists) - 1
			}
			m.served++
			_, _ = w.Write([]byte(m.playlists[idx]))
		default:
			if body, ok := m.segments[r.URL.Path]; ok {
				_, _ = w.Write(body)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

// AddPlaylist schedules the next media playlist response.
func (m *MockHLSServer) AddPlaylist(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playlists = append(m.playlists, body)
}

// AddSegment registers a segment body and returns its absolute URL.
func (m *MockHLSServer) AddSegment(name string, body []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := "/seg/" + name
	m.segments[path] = body
	return m.URL + path
}

// PlaylistURL returns the scripted media playlist URL.
func (m *MockHLSServer) PlaylistURL() string { return m.URL + "/playlist.m3u8" }

// MemoryJobStore is an in-memory recorder.JobStore for tests.
type MemoryJobStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]recorder.Job

	// Updates counts how many times Update was called.
	Updates int
}

// NewMemoryJobStore returns an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{nextID: 1, jobs: make(map[int64]recorder.Job)}
}

func (s *MemoryJobStore) Get(ctx context.Context, id int64) (*recorder.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *MemoryJobStore) Save(ctx context.Context, j *recorder.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	cp := *j
	cp.ID = id
	s.jobs[id] = cp
	return id, nil
}

func (s *MemoryJobStore) Update(ctx context.Context, j *recorder.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("job %d not found", j.ID)
	}
	s.jobs[j.ID] = *j
	s.Updates++
	return nil
}

// Job returns a copy of the stored job for assertions.
func (s *MemoryJobStore) Job(id int64) recorder.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

var _ recorder.JobStore = (*MemoryJobStore)(nil)
