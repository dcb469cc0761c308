package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/stream-tender/db"
	"github.com/onnwee/stream-tender/recorder"
)

type recordingView struct {
	ID             int64     `json:"id"`
	ChannelLogin   string    `json:"channel_login"`
	ChannelName    string    `json:"channel_name,omitempty"`
	Quality        string    `json:"quality,omitempty"`
	Status         string    `json:"status"`
	Live           bool      `json:"live"`
	DownloadChat   bool      `json:"download_chat"`
	Bytes          int64     `json:"bytes"`
	ChatBytes      int64     `json:"chat_bytes"`
	LastSegmentURL string    `json:"last_segment_url,omitempty"`
	URL            string    `json:"url,omitempty"`
	ChatURL        string    `json:"chat_url,omitempty"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOf(j recorder.Job) recordingView {
	return recordingView{
		ID: j.ID, ChannelLogin: j.ChannelLogin, ChannelName: j.ChannelName,
		Quality: j.Quality, Status: j.Status, Live: j.Live, DownloadChat: j.DownloadChat,
		Bytes: j.Bytes, ChatBytes: j.ChatBytes, LastSegmentURL: j.LastSegmentURL,
		URL: j.URL, ChatURL: j.ChatURL, Title: j.Title,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

// HandleStatus summarizes recording jobs by lifecycle state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `SELECT status, COUNT(*) FROM recordings GROUP BY status`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lastStartup, err := db.GetKV(r.Context(), h.db, "last_startup")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"recordings":   counts,
		"last_startup": lastStartup,
		"time":         time.Now().UTC(),
	})
}

// HandleRecordings lists recent recordings (GET) or enqueues a new
// recording job (POST).
func (h *Handlers) HandleRecordings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		jobs, err := h.store.List(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]recordingView, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, viewOf(j))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var req struct {
			ChannelLogin string `json:"channel_login"`
			Quality      string `json:"quality"`
			DownloadChat bool   `json:"download_chat"`
			DownloadPath string `json:"download_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		req.ChannelLogin = strings.ToLower(strings.TrimSpace(req.ChannelLogin))
		if req.ChannelLogin == "" {
			http.Error(w, "channel_login required", http.StatusBadRequest)
			return
		}
		job := &recorder.Job{
			ChannelLogin: req.ChannelLogin,
			Quality:      req.Quality,
			DownloadChat: req.DownloadChat,
			DownloadPath: req.DownloadPath,
			Status:       recorder.StatusWaitingForStream,
		}
		id, err := h.store.Save(r.Context(), job)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		job.ID = id
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(viewOf(*job))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleRecordingByID serves a single recording under /recordings/{id}.
func (h *Handlers) HandleRecordingByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/recordings/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(viewOf(*job))
}
