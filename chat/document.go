package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// VideoHeader describes the recording a transcript belongs to. All fields
// are optional; metadata may arrive after the document is first opened.
type VideoHeader struct {
	Title        string `json:"title,omitempty"`
	UploadDate   int64  `json:"uploadDate,omitempty"`
	ChannelID    string `json:"channelId,omitempty"`
	ChannelLogin string `json:"channelLogin,omitempty"`
	ChannelName  string `json:"channelName,omitempty"`
	GameID       string `json:"gameId,omitempty"`
	GameSlug     string `json:"gameSlug,omitempty"`
	GameName     string `json:"gameName,omitempty"`
}

// Badge is one chat badge carried on a message.
type Badge struct {
	SetID   string `json:"setId,omitempty"`
	Version string `json:"version,omitempty"`
}

// Emote is one emote occurrence within a message.
type Emote struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Begin int    `json:"begin,omitempty"`
	End   int    `json:"end,omitempty"`
}

// Reward is attached when a message redeemed a channel reward.
type Reward struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Cost  int    `json:"cost,omitempty"`
}

// Reply links a message to the one it answers.
type Reply struct {
	ID        string `json:"id,omitempty"`
	UserLogin string `json:"userLogin,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Message is the normalized chat event persisted in the transcript.
// Timestamp is unix milliseconds.
type Message struct {
	ID        string  `json:"id,omitempty"`
	UserID    string  `json:"userId,omitempty"`
	UserLogin string  `json:"userLogin,omitempty"`
	UserName  string  `json:"userName,omitempty"`
	Message   string  `json:"message,omitempty"`
	Color     string  `json:"color,omitempty"`
	Badges    []Badge `json:"badges,omitempty"`
	Emotes    []Emote `json:"emotes,omitempty"`
	Reward    *Reward `json:"reward,omitempty"`
	Reply     *Reply  `json:"reply,omitempty"`
	IsAction  bool    `json:"isAction,omitempty"`
	IsFirst   bool    `json:"isFirst,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
	FullMsg   string  `json:"fullMsg,omitempty"`
}

// ParsedDocument is a fully read-back transcript.
type ParsedDocument struct {
	Video         VideoHeader `json:"video"`
	LiveStartTime string      `json:"liveStartTime"`
	Messages      []Message   `json:"messages"`
}

// ReadDocument parses a transcript file back into memory. A document whose
// writer crashed before closing is missing its trailing brackets; it is
// repaired by appending them before the parse is given up on.
func ReadDocument(path string) (*ParsedDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc ParsedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		repaired := append(append([]byte{}, raw...), []byte("]}")...)
		if err2 := json.Unmarshal(repaired, &doc); err2 != nil {
			return nil, fmt.Errorf("parse chat document %s: %w", path, err)
		}
	}
	return &doc, nil
}

// Document is the append-only transcript writer. A single lock serializes
// appends; Position reports the current byte length of the underlying file
// so media-segment checkpoints can snapshot consistent chat progress.
type Document struct {
	mu     sync.Mutex
	f      *os.File
	pos    int64
	count  int
	start  string
	closed bool
}

// OpenDocument opens the transcript at path for appending. If a prior
// document exists there it is parsed back first and its messages are
// rewritten ahead of any new ones; its liveStartTime takes precedence over
// the freshly observed one.
func OpenDocument(path string, video VideoHeader, liveStartTime string) (*Document, error) {
	var prior []Message
	if existing, err := ReadDocument(path); err == nil {
		prior = existing.Messages
		if existing.LiveStartTime != "" {
			liveStartTime = existing.LiveStartTime
		}
		if video == (VideoHeader{}) {
			video = existing.Video
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("unreadable chat document; starting fresh", slog.String("path", path), slog.Any("err", err))
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create chat document: %w", err)
	}
	d := &Document{f: f, start: liveStartTime}

	head, err := json.Marshal(video)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	startJSON, _ := json.Marshal(liveStartTime)
	if err := d.write(fmt.Sprintf(`{"video":%s,"liveStartTime":%s,"messages":[`, head, startJSON)); err != nil {
		_ = f.Close()
		return nil, err
	}
	for _, m := range prior {
		if err := d.append(m); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return d, nil
}

// LiveStartTime returns the start timestamp fixed at first open.
func (d *Document) LiveStartTime() string { return d.start }

// Append serializes one message to the transcript and flushes it.
func (d *Document) Append(m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("chat document closed")
	}
	return d.append(m)
}

// Position returns the number of bytes written so far.
func (d *Document) Position() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

// Close terminates the messages array and the document object.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.write("]}"); err != nil {
		_ = d.f.Close()
		return err
	}
	return d.f.Close()
}

func (d *Document) append(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if d.count > 0 {
		b = append([]byte(","), b...)
	}
	if err := d.write(string(b)); err != nil {
		return err
	}
	d.count++
	return nil
}

func (d *Document) write(s string) error {
	n, err := d.f.WriteString(s)
	d.pos += int64(n)
	if err != nil {
		return err
	}
	return d.f.Sync()
}
