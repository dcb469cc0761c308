package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// Wire types for the websocket chat transport. The payloads are loosely
// typed upstream; normalization into Message happens once, here, at the
// boundary.

type wireEnvelope struct {
	Event string `json:"event"`
	// Data arrives double-encoded: a JSON string containing JSON.
	Data string `json:"data"`
}

type wireMessage struct {
	ID         string        `json:"id"`
	ChatroomID json.Number   `json:"chatroom_id"`
	Content    string        `json:"content"`
	Type       string        `json:"type"`
	CreatedAt  string        `json:"created_at"`
	Sender     wireSender    `json:"sender"`
	Metadata   *wireMetadata `json:"metadata"`
}

type wireSender struct {
	ID       json.Number   `json:"id"`
	Username string        `json:"username"`
	Slug     string        `json:"slug"`
	Identity *wireIdentity `json:"identity"`
}

type wireIdentity struct {
	Color  string      `json:"color"`
	Badges []wireBadge `json:"badges"`
}

type wireBadge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count int    `json:"count"`
}

type wireMetadata struct {
	OriginalSender  *wireSender   `json:"original_sender"`
	OriginalMessage *wireOriginal `json:"original_message"`
}

// wireOriginal carries the replied-to text under either "message" or
// "content" depending on the emitting path upstream.
type wireOriginal struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Content string `json:"content"`
}

func (o *wireOriginal) text() string {
	if o.Message != "" {
		return o.Message
	}
	return o.Content
}

// normalizeWire maps a decoded wire message onto the persisted Message
// shape. It never fails; absent fields stay zero.
func normalizeWire(w wireMessage) Message {
	m := Message{
		ID:        w.ID,
		UserID:    w.Sender.ID.String(),
		UserLogin: w.Sender.Slug,
		UserName:  w.Sender.Username,
		Message:   w.Content,
	}
	if w.Sender.Identity != nil {
		m.Color = w.Sender.Identity.Color
		for _, b := range w.Sender.Identity.Badges {
			m.Badges = append(m.Badges, Badge{SetID: b.Type, Version: b.Text})
		}
	}
	if t, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
		m.Timestamp = t.UnixMilli()
	}
	if w.Metadata != nil && w.Metadata.OriginalMessage != nil {
		r := &Reply{ID: w.Metadata.OriginalMessage.ID, Message: w.Metadata.OriginalMessage.text()}
		if s := w.Metadata.OriginalSender; s != nil {
			r.UserLogin = s.Slug
			r.UserName = s.Username
		}
		m.Reply = r
	}
	if strings.EqualFold(w.Type, "reward") || strings.EqualFold(w.Type, "celebration") {
		m.Reward = &Reward{Title: w.Type}
	}
	return m
}
