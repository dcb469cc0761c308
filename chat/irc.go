package chat

import (
	"context"
	"strconv"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// IRCSource joins a channel's chat over IRC. The channelID argument to Run
// is the channel login. Anonymous connections work when Username is empty.
type IRCSource struct {
	Username string
	Token    string
}

func (s *IRCSource) Run(ctx context.Context, channelID string, onMessage func(Message)) error {
	var client *twitch.Client
	if s.Username != "" {
		client = twitch.NewClient(s.Username, s.Token)
	} else {
		client = twitch.NewAnonymousClient()
	}
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		onMessage(normalizeIRC(msg))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	client.Join(channelID)
	err := client.Connect()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func normalizeIRC(msg twitch.PrivateMessage) Message {
	m := Message{
		ID:        msg.ID,
		UserID:    msg.User.ID,
		UserLogin: msg.User.Name,
		UserName:  msg.User.DisplayName,
		Message:   msg.Message,
		Color:     msg.User.Color,
		IsAction:  msg.Action,
		IsFirst:   msg.FirstMessage,
		Timestamp: msg.Time.UnixMilli(),
		FullMsg:   msg.Raw,
	}
	for set, version := range msg.User.Badges {
		m.Badges = append(m.Badges, Badge{SetID: set, Version: strconv.Itoa(version)})
	}
	for _, e := range msg.Emotes {
		em := Emote{ID: e.ID, Name: e.Name}
		if len(e.Positions) > 0 {
			em.Begin = e.Positions[0].Start
			em.End = e.Positions[0].End
		}
		m.Emotes = append(m.Emotes, em)
	}
	if msg.Reply != nil {
		m.Reply = &Reply{
			ID:        msg.Reply.ParentMsgID,
			UserLogin: msg.Reply.ParentUserLogin,
			UserName:  msg.Reply.ParentDisplayName,
			Message:   msg.Reply.ParentMsgBody,
		}
	}
	return m
}
