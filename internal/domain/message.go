package domain

import "time"

// MaxMessageLength is the longest message content accepted, in characters.
const MaxMessageLength = 2000

type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	HexColor string `json:"hexColor,omitempty"`
}

// Message is a chat message as it is broadcast to live connections.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	ServerID  string    `json:"serverId,omitempty"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	Author    Author    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageEvent carries what push resolution needs about a newly created message.
// ServerID is empty for direct messages, in which case RecipientID is set.
type MessageEvent struct {
	Message     Message
	RecipientID string
	ServerName  string
	ChannelName string
}

func (e MessageEvent) IsDirect() bool {
	return e.Message.ServerID == ""
}

// Mentioned reports whether userID is in the message's mention list.
func (e MessageEvent) Mentioned(userID string) bool {
	for _, id := range e.Message.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}
