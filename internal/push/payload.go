package push

import (
	"strings"
	"time"

	"github.com/Ciach0/nerimity-server/internal/domain"
)

const maxBodyRunes = 100

const (
	TypeServerMessage = "server_message"
	TypeDirectMessage = "direct_message"
)

// BuildPayload shapes the data message for event. Optional fields are left out when the
// source value is empty.
func BuildPayload(event domain.MessageEvent) map[string]string {
	msg := event.Message
	data := map[string]string{
		"messageId": msg.ID,
		"channelId": msg.ChannelID,
		"content":   Truncate(msg.Content, maxBodyRunes),
		"cUserId":   msg.Author.ID,
		"cName":     msg.Author.Username,
		"createdAt": msg.CreatedAt.UTC().Format(time.RFC3339),
	}

	if event.IsDirect() {
		data["type"] = TypeDirectMessage
	} else {
		data["type"] = TypeServerMessage
		data["serverId"] = msg.ServerID
	}

	putIfSet(data, "cAvatar", msg.Author.Avatar)
	putIfSet(data, "cHexColor", msg.Author.HexColor)
	putIfSet(data, "serverName", event.ServerName)
	putIfSet(data, "channelName", event.ChannelName)
	if len(msg.Mentions) > 0 {
		data["mentions"] = strings.Join(msg.Mentions, ",")
	}
	return data
}

// Priority returns high for direct messages and normal otherwise.
func Priority(event domain.MessageEvent) domain.PushPriority {
	if event.IsDirect() {
		return domain.PriorityHigh
	}
	return domain.PriorityNormal
}

// Truncate returns the first n characters of s.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func putIfSet(data map[string]string, key, value string) {
	if value != "" {
		data[key] = value
	}
}
