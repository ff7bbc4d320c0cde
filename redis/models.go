package redis

import (
	"encoding/json"
	"fmt"

	"github.com/anhtri22303/uni-club-chat/api"
)

// Key layout: one sorted set per channel indexes message ids by sent_at
// millis, and each message body lives in its own JSON value.

func logKey(channelID string) string {
	return fmt.Sprintf("chan:%s:log", channelID)
}

func msgKey(channelID, messageID string) string {
	return fmt.Sprintf("chan:%s:msg:%s", channelID, messageID)
}

func encodeMessage(msg api.Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return string(b), nil
}

func decodeMessage(raw string) (api.Message, error) {
	var msg api.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return api.Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
