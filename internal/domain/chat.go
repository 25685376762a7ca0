package domain

import "errors"

var ErrChatIDInvalid = errors.New("chat id invalid")

// ChatID names the conversation a call belongs to.
type ChatID string

func ParseChatID(s string) (ChatID, error) {
	if s == "" || len(s) > MaxChatIDLen {
		return "", ErrChatIDInvalid
	}
	return ChatID(s), nil
}
