package models

import "time"

// Conversation is a channel between participants as listed by the backend.
type Conversation struct {
	ID              string    `json:"_id"`
	Participants    []string  `json:"participants"`
	Name            string    `json:"name,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount     int       `json:"unreadCount"`
	Theme           string    `json:"theme,omitempty"`
}

// ConversationPage is one page of GET /conversations/{userId}.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"hasMore"`
}

// OtherParticipant returns the first participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}
