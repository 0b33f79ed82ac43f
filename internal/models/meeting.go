package models

import "time"

// MeetingMetadata stores information about a meeting room.
type MeetingMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"` // Short, shareable meeting code (e.g., "ABCD123")
	CreatorID        string    `json:"creatorId"`
	Title            string    `json:"title,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateMeetingRequest is the request body for creating a meeting.
type CreateMeetingRequest struct {
	Title           string `json:"title"`
	MaxParticipants int    `json:"maxParticipants" binding:"omitempty,min=2,max=32"`
}

// CreateMeetingResponse is the response for creating a meeting.
type CreateMeetingResponse struct {
	MeetingID string `json:"meetingId"`
	Code      string `json:"code"`
}

// MessageCreated is the exactly-once callback body posted by the message
// CRUD layer after a message has been persisted.
type MessageCreated struct {
	ChatID       string   `json:"chatId" binding:"required"`
	MessageID    string   `json:"messageId" binding:"required"`
	SenderID     string   `json:"senderId" binding:"required"`
	RecipientIDs []string `json:"recipientIds" binding:"required"`
}
