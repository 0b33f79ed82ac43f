package models

import "github.com/goccy/go-json"

// Inbound event types, as emitted by clients over the websocket.
const (
	EventStartCall        = "start_call"
	EventJoinCall         = "join_call"
	EventAcceptCall       = "accept_call"
	EventRejectCall       = "reject_call"
	EventCancelCall       = "cancel_call"
	EventEndCall          = "end_call"
	EventSDPOffer         = "sdp_offer"
	EventSDPAnswer        = "sdp_answer"
	EventICECandidate     = "ice_candidate"
	EventJoinMeeting      = "join_meeting_webrtc"
	EventLeaveMeeting     = "leave_meeting_webrtc"
	EventMeetingSDPOffer  = "meeting_sdp_offer"
	EventMeetingSDPAnswer = "meeting_sdp_answer"
	EventMeetingICE       = "meeting_ice_candidate"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
	EventMarkAsRead       = "mark_as_read"
	EventMarkAsDelivered  = "mark_as_delivered"
)

// Outbound event types, produced by the coordinator.
const (
	EventIncomingCall         = "incoming_call"
	EventCallStarted          = "call_started"
	EventCallAccepted         = "call_accepted"
	EventCallJoined           = "call_joined"
	EventCallRejected         = "call_rejected"
	EventCallCancelled        = "call_cancelled"
	EventCallEnded            = "call_ended"
	EventExistingParticipants = "existing_meeting_participants"
	EventUserJoined           = "user_joined"
	EventUserLeft             = "user_left"
	EventMessagesRead         = "messages_read"
	EventMessageDelivered     = "message_delivered"
	EventNewMessage           = "new_message"
	EventError                = "error"
)

// ClientEvent is the inbound envelope. Payload carries SDP blobs and ICE
// candidates opaquely; the coordinator never inspects it.
type ClientEvent struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"sessionId,omitempty"`
	ChatID       string          `json:"chatId,omitempty"`
	To           string          `json:"to,omitempty"`
	Kind         SessionKind     `json:"kind,omitempty"`
	Participants []string        `json:"participants,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`

	// Set by the transport layer from the authenticated connection,
	// never trusted from the wire.
	From         string `json:"-"`
	ConnectionID string `json:"-"`
}

// ServerEvent is the outbound envelope.
type ServerEvent struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"sessionId,omitempty"`
	ChatID       string          `json:"chatId,omitempty"`
	From         string          `json:"from,omitempty"`
	Kind         SessionKind     `json:"kind,omitempty"`
	Status       SessionStatus   `json:"status,omitempty"`
	Reason       EndReason       `json:"reason,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Unread       int64           `json:"unread,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// RosterOf flattens a session's active participants for an outbound event.
func RosterOf(s *Session) []Participant {
	roster := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Active() {
			roster = append(roster, *p)
		}
	}
	return roster
}
