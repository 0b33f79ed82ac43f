// Package router validates inbound signaling events and fans the resulting
// server events out to the right connections.
//
// Ordering: each connection's events are handled serially by its read loop,
// and transitions for one session serialize on the registry's per-session
// lock, so events for the same session are applied in receipt order.
// Deliveries happen after state transitions complete, through per-connection
// send queues, so a slow client never stalls another session's processing.
package router

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/huddle-hq/coordinator/internal/dedup"
	"github.com/huddle-hq/coordinator/internal/ledger"
	"github.com/huddle-hq/coordinator/internal/metrics"
	"github.com/huddle-hq/coordinator/internal/models"
	"github.com/huddle-hq/coordinator/internal/presence"
	"github.com/huddle-hq/coordinator/internal/session"
)

// Transport delivers one event to one connection. Implementations must not
// block: the hub enqueues onto a buffered per-connection channel and drops
// when the client cannot keep up.
type Transport interface {
	Send(connID string, ev models.ServerEvent) error
}

// Router is the signaling event dispatcher.
type Router struct {
	registry  *session.Registry
	presence  *presence.Tracker
	guard     *dedup.Guard
	ledger    *ledger.Ledger
	transport Transport
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New wires the router to its collaborators and registers itself as the
// registry's timeout handler and the tracker's offline handler.
func New(reg *session.Registry, pres *presence.Tracker, guard *dedup.Guard, led *ledger.Ledger, transport Transport, m *metrics.Metrics, log zerolog.Logger) *Router {
	r := &Router{
		registry:  reg,
		presence:  pres,
		guard:     guard,
		ledger:    led,
		transport: transport,
		metrics:   m,
		log:       log.With().Str("component", "router").Logger(),
	}
	reg.SetTimeoutHandler(r.onRingTimeout)
	pres.SetOfflineHandler(r.onUserOffline)
	return r
}

// HandleEvent processes one inbound client event. Validation failures are
// converted to a single error event back to the originating connection;
// they never propagate to other sessions. Idempotency-guard rejections are
// silent.
func (r *Router) HandleEvent(ctx context.Context, ev models.ClientEvent) {
	r.metrics.EventsInbound.WithLabelValues(ev.Type).Inc()

	var err error
	switch ev.Type {
	case models.EventStartCall:
		err = r.startCall(ev)
	case models.EventAcceptCall:
		err = r.acceptCall(ev)
	case models.EventJoinCall:
		err = r.joinCall(ev)
	case models.EventRejectCall:
		err = r.rejectCall(ev)
	case models.EventCancelCall:
		err = r.cancelCall(ev)
	case models.EventEndCall:
		err = r.endCall(ev)
	case models.EventSDPOffer, models.EventSDPAnswer, models.EventICECandidate,
		models.EventMeetingSDPOffer, models.EventMeetingSDPAnswer, models.EventMeetingICE:
		err = r.relay(ev)
	case models.EventJoinMeeting:
		err = r.joinMeeting(ev)
	case models.EventLeaveMeeting:
		err = r.leaveMeeting(ev)
	case models.EventTyping, models.EventStopTyping:
		err = r.relayToChat(ctx, ev, ev.Type)
	case models.EventMarkAsRead:
		err = r.markAsRead(ctx, ev)
	case models.EventMarkAsDelivered:
		err = r.markAsDelivered(ctx, ev)
	default:
		r.log.Warn().Str("type", ev.Type).Str("from", ev.From).Msg("unknown event type")
		return
	}

	if err != nil {
		r.replyError(ev, err)
	}
}

// NotifyMessageCreated is the exactly-once callback from the message CRUD
// layer: it updates the unread ledger and pushes new_message to every
// online recipient, carrying that recipient's fresh unread count.
func (r *Router) NotifyMessageCreated(ctx context.Context, msg models.MessageCreated) error {
	if err := r.ledger.OnMessageCreated(ctx, msg.ChatID, msg.SenderID, msg.RecipientIDs); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"messageId": msg.MessageID})
	if err != nil {
		return err
	}
	for _, userID := range msg.RecipientIDs {
		if userID == msg.SenderID {
			continue
		}
		unread, err := r.ledger.Unread(ctx, msg.ChatID, userID)
		if err != nil {
			r.log.Warn().Err(err).Str("chat", msg.ChatID).Str("user", userID).Msg("unread lookup failed")
		}
		r.sendToUser(userID, models.ServerEvent{
			Type:    models.EventNewMessage,
			ChatID:  msg.ChatID,
			From:    msg.SenderID,
			Payload: payload,
			Unread:  unread,
		})
	}
	return nil
}

// TerminateSession ends a session on behalf of a user acting outside the
// websocket flow (meeting deletion over HTTP). Participants get the same
// terminal notification an end_call would produce. The caller has already
// established the user's authority, so this works even after the creator
// left the room.
func (r *Router) TerminateSession(sessionID, userID string) error {
	s, err := r.registry.Close(sessionID, models.ReasonEnded)
	if err != nil {
		return err
	}
	r.finishSession(s, models.ServerEvent{
		Type:      models.EventCallEnded,
		SessionID: s.ID,
		From:      userID,
		Status:    s.Status,
		Reason:    s.EndReason,
	})
	return nil
}

func (r *Router) startCall(ev models.ClientEvent) error {
	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if !r.guard.ShouldProcess(models.EventStartCall, sessionID) {
		r.metrics.Duplicates.Inc()
		return nil
	}

	kind := ev.Kind
	if !kind.IsCall() {
		kind = models.KindCall
		if len(ev.Participants) > 1 {
			kind = models.KindGroupCall
		}
	}
	s, err := r.registry.Create(sessionID, kind, ev.From, ev.Participants, ev.ConnectionID)
	if err != nil {
		// The anchor recorded above must not swallow a retry of a start
		// that never produced a session.
		r.guard.Forget(models.EventStartCall, sessionID)
		return err
	}
	r.metrics.ActiveSessions.Inc()

	roster := models.RosterOf(s)
	for userID := range s.Participants {
		if userID == ev.From {
			continue
		}
		r.sendToUser(userID, models.ServerEvent{
			Type:         models.EventIncomingCall,
			SessionID:    s.ID,
			From:         ev.From,
			Kind:         s.Kind,
			Status:       s.Status,
			Participants: roster,
		})
	}
	r.sendToUser(ev.From, models.ServerEvent{
		Type:         models.EventCallStarted,
		SessionID:    s.ID,
		Kind:         s.Kind,
		Status:       s.Status,
		Participants: roster,
	})
	return nil
}

func (r *Router) acceptCall(ev models.ClientEvent) error {
	if !r.guard.ShouldProcess(models.EventAcceptCall, ev.SessionID) {
		r.metrics.Duplicates.Inc()
		return nil
	}
	s, err := r.registry.Accept(ev.SessionID, ev.From, ev.ConnectionID)
	if err != nil {
		return err
	}

	r.broadcastToSession(s, models.ServerEvent{
		Type:      models.EventCallAccepted,
		SessionID: s.ID,
		From:      ev.From,
		Status:    s.Status,
	})
	if s.Status == models.StatusOngoing {
		r.broadcastToSession(s, models.ServerEvent{
			Type:         models.EventCallJoined,
			SessionID:    s.ID,
			From:         ev.From,
			Status:       s.Status,
			Participants: models.RosterOf(s),
		})
	}
	return nil
}

func (r *Router) joinCall(ev models.ClientEvent) error {
	s, err := r.registry.Join(ev.SessionID, ev.From, ev.ConnectionID)
	if err != nil {
		return err
	}
	r.broadcastToSession(s, models.ServerEvent{
		Type:         models.EventCallJoined,
		SessionID:    s.ID,
		From:         ev.From,
		Status:       s.Status,
		Participants: models.RosterOf(s),
	})
	return nil
}

func (r *Router) rejectCall(ev models.ClientEvent) error {
	if !r.guard.ShouldProcess(models.EventRejectCall, ev.SessionID) {
		r.metrics.Duplicates.Inc()
		return nil
	}
	s, err := r.registry.Reject(ev.SessionID, ev.From)
	if err != nil {
		return err
	}
	r.finishSession(s, models.ServerEvent{
		Type:      models.EventCallRejected,
		SessionID: s.ID,
		From:      ev.From,
		Status:    s.Status,
		Reason:    s.EndReason,
	})
	return nil
}

func (r *Router) cancelCall(ev models.ClientEvent) error {
	if !r.guard.ShouldProcess(models.EventCancelCall, ev.SessionID) {
		r.metrics.Duplicates.Inc()
		return nil
	}
	s, err := r.registry.Cancel(ev.SessionID, ev.From)
	if err != nil {
		return err
	}
	r.finishSession(s, models.ServerEvent{
		Type:      models.EventCallCancelled,
		SessionID: s.ID,
		From:      ev.From,
		Status:    s.Status,
		Reason:    s.EndReason,
	})
	return nil
}

func (r *Router) endCall(ev models.ClientEvent) error {
	if !r.guard.ShouldProcess(models.EventEndCall, ev.SessionID) {
		r.metrics.Duplicates.Inc()
		return nil
	}
	s, err := r.registry.End(ev.SessionID, ev.From)
	if err != nil {
		return err
	}
	r.finishSession(s, models.ServerEvent{
		Type:      models.EventCallEnded,
		SessionID: s.ID,
		From:      ev.From,
		Status:    s.Status,
		Reason:    s.EndReason,
	})
	return nil
}

// relay forwards SDP and ICE events without touching session state. The
// payload is opaque. An unreachable target is logged and dropped, not
// retried: the client's negotiation-needed hook will renegotiate.
func (r *Router) relay(ev models.ClientEvent) error {
	s, err := r.registry.Get(ev.SessionID)
	if err != nil {
		return err
	}
	p, ok := s.Participants[ev.From]
	if !ok || !p.Active() {
		return &models.UnauthorizedError{UserID: ev.From, SessionID: ev.SessionID}
	}

	out := models.ServerEvent{
		Type:      ev.Type,
		SessionID: ev.SessionID,
		From:      ev.From,
		Payload:   ev.Payload,
	}
	if ev.To == "" {
		for userID, p := range s.Participants {
			if userID != ev.From && p.Active() {
				r.sendToUser(userID, out)
			}
		}
		return nil
	}
	if delivered := r.sendToUser(ev.To, out); !delivered {
		r.log.Debug().Str("session", ev.SessionID).Str("to", ev.To).Str("type", ev.Type).
			Msg("relay target unreachable, dropping")
	}
	return nil
}

// joinMeeting admits a user into a meeting room. The joiner receives the
// current roster exactly once before anyone else learns of the join, so a
// peer's offer can never arrive ahead of the roster it negotiates against.
func (r *Router) joinMeeting(ev models.ClientEvent) error {
	s, err := r.registry.Join(ev.SessionID, ev.From, ev.ConnectionID)
	if err != nil {
		return err
	}

	roster := make([]models.Participant, 0, len(s.Participants))
	for userID, p := range s.Participants {
		if userID != ev.From && p.Active() && p.Joined() {
			roster = append(roster, *p)
		}
	}
	r.send(ev.ConnectionID, models.ServerEvent{
		Type:         models.EventExistingParticipants,
		SessionID:    s.ID,
		Participants: roster,
	})

	r.presence.JoinRoom(ev.From, s.ID)
	for _, userID := range r.presence.RoomMembers(s.ID) {
		if userID != ev.From {
			r.sendToUser(userID, models.ServerEvent{
				Type:      models.EventUserJoined,
				SessionID: s.ID,
				From:      ev.From,
			})
		}
	}
	return nil
}

// leaveMeeting vacates the room. The emptied meeting stays registered and
// joinable; it is torn down by deletion or by the idle janitor, not here.
func (r *Router) leaveMeeting(ev models.ClientEvent) error {
	r.presence.LeaveRoom(ev.From, ev.SessionID)
	if _, _, err := r.registry.RemoveParticipant(ev.SessionID, ev.From); err != nil {
		return err
	}
	for _, userID := range r.presence.RoomMembers(ev.SessionID) {
		r.sendToUser(userID, models.ServerEvent{
			Type:      models.EventUserLeft,
			SessionID: ev.SessionID,
			From:      ev.From,
		})
	}
	return nil
}

// relayToChat forwards typing indicators to the chat's other members.
func (r *Router) relayToChat(ctx context.Context, ev models.ClientEvent, outType string) error {
	members, err := r.ledger.ChatMembers(ctx, ev.ChatID)
	if err != nil {
		return err
	}
	for _, userID := range members {
		if userID != ev.From {
			r.sendToUser(userID, models.ServerEvent{
				Type:   outType,
				ChatID: ev.ChatID,
				From:   ev.From,
			})
		}
	}
	return nil
}

func (r *Router) markAsRead(ctx context.Context, ev models.ClientEvent) error {
	if err := r.ledger.OnMarkAsRead(ctx, ev.ChatID, ev.From); err != nil {
		return err
	}
	return r.relayToChat(ctx, ev, models.EventMessagesRead)
}

func (r *Router) markAsDelivered(ctx context.Context, ev models.ClientEvent) error {
	if err := r.ledger.OnMarkAsDelivered(ctx, ev.ChatID, ev.From); err != nil {
		return err
	}
	return r.relayToChat(ctx, ev, models.EventMessageDelivered)
}

// onRingTimeout fires when a call rang for the full timeout with no
// accept. The session is already cancelled with reason=timeout.
func (r *Router) onRingTimeout(s *models.Session) {
	r.finishSession(s, models.ServerEvent{
		Type:      models.EventCallCancelled,
		SessionID: s.ID,
		Status:    s.Status,
		Reason:    s.EndReason,
	})
}

// onUserOffline reconciles a user whose disconnect grace window expired:
// they leave every meeting room they occupied and their active call, which
// may cascade into session termination. One-shot, never retried.
func (r *Router) onUserOffline(userID string, rooms []string) {
	for _, roomID := range rooms {
		if _, _, err := r.registry.RemoveParticipant(roomID, userID); err != nil {
			continue
		}
		for _, member := range r.presence.RoomMembers(roomID) {
			r.sendToUser(member, models.ServerEvent{
				Type:      models.EventUserLeft,
				SessionID: roomID,
				From:      userID,
			})
		}
	}

	sessionID, ok := r.registry.ActiveCallFor(userID)
	if !ok {
		return
	}
	s, err := r.registry.Get(sessionID)
	if err != nil {
		return
	}
	if s.Status == models.StatusRinging && s.StartedBy == userID {
		// The caller vanished mid-ring; stop ringing the callees.
		if cancelled, err := r.registry.Cancel(sessionID, userID); err == nil {
			r.finishSession(cancelled, models.ServerEvent{
				Type:      models.EventCallCancelled,
				SessionID: cancelled.ID,
				From:      userID,
				Status:    cancelled.Status,
				Reason:    cancelled.EndReason,
			})
		}
		return
	}
	s, cascaded, err := r.registry.RemoveParticipant(sessionID, userID)
	if err != nil {
		return
	}
	if cascaded {
		r.finishSession(s, models.ServerEvent{
			Type:      models.EventCallEnded,
			SessionID: s.ID,
			From:      userID,
			Status:    s.Status,
			Reason:    s.EndReason,
		})
		return
	}
	r.broadcastToSession(s, models.ServerEvent{
		Type:      models.EventUserLeft,
		SessionID: s.ID,
		From:      userID,
	})
}

// finishSession broadcasts a terminal notification once and marks the
// session terminal in the guard, so replayed end/reject/cancel events are
// silently dropped instead of producing duplicate notifications.
func (r *Router) finishSession(s *models.Session, out models.ServerEvent) {
	r.broadcastToSession(s, out)
	r.guard.MarkTerminal(s.ID)
	r.metrics.ActiveSessions.Dec()
}

// broadcastToSession delivers an event to every participant of the
// session, including ones that already left; a participant who left but is
// still connected still needs to see the terminal notification.
func (r *Router) broadcastToSession(s *models.Session, out models.ServerEvent) {
	for userID := range s.Participants {
		r.sendToUser(userID, out)
	}
}

// sendToUser delivers the event to each of the user's connections and
// reports whether at least one delivery was enqueued.
func (r *Router) sendToUser(userID string, out models.ServerEvent) bool {
	conns := r.presence.ConnectionsFor(userID)
	if len(conns) == 0 {
		r.metrics.EventsDropped.WithLabelValues("offline").Inc()
		return false
	}
	delivered := false
	for _, connID := range conns {
		if r.send(connID, out) {
			delivered = true
		}
	}
	return delivered
}

func (r *Router) send(connID string, out models.ServerEvent) bool {
	if err := r.transport.Send(connID, out); err != nil {
		r.metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
		r.log.Debug().Err(err).Str("conn", connID).Str("type", out.Type).Msg("delivery failed")
		return false
	}
	r.metrics.EventsDelivered.Inc()
	return true
}

// replyError sends a single error event to the originating connection.
// Component errors never affect other sessions or crash the router.
func (r *Router) replyError(ev models.ClientEvent, err error) {
	switch {
	case models.IsNotFound(err), models.IsConflict(err),
		models.IsInvalidTransition(err), models.IsUnauthorized(err):
		r.log.Debug().Err(err).Str("type", ev.Type).Str("from", ev.From).Msg("event rejected")
	default:
		r.log.Error().Err(err).Str("type", ev.Type).Str("from", ev.From).Msg("event failed")
	}
	r.send(ev.ConnectionID, models.ServerEvent{
		Type:      models.EventError,
		SessionID: ev.SessionID,
		ChatID:    ev.ChatID,
		Error:     err.Error(),
	})
}
