package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"streamgate/internal/core/domain"
	apperrors "streamgate/pkg/errors"
	"streamgate/pkg/tracing"
	"streamgate/pkg/validation"
)

type handlerFunc func(ctx context.Context, sess *session, data json.RawMessage) error

// route binds an event to its handler. requireAuth routes share one
// pre-dispatch credential check instead of per-handler guards; the
// identity is verified once per connection and cached on the session.
type route struct {
	requireAuth bool
	handle      handlerFunc
}

func (s *Server) buildRoutes() map[string]route {
	return map[string]route{
		EventJoin:      {requireAuth: true, handle: s.handleJoin},
		EventLeave:     {requireAuth: true, handle: s.handleLeave},
		EventOffer:     {requireAuth: true, handle: s.relayHandler(EventOffer)},
		EventAnswer:    {requireAuth: true, handle: s.relayHandler(EventAnswer)},
		EventICE:       {requireAuth: true, handle: s.relayHandler(EventICE)},
		EventChat:      {requireAuth: true, handle: s.handleChat},
		EventMyStreams: {requireAuth: true, handle: s.handleMyStreams},
	}
}

// terminalError marks a handler failure that must close the transport
// regardless of its error code.
type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

func terminal(err error) error { return terminalError{err: err} }

// dispatch routes one inbound frame. The returned flag tells the
// message loop to tear the connection down.
func (s *Server) dispatch(ctx context.Context, sess *session, env Envelope) (closeNow bool) {
	started := time.Now()

	rt, ok := s.routes[env.Event]
	if !ok {
		s.logger.Warnw("unknown event ignored", "session_id", sess.id, "event", env.Event)
		return false
	}

	ctx, span := tracing.TraceSignalMessage(ctx, env.Event, string(sess.id))
	defer span.End()

	if rt.requireAuth {
		if err := s.ensureIdentity(ctx, sess); err != nil {
			s.metrics.Incr("auth_failures_total", map[string]string{
				"reason": string(apperrors.AuthReasonOf(err)),
			})
			s.logger.Infow("credential rejected",
				"session_id", sess.id,
				"reason", apperrors.AuthReasonOf(err),
			)
			// The wire response never reveals which auth check failed.
			sess.Send(EventError, errorPayload{Message: "unauthorized"})
			return true
		}
		tracing.AddSpanAttributes(ctx, tracing.SubjectIDKey.Int64(int64(sess.identity.Subject)))
	}

	err := rt.handle(ctx, sess, env.Data)

	s.metrics.Incr("signal_messages_total", map[string]string{"event": env.Event})
	s.metrics.Observe("signal_message_handle_seconds", time.Since(started).Seconds(), map[string]string{"event": env.Event})

	if err == nil {
		return false
	}

	tracing.RecordError(ctx, err)
	s.logger.Infow("message handling failed",
		"session_id", sess.id,
		"event", env.Event,
		"error", err,
	)
	sess.Send(EventError, errorPayload{Message: clientMessage(err)})

	var term terminalError
	if errors.As(err, &term) {
		return true
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeUnauthorized, apperrors.ErrCodeNotFound, apperrors.ErrCodeInvalidInput:
		return true
	default:
		// Transient store trouble degrades the feature, not the session.
		return false
	}
}

// ensureIdentity verifies the handshake credential once and caches the
// subject for the rest of the connection.
func (s *Server) ensureIdentity(ctx context.Context, sess *session) error {
	if sess.identity != nil {
		return nil
	}
	identity, err := s.verifier.Verify(ctx, sess.token)
	if err != nil {
		return err
	}
	sess.identity = &identity
	s.logger.Infow("session authenticated",
		"session_id", sess.id,
		"subject", identity.Subject,
		"username", identity.Username,
	)
	return nil
}

func clientMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

func (s *Server) handleJoin(ctx context.Context, sess *session, data json.RawMessage) error {
	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	streamID := payload.StreamID.StreamID()
	tracing.AddSpanAttributes(ctx, tracing.StreamIDKey.Int64(int64(streamID)))

	stream, err := s.directory.FindByID(ctx, streamID)
	if err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			return apperrors.NewNotFoundError("stream")
		}
		// A joined room must be backed by a verified stream; without
		// the lookup the join cannot proceed.
		return terminal(err)
	}

	room := streamID.Room()
	s.registry.Join(room, sess)
	s.metrics.Observe("signal_open_rooms", float64(s.registry.RoomCount()), nil)

	isViewer := sess.identity.Subject != stream.OwnerID
	sess.rooms[streamID] = isViewer

	if err := sess.Send(EventJoined, joinedPayload{StreamID: int64(streamID)}); err != nil {
		return terminal(err)
	}

	if isViewer {
		count, err := s.addViewer(ctx, streamID, sess)
		if err != nil {
			// The relayed signaling path stays usable; the count is
			// stale until the next presence change or TTL expiry.
			s.metrics.Incr("presence_errors_total", map[string]string{"op": "add"})
			s.logger.Warnw("presence update failed on join",
				"session_id", sess.id,
				"stream_id", streamID,
				"error", err,
			)
			return nil
		}
		s.broadcastRoom(ctx, room, EventViewerJoined, viewerJoinedPayload{
			StreamID: int64(streamID),
			ViewerID: int64(sess.identity.Subject),
		}, "")
		s.broadcastRoom(ctx, room, EventViewerCount, count, "")
	}

	return nil
}

func (s *Server) handleLeave(ctx context.Context, sess *session, data json.RawMessage) error {
	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	streamID := payload.StreamID.StreamID()

	isViewer, member := sess.rooms[streamID]
	if !member {
		return nil
	}

	room := streamID.Room()
	if isViewer {
		count, err := s.removeViewer(ctx, streamID, sess)
		if err != nil {
			s.metrics.Incr("presence_errors_total", map[string]string{"op": "remove"})
			s.logger.Warnw("presence retraction failed on leave",
				"session_id", sess.id,
				"stream_id", streamID,
				"error", err,
			)
		} else {
			s.broadcastRoom(ctx, room, EventViewerCount, count, "")
		}
	}

	s.registry.Leave(room, sess.id)
	delete(sess.rooms, streamID)
	s.metrics.Observe("signal_open_rooms", float64(s.registry.RoomCount()), nil)

	return sess.Send(EventLeft, joinedPayload{StreamID: int64(streamID)})
}

// relayHandler forwards offer/answer/ice payloads verbatim to the rest
// of the room, tagged with the sender's subject id.
func (s *Server) relayHandler(event string) handlerFunc {
	return func(ctx context.Context, sess *session, data json.RawMessage) error {
		var payload relayPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		streamID := payload.StreamID.StreamID()

		if _, member := sess.rooms[streamID]; !member {
			s.logger.Debugw("relay from non-member dropped",
				"session_id", sess.id,
				"event", event,
				"stream_id", streamID,
			)
			return nil
		}

		s.broadcastRoom(ctx, streamID.Room(), event, relayBroadcast{
			From:      int64(sess.identity.Subject),
			SDP:       payload.SDP,
			Candidate: payload.Candidate,
		}, sess.id)
		return nil
	}
}

func (s *Server) handleChat(ctx context.Context, sess *session, data json.RawMessage) error {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	streamID := payload.StreamID.StreamID()

	if err := validation.ValidateChatText(payload.Text); err != nil {
		// An oversized message is client misuse, not a broken client;
		// reject it without dropping the session.
		sess.Send(EventError, errorPayload{Message: err.Error()})
		return nil
	}

	if _, member := sess.rooms[streamID]; !member {
		return nil
	}

	s.broadcastRoom(ctx, streamID.Room(), EventChat, chatBroadcast{
		UserID:    int64(sess.identity.Subject),
		Username:  sess.identity.Username,
		Text:      payload.Text,
		Timestamp: time.Now().UTC(),
	}, "")
	return nil
}

func (s *Server) handleMyStreams(ctx context.Context, sess *session, _ json.RawMessage) error {
	streams, err := s.directory.FindByOwner(ctx, sess.identity.Subject)
	if err != nil {
		return err
	}
	return sess.Send(EventMyStreams, streams)
}
