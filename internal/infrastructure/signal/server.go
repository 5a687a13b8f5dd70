package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/retry"
	"streamgate/pkg/utils"
	"streamgate/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tunes the per-connection transport behavior.
type Options struct {
	AllowedOrigins []string

	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultOptions() Options {
	return Options{
		AllowedOrigins:    []string{"*"},
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 100,
		Burst:             200,
		MaxMessageSize:    64 * 1024,
	}
}

// Server owns every signaling connection attached to this gateway
// instance. Handlers for one session run one message at a time; rooms
// and presence coordinate across sessions and instances.
type Server struct {
	verifier  ports.TokenVerifier
	directory ports.StreamDirectory
	presence  ports.PresenceStore
	registry  ports.RoomRegistry
	bus       ports.BroadcastBus
	metrics   ports.MetricsSink

	routes map[string]route
	opts   Options

	// presenceRetry allows a single inline retry against the shared
	// store before the operation is abandoned for this message.
	presenceRetry retry.Config

	openSessions atomic.Int64

	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewServer(
	verifier ports.TokenVerifier,
	directory ports.StreamDirectory,
	presence ports.PresenceStore,
	registry ports.RoomRegistry,
	bus ports.BroadcastBus,
	metrics ports.MetricsSink,
	opts Options,
	logger *zap.SugaredLogger,
) *Server {
	s := &Server{
		verifier:  verifier,
		directory: directory,
		presence:  presence,
		registry:  registry,
		bus:       bus,
		metrics:   metrics,
		opts:          opts,
		presenceRetry: retry.Inline(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return validation.OriginAllowed(r.Header.Get("Origin"), opts.AllowedOrigins)
			},
		},
		logger: logger,
	}
	s.routes = s.buildRoutes()
	return s
}

// ApplyRemote delivers a bus event from another instance to the local
// members of its room. Wire it as the BroadcastBus subscription handler.
func (s *Server) ApplyRemote(ev *ports.RoomEvent) {
	s.registry.BroadcastLocal(ev.Room, ev.Event, ev.Payload, "")
}

// session is one live signaling connection. Identity and room state are
// only touched by the session's own message loop; the write mutex
// serializes frames from room broadcasts originating in other sessions.
type session struct {
	id       domain.SessionID
	token    string
	remote   string
	openedAt time.Time

	identity *domain.Identity
	// rooms maps joined streams to whether this session holds a viewer
	// slot there (false for the stream's own owner).
	rooms map[domain.StreamID]bool

	writeMu      sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

var _ ports.Subscriber = (*session)(nil)

func (s *session) ID() domain.SessionID { return s.id }

func (s *session) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(Envelope{Event: event, Data: data})
}

// bearerToken pulls the credential from the handshake. Clients send it
// either as a query parameter or a standard Authorization header; it is
// kept raw and verified lazily on the first message that needs it.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	sess := &session{
		id:           domain.SessionID(utils.GenerateSessionID()),
		token:        bearerToken(r),
		remote:       r.RemoteAddr,
		openedAt:     time.Now(),
		rooms:        make(map[domain.StreamID]bool),
		conn:         conn,
		writeTimeout: s.opts.WriteTimeout,
		logger:       s.logger,
	}

	s.metrics.Incr("signal_connections_total", nil)
	s.metrics.Observe("signal_open_sessions", float64(s.openSessions.Add(1)), nil)
	s.logger.Infow("session connected", "session_id", sess.id, "remote", sess.remote)

	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	limiter := rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)

	messageChan := make(chan Envelope, 10)
	errorChan := make(chan error, 1)

	// The reader must not outlive the session loop: after a terminal
	// close, queued frames have no consumer and a blocked channel send
	// would pin the goroutine forever. done releases it.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
			select {
			case messageChan <- env:
			case <-done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case env := <-messageChan:
			if !limiter.Allow() {
				s.metrics.Incr("signal_messages_dropped_total", map[string]string{"event": env.Event})
				s.logger.Warnw("message rate limit exceeded", "session_id", sess.id, "event", env.Event)
				continue
			}
			if closeNow := s.dispatch(r.Context(), sess, env); closeNow {
				break loop
			}

		case <-pingTicker.C:
			sess.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			sess.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "session_id", sess.id, "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read failed", "session_id", sess.id, "error", err)
			}
			break loop
		}
	}

	s.cleanup(sess)
}

// cleanup runs unconditionally on disconnect. Every step is best-effort
// so a failing shared store cannot hang the close path.
func (s *Server) cleanup(sess *session) {
	s.metrics.Observe("signal_open_sessions", float64(s.openSessions.Add(-1)), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for streamID, isViewer := range sess.rooms {
		room := streamID.Room()
		s.registry.Leave(room, sess.id)

		if !isViewer {
			continue
		}
		count, err := s.removeViewer(ctx, streamID, sess)
		if err != nil {
			s.metrics.Incr("presence_errors_total", map[string]string{"op": "remove"})
			s.logger.Warnw("presence retraction failed on disconnect",
				"session_id", sess.id,
				"stream_id", streamID,
				"error", err,
			)
			continue
		}
		s.broadcastRoom(ctx, room, EventViewerCount, count, "")
	}
	s.metrics.Observe("signal_open_rooms", float64(s.registry.RoomCount()), nil)

	s.logger.Infow("session disconnected",
		"session_id", sess.id,
		"duration", time.Since(sess.openedAt),
	)
}

func (s *Server) addViewer(ctx context.Context, streamID domain.StreamID, sess *session) (int64, error) {
	return retry.Transient(ctx, s.presenceRetry, func() (int64, error) {
		return s.presence.AddViewer(ctx, streamID, sess.id, sess.identity.Subject)
	})
}

func (s *Server) removeViewer(ctx context.Context, streamID domain.StreamID, sess *session) (int64, error) {
	return retry.Transient(ctx, s.presenceRetry, func() (int64, error) {
		return s.presence.RemoveViewer(ctx, streamID, sess.id, sess.identity.Subject)
	})
}

// broadcastRoom emits to local members and publishes on the bus so
// members attached to other instances see the same event. A bus failure
// degrades to local-only delivery.
func (s *Server) broadcastRoom(ctx context.Context, room, event string, payload interface{}, exclude domain.SessionID) {
	s.registry.BroadcastLocal(room, event, payload, exclude)
	if err := s.bus.Publish(ctx, room, event, payload); err != nil {
		s.metrics.Incr("bus_publish_failures_total", map[string]string{"event": event})
		s.logger.Warnw("bus publish failed", "room", room, "event", event, "error", err)
	}
}
