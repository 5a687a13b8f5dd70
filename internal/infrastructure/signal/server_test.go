package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/internal/core/services"
	"streamgate/internal/infrastructure/directory"
	"streamgate/internal/infrastructure/distributed"
	"streamgate/internal/infrastructure/repositories/memory"
	"streamgate/internal/infrastructure/rooms"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "signal-server-test-secret"

type nopSink struct{}

func (nopSink) Incr(string, map[string]string)             {}
func (nopSink) Observe(string, float64, map[string]string) {}

func mintToken(t *testing.T, subject int64, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId":   subject,
		"username": username,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type gatewayFixture struct {
	server   *Server
	presence ports.PresenceStore
	url      string
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PingInterval = 5 * time.Second
	return opts
}

// newGateway wires a full signaling instance over in-process
// collaborators. Several gateways sharing one fabric and presence store
// behave like a horizontally scaled deployment.
func newGateway(t *testing.T, fabric *distributed.LocalBus, instanceID string, presence ports.PresenceStore, dir ports.StreamDirectory) *gatewayFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	verifier, err := services.NewTokenVerifier(services.VerifierConfig{
		Algorithm: "HS256",
		Secret:    []byte(testSecret),
	}, logger)
	require.NoError(t, err)

	registry := rooms.NewRegistry(logger)
	bus := fabric.ForInstance(instanceID)
	srv := NewServer(verifier, dir, presence, registry, bus, nopSink{}, testOptions(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, bus.Subscribe(ctx, srv.ApplyRemote))

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)

	return &gatewayFixture{
		server:   srv,
		presence: presence,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func newSingleGateway(t *testing.T, dir ports.StreamDirectory) *gatewayFixture {
	return newGateway(t, distributed.NewLocalBus(), "gw-test-1", memory.NewMemoryPresenceRepository(), dir)
}

func seedDirectory(streams ...*domain.Stream) *directory.MemoryDirectory {
	dir := directory.NewMemoryDirectory()
	for _, s := range streams {
		dir.Add(s)
	}
	return dir
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: data}))
}

// awaitEvent reads frames until one matches the wanted event, skipping
// interleaved room traffic.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for event %q", event)
		if env.Event == event {
			return env.Data
		}
	}
}

func awaitCount(t *testing.T, conn *websocket.Conn) int64 {
	t.Helper()
	var count int64
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventViewerCount), &count))
	return count
}

func awaitClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
	}
}

func storeCount(t *testing.T, presence ports.PresenceStore, stream domain.StreamID) int64 {
	t.Helper()
	count, err := presence.Count(context.Background(), stream)
	require.NoError(t, err)
	return count
}

func TestViewerJoinCountsAndNotifiesRoom(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1, Status: "live"}))

	conn := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, conn, EventJoin, joinPayload{StreamID: 7})

	var joined joinedPayload
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventJoined), &joined))
	assert.Equal(t, int64(7), joined.StreamID)

	var notice viewerJoinedPayload
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventViewerJoined), &notice))
	assert.Equal(t, int64(42), notice.ViewerID)

	assert.Equal(t, int64(1), awaitCount(t, conn))
	assert.Equal(t, int64(1), storeCount(t, gw.presence, 7))
}

func TestOwnerJoinNeverCounted(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1, Status: "live"}))

	conn := dial(t, gw.url, mintToken(t, 1, "streamer"))
	send(t, conn, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, conn, EventJoined)

	assert.Equal(t, int64(0), storeCount(t, gw.presence, 7))

	send(t, conn, EventLeave, joinPayload{StreamID: 7})
	awaitEvent(t, conn, EventLeft)
	assert.Equal(t, int64(0), storeCount(t, gw.presence, 7))
}

func TestJoinUnknownStreamClosesConnection(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory())

	conn := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, conn, EventJoin, joinPayload{StreamID: 999})

	var errMsg errorPayload
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventError), &errMsg))
	awaitClosed(t, conn)
}

func TestJoinMalformedStreamIDClosesConnection(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	conn := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, conn, EventJoin, map[string]interface{}{"streamId": "not-a-number"})

	awaitEvent(t, conn, EventError)
	awaitClosed(t, conn)
	assert.Equal(t, int64(0), storeCount(t, gw.presence, 7))
}

func TestNumericStringStreamIDAccepted(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	conn := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, conn, EventJoin, map[string]interface{}{"streamId": "7"})

	var joined joinedPayload
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventJoined), &joined))
	assert.Equal(t, int64(7), joined.StreamID)
}

func TestUnauthenticatedJoinRejected(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	conn := dial(t, gw.url, "")
	send(t, conn, EventJoin, joinPayload{StreamID: 7})

	var errMsg errorPayload
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventError), &errMsg))
	assert.Equal(t, "unauthorized", errMsg.Message)
	awaitClosed(t, conn)
	assert.Equal(t, int64(0), storeCount(t, gw.presence, 7))
}

func TestForgedTokenGetsUniformError(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": int64(42),
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := forged.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	conn := dial(t, gw.url, signed)
	send(t, conn, EventJoin, joinPayload{StreamID: 7})

	var errMsg errorPayload
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventError), &errMsg))
	assert.Equal(t, "unauthorized", errMsg.Message)
	awaitClosed(t, conn)
}

func TestSlotMigrationAcrossSockets(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))
	token := mintToken(t, 42, "alice")

	first := dial(t, gw.url, token)
	send(t, first, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, first, EventJoined)
	assert.Equal(t, int64(1), awaitCount(t, first))

	second := dial(t, gw.url, token)
	send(t, second, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, second, EventJoined)
	assert.Equal(t, int64(1), awaitCount(t, second))

	// The first socket's slot was superseded; its disconnect must not
	// disturb the count.
	first.Close()
	require.Eventually(t, func() bool {
		return storeCount(t, gw.presence, 7) == 1
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), storeCount(t, gw.presence, 7))

	send(t, second, EventLeave, joinPayload{StreamID: 7})
	awaitEvent(t, second, EventLeft)
	assert.Equal(t, int64(0), storeCount(t, gw.presence, 7))
}

func TestDisconnectRetractsPresence(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	conn := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, conn, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, conn, EventJoined)
	assert.Equal(t, int64(1), awaitCount(t, conn))

	conn.Close()
	require.Eventually(t, func() bool {
		return storeCount(t, gw.presence, 7) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLeaveWithoutJoinIsNoOp(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1, Title: "show"}))

	conn := dial(t, gw.url, mintToken(t, 1, "streamer"))
	send(t, conn, EventLeave, joinPayload{StreamID: 7})

	// The session must survive; prove it with a normal round trip.
	send(t, conn, EventMyStreams, nil)
	var streams []*domain.Stream
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventMyStreams), &streams))
	require.Len(t, streams, 1)
	assert.Equal(t, domain.StreamID(7), streams[0].ID)
}

func TestOfferRelayedToRoomNotSender(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	streamer := dial(t, gw.url, mintToken(t, 1, "streamer"))
	send(t, streamer, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, streamer, EventJoined)

	viewer := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, viewer, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, viewer, EventJoined)
	// Drain the viewer's own join broadcasts so the read queue is
	// empty before probing for an echoed offer.
	awaitCount(t, viewer)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0 o=alice"}`)
	send(t, viewer, EventOffer, relayPayload{StreamID: 7, SDP: sdp})

	var relayed relayBroadcast
	require.NoError(t, json.Unmarshal(awaitEvent(t, streamer, EventOffer), &relayed))
	assert.Equal(t, int64(42), relayed.From)
	assert.JSONEq(t, string(sdp), string(relayed.SDP))

	// The sender must not hear its own offer. The next frame it
	// receives has to be the my-streams response, handled after the
	// relay on the same session.
	send(t, viewer, EventMyStreams, nil)
	viewer.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	require.NoError(t, viewer.ReadJSON(&env))
	assert.Equal(t, EventMyStreams, env.Event)
}

func TestRelayFromNonMemberDropped(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	streamer := dial(t, gw.url, mintToken(t, 1, "streamer"))
	send(t, streamer, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, streamer, EventJoined)

	outsider := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, outsider, EventICE, relayPayload{StreamID: 7, Candidate: json.RawMessage(`"candidate:1"`)})

	// Nothing must reach the room member.
	streamer.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env Envelope
	err := streamer.ReadJSON(&env)
	require.Error(t, err)
}

func TestChatBroadcastCarriesIdentityAndTimestamp(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	streamer := dial(t, gw.url, mintToken(t, 1, "streamer"))
	send(t, streamer, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, streamer, EventJoined)

	viewer := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, viewer, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, viewer, EventJoined)

	send(t, viewer, EventChat, chatPayload{StreamID: 7, Text: "hello room"})

	var msg chatBroadcast
	require.NoError(t, json.Unmarshal(awaitEvent(t, streamer, EventChat), &msg))
	assert.Equal(t, int64(42), msg.UserID)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "hello room", msg.Text)
	assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
}

func TestOversizedChatRejectedWithoutClosing(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1}))

	conn := dial(t, gw.url, mintToken(t, 42, "alice"))
	send(t, conn, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, conn, EventJoined)

	send(t, conn, EventChat, chatPayload{StreamID: 7, Text: strings.Repeat("x", 501)})
	awaitEvent(t, conn, EventError)

	// Still connected.
	send(t, conn, EventMyStreams, nil)
	awaitEvent(t, conn, EventMyStreams)
}

func TestMyStreamsListsOwnedStreams(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(
		&domain.Stream{ID: 7, OwnerID: 1, Status: "live"},
		&domain.Stream{ID: 8, OwnerID: 1, Status: "idle"},
		&domain.Stream{ID: 9, OwnerID: 2, Status: "live"},
	))

	conn := dial(t, gw.url, mintToken(t, 1, "streamer"))
	send(t, conn, EventMyStreams, nil)

	var streams []*domain.Stream
	require.NoError(t, json.Unmarshal(awaitEvent(t, conn, EventMyStreams), &streams))
	assert.Len(t, streams, 2)
}

func TestRelayAcrossInstances(t *testing.T) {
	fabric := distributed.NewLocalBus()
	presence := memory.NewMemoryPresenceRepository()
	dir := seedDirectory(&domain.Stream{ID: 7, OwnerID: 1})

	gwA := newGateway(t, fabric, "gw-a", presence, dir)
	gwB := newGateway(t, fabric, "gw-b", presence, dir)

	streamer := dial(t, gwA.url, mintToken(t, 1, "streamer"))
	send(t, streamer, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, streamer, EventJoined)

	viewer := dial(t, gwB.url, mintToken(t, 42, "alice"))
	send(t, viewer, EventJoin, joinPayload{StreamID: 7})
	awaitEvent(t, viewer, EventJoined)

	// The join on B reaches the streamer on A through the bus.
	assert.Equal(t, int64(1), awaitCount(t, streamer))

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0 o=alice"}`)
	send(t, viewer, EventOffer, relayPayload{StreamID: 7, SDP: sdp})

	var relayed relayBroadcast
	require.NoError(t, json.Unmarshal(awaitEvent(t, streamer, EventOffer), &relayed))
	assert.Equal(t, int64(42), relayed.From)
	assert.JSONEq(t, string(sdp), string(relayed.SDP))

	send(t, streamer, EventAnswer, relayPayload{StreamID: 7, SDP: json.RawMessage(`{"type":"answer","sdp":"v=0 o=streamer"}`)})
	var answer relayBroadcast
	require.NoError(t, json.Unmarshal(awaitEvent(t, viewer, EventAnswer), &answer))
	assert.Equal(t, int64(1), answer.From)

	send(t, viewer, EventChat, chatPayload{StreamID: 7, Text: "cross-instance hello"})
	var msg chatBroadcast
	require.NoError(t, json.Unmarshal(awaitEvent(t, streamer, EventChat), &msg))
	assert.Equal(t, "cross-instance hello", msg.Text)
}

func TestUnknownEventIgnored(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory(&domain.Stream{ID: 7, OwnerID: 1, Title: "show"}))

	conn := dial(t, gw.url, mintToken(t, 1, "streamer"))
	send(t, conn, "bogus-event", map[string]string{"x": "y"})

	send(t, conn, EventMyStreams, nil)
	awaitEvent(t, conn, EventMyStreams)
}

// A terminal close can leave inbound frames queued beyond the message
// channel's buffer; the session reader must still exit with the loop
// instead of parking on the channel send forever.
func TestReaderExitsAfterTerminalCloseWithBacklog(t *testing.T) {
	gw := newSingleGateway(t, seedDirectory())

	baseline := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		// Empty token: the first join triggers the unauthorized
		// terminal close while the rest of the frames back up.
		conn, _, err := websocket.DefaultDialer.Dial(gw.url+"?token=", nil)
		require.NoError(t, err)
		for j := 0; j < 60; j++ {
			if err := conn.WriteJSON(Envelope{Event: EventJoin, Data: json.RawMessage(`{"streamId":1}`)}); err != nil {
				break
			}
		}
		conn.Close()
	}

	require.Eventually(t, func() bool {
		runtime.GC()
		return runtime.NumGoroutine() <= baseline+2
	}, 3*time.Second, 50*time.Millisecond, "session reader goroutines must exit after disconnect")
}
