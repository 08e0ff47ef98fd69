package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/relay/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	cfg := config.Default()
	cfg.UploadPath = t.TempDir()

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := NewServer(cfg, st)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/api/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "badger", body["database"])
}

func TestCreateAndFetchRoom(t *testing.T) {
	ts, _ := newTestServer(t)

	var created roomView
	resp := postJSON(t, ts.URL+"/api/rooms", map[string]string{"name": "standup"}, &created)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, string(created.ID), domain.RoomIDLen)
	assert.Equal(t, "standup", created.Name)
	assert.Equal(t, 0, created.ActiveUsers)

	var fetched roomView
	resp = getJSON(t, fmt.Sprintf("%s/api/rooms/%s", ts.URL, created.ID), &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, fetched.ID)

	var listed []roomView
	resp = getJSON(t, ts.URL+"/api/rooms", &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed, 1)

	resp = getJSON(t, ts.URL+"/api/rooms/ZZZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/api/rooms/not-a-room-id", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/rooms", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateRoomWithPinnedCode(t *testing.T) {
	ts, _ := newTestServer(t)

	var created roomView
	resp := postJSON(t, ts.URL+"/api/rooms",
		map[string]string{"name": "standup", "code": "daily1"}, &created)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.RoomID("DAILY1"), created.ID)

	resp = postJSON(t, ts.URL+"/api/rooms",
		map[string]string{"name": "standup", "code": "not a code"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostAndListMessages(t *testing.T) {
	ts, _ := newTestServer(t)

	var room roomView
	postJSON(t, ts.URL+"/api/rooms", map[string]string{"name": "chat"}, &room)
	msgURL := fmt.Sprintf("%s/api/rooms/%s/messages", ts.URL, room.ID)

	var stored domain.Message
	resp := postJSON(t, msgURL, map[string]string{
		"user_id": "u1", "username": "alice", "message": "hello there",
	}, &stored)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "hello there", stored.Body)
	assert.Equal(t, domain.MessageText, stored.Kind)
	assert.False(t, stored.Timestamp.IsZero())

	var page struct {
		Messages []domain.Message `json:"messages"`
	}
	resp = getJSON(t, msgURL, &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, stored.ID, page.Messages[0].ID)

	// validator rejects what the schema forbids
	resp = postJSON(t, msgURL, map[string]string{"user_id": "u1", "username": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, msgURL, map[string]string{
		"user_id": "u1", "username": "alice", "message": "x", "message_type": "video",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpload(t *testing.T) {
	ts, _ := newTestServer(t)

	var room roomView
	postJSON(t, ts.URL+"/api/rooms", map[string]string{"name": "pics"}, &room)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "cat.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("user_id", "u1"))
	require.NoError(t, w.WriteField("username", "alice"))
	require.NoError(t, w.Close())

	resp, err := http.Post(
		fmt.Sprintf("%s/api/rooms/%s/upload", ts.URL, room.ID),
		w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg domain.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, domain.MessageImage, msg.Kind)
	assert.Equal(t, "cat.png", msg.Body)
	require.True(t, strings.HasPrefix(msg.FileURL, "/uploads/"))
	assert.True(t, strings.HasSuffix(msg.FileURL, ".png"))

	// the stored file is served back
	got, err := http.Get(ts.URL + msg.FileURL)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

// wsPeer is a raw signaling connection for driving the relay in tests.
type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, ts *httptest.Server, room, userID, username string) *wsPeer {
	t.Helper()
	url := fmt.Sprintf("ws%s/api/ws/%s?user_id=%s&username=%s",
		strings.TrimPrefix(ts.URL, "http"), room, userID, username)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(m protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *wsPeer) recv() protocol.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	msg, err := protocol.Decode(data)
	require.NoError(p.t, err)
	return msg
}

// expect reads until a frame of kind k arrives, failing on timeout.
func (p *wsPeer) expect(k protocol.Kind) protocol.Message {
	p.t.Helper()
	for i := 0; i < 16; i++ {
		msg := p.recv()
		if msg.Kind() == k {
			return msg
		}
	}
	p.t.Fatalf("no %s frame received", k)
	return nil
}

func TestSignalingSession(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialPeer(t, ts, "ABC123", "a", "alice")
	alice.send(&protocol.Join{RoomID: "ABC123"})

	info := alice.expect(protocol.KindRoomInfo).(*protocol.RoomInfo)
	assert.Equal(t, domain.RoomID("ABC123"), info.Room.ID)
	require.Len(t, info.Users, 1)

	bob := dialPeer(t, ts, "ABC123", "b", "bob")
	joined := alice.expect(protocol.KindUserJoined).(*protocol.UserJoined)
	assert.Equal(t, domain.UserID("b"), joined.UserID)
	assert.Equal(t, 2, joined.TotalUsers)

	bob.send(&protocol.Join{RoomID: "ABC123"})
	info = bob.expect(protocol.KindRoomInfo).(*protocol.RoomInfo)
	assert.Len(t, info.Users, 2)

	// voice flags go to the whole room, the sender included
	alice.send(&protocol.JoinVoice{})
	up := alice.expect(protocol.KindVoiceUpdate).(*protocol.VoiceUpdate)
	assert.Equal(t, domain.UserID("a"), up.UserID)
	assert.True(t, up.IsInVoice)
	up = bob.expect(protocol.KindVoiceUpdate).(*protocol.VoiceUpdate)
	assert.Equal(t, domain.UserID("a"), up.UserID)

	// descriptions and candidates are forwarded to the other side only,
	// stamped with the origin
	alice.send(&protocol.Offer{SDP: "offer-sdp"})
	offer := bob.expect(protocol.KindOffer).(*protocol.Offer)
	assert.Equal(t, "offer-sdp", offer.SDP)
	assert.Equal(t, domain.UserID("a"), offer.UserID)

	// alice's next inbound frame is bob's answer, never her own offer
	// echoed back
	bob.send(&protocol.Answer{SDP: "answer-sdp"})
	answer := alice.recv().(*protocol.Answer)
	assert.Equal(t, domain.UserID("b"), answer.UserID)

	bob.send(&protocol.ICECandidate{Candidate: "candidate:1"})
	cand := alice.expect(protocol.KindCandidate).(*protocol.ICECandidate)
	assert.Equal(t, "candidate:1", cand.Candidate)
	assert.Equal(t, domain.UserID("b"), cand.UserID)

	// typing goes to the others only
	alice.send(&protocol.Typing{IsTyping: true})
	typing := bob.expect(protocol.KindUserTyping).(*protocol.UserTyping)
	assert.True(t, typing.IsTyping)

	require.NoError(t, bob.conn.Close())
	left := alice.expect(protocol.KindUserLeft).(*protocol.UserLeft)
	assert.Equal(t, domain.UserID("b"), left.UserID)
	assert.Equal(t, 1, left.TotalUsers)
}

func TestRestMessageReachesConnectedPeers(t *testing.T) {
	ts, _ := newTestServer(t)

	peer := dialPeer(t, ts, "ABC123", "a", "alice")
	peer.send(&protocol.Join{RoomID: "ABC123"})
	peer.expect(protocol.KindRoomInfo)

	var stored domain.Message
	resp := postJSON(t, ts.URL+"/api/rooms/ABC123/messages", map[string]string{
		"user_id": "b", "username": "bob", "message": "posted over rest",
	}, &stored)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := peer.expect(protocol.KindNewMessage).(*protocol.NewMessage)
	assert.Equal(t, stored.ID, frame.Message.ID)
	assert.Equal(t, "posted over rest", frame.Message.Body)
}

func TestSignalRejectsBadRoomID(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := getJSON(t, ts.URL+"/api/ws/way-too-long-room", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomCreatedOnFirstConnect(t *testing.T) {
	ts, srv := newTestServer(t)

	dialPeer(t, ts, "QX9", "a", "alice")
	room, err := srv.store.GetRoom("QX9")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("QX9"), room.ID)
	require.Eventually(t, func() bool { return srv.hub.count("QX9") == 1 },
		time.Second, 5*time.Millisecond)
}
