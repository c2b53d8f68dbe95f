package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/device"
	"github.com/metrastics/meshwatch/internal/models"
)

type recordedSend struct {
	text         string
	destination  string
	wantAck      bool
	channelIndex *int
}

type stubSession struct {
	mu    sync.Mutex
	sends []recordedSend
	err   error
}

func (s *stubSession) SendText(text, destinationID string, wantAck bool, channelIndex *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sends = append(s.sends, recordedSend{text, destinationID, wantAck, channelIndex})
	return nil
}

func (s *stubSession) LocalNodeInfo() (device.LocalNodeInfo, error) {
	return device.LocalNodeInfo{NodeID: "!00000001"}, nil
}

func (s *stubSession) Channels() ([]device.ChannelInfo, error) { return nil, nil }
func (s *stubSession) Healthy() bool                           { return true }
func (s *stubSession) Close() error                            { return nil }

func testServer(t *testing.T, session device.Session) (*httptest.Server, *gorm.DB) {
	t.Helper()
	conn, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}

	s := New(Options{
		Port:             0,
		DB:               conn,
		Session:          func() device.Session { return session },
		MaxMessageLength: 220,
	})
	srv := httptest.NewServer(s.router())
	t.Cleanup(srv.Close)
	return srv, conn
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestSend_Success(t *testing.T) {
	session := &stubSession{}
	srv, _ := testServer(t, session)

	resp := postJSON(t, srv.URL+"/send", map[string]interface{}{
		"text":          "hello mesh",
		"destinationId": "^all",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "success" {
		t.Errorf("status field = %v, want success", body["status"])
	}

	if len(session.sends) != 1 {
		t.Fatalf("sends = %d", len(session.sends))
	}
	sent := session.sends[0]
	if sent.destination != "^all" {
		t.Errorf("destination = %q", sent.destination)
	}
	if sent.text != "hello mesh" {
		t.Errorf("text = %q", sent.text)
	}
}

func TestSend_DirectWithChannel(t *testing.T) {
	session := &stubSession{}
	srv, _ := testServer(t, session)

	resp := postJSON(t, srv.URL+"/send", map[string]interface{}{
		"text":          "ping",
		"destinationId": "!0000002a",
		"channelIndex":  2,
		"wantAck":       true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sent := session.sends[0]
	if sent.destination != "!0000002a" || !sent.wantAck {
		t.Errorf("send = %+v", sent)
	}
	if sent.channelIndex == nil || *sent.channelIndex != 2 {
		t.Errorf("channelIndex = %v", sent.channelIndex)
	}
}

func TestSend_EmptyText(t *testing.T) {
	srv, _ := testServer(t, &stubSession{})

	resp := postJSON(t, srv.URL+"/send", map[string]interface{}{"text": "", "destinationId": "^all"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSend_MissingDestination(t *testing.T) {
	session := &stubSession{}
	srv, _ := testServer(t, session)

	resp := postJSON(t, srv.URL+"/send", map[string]interface{}{"text": "hello"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing destination", resp.StatusCode)
	}
	if len(session.sends) != 0 {
		t.Error("malformed request must not reach the device")
	}
}

func TestSend_NoSession(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp := postJSON(t, srv.URL+"/send", map[string]interface{}{"text": "hello", "destinationId": "^all"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSend_SessionError(t *testing.T) {
	srv, _ := testServer(t, &stubSession{err: errors.New("radio busy")})

	resp := postJSON(t, srv.URL+"/send", map[string]interface{}{"text": "hello", "destinationId": "^all"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestSend_TruncatesLongText(t *testing.T) {
	session := &stubSession{}
	srv, _ := testServer(t, session)

	long := strings.Repeat("x", 300)
	resp := postJSON(t, srv.URL+"/send", map[string]interface{}{"text": long, "destinationId": "^all"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sent := session.sends[0].text
	if len(sent) != 220 {
		t.Errorf("sent length = %d, want 220", len(sent))
	}
	if !strings.HasSuffix(sent, "...") {
		t.Error("truncated text missing ellipsis")
	}
}

func TestRestart_SetsFlag(t *testing.T) {
	srv, conn := testServer(t, &stubSession{})

	if err := db.UpdateListenerState(conn, map[string]interface{}{"status": models.StatusConnected}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	resp := postJSON(t, srv.URL+"/restart", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	state, _ := db.ListenerState(conn)
	if !state.RestartRequested {
		t.Error("restart flag not set")
	}
}

func TestRestart_ConflictWhilePending(t *testing.T) {
	srv, conn := testServer(t, &stubSession{})

	db.UpdateListenerState(conn, map[string]interface{}{
		"status":            models.StatusConnected,
		"restart_requested": true,
	})

	resp := postJSON(t, srv.URL+"/restart", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRestart_ConflictWhileConnecting(t *testing.T) {
	srv, conn := testServer(t, &stubSession{})

	for _, status := range []string{models.StatusInitializing, models.StatusConnecting} {
		db.UpdateListenerState(conn, map[string]interface{}{
			"status":            status,
			"restart_requested": false,
		})
		resp := postJSON(t, srv.URL+"/restart", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status %s: code = %d, want 409", status, resp.StatusCode)
		}
	}
}

func TestStatus(t *testing.T) {
	srv, conn := testServer(t, &stubSession{})

	nodeID := "!deadbeef"
	db.UpdateListenerState(conn, map[string]interface{}{
		"status":           models.StatusConnected,
		"local_node_id":    nodeID,
		"local_node_name":  "Gateway",
		"channel_map_json": `{"LongFast":0}`,
	})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != models.StatusConnected {
		t.Errorf("status = %v", body["status"])
	}
	if body["local_node_id"] != nodeID {
		t.Errorf("local_node_id = %v", body["local_node_id"])
	}
}

func TestClient_AgainstServer(t *testing.T) {
	session := &stubSession{}
	srv, conn := testServer(t, session)
	db.UpdateListenerState(conn, map[string]interface{}{"status": models.StatusConnected})

	client := &Client{baseURL: srv.URL, http: &http.Client{Timeout: 5 * time.Second}}

	if err := client.Send("hi there", "", nil, false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(session.sends) != 1 {
		t.Fatalf("sends = %d", len(session.sends))
	}

	if err := client.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := client.Restart(); err == nil {
		t.Error("second restart should conflict")
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status["restart_requested"] != true {
		t.Errorf("restart_requested = %v", status["restart_requested"])
	}
}

func TestClient_ErrorDetail(t *testing.T) {
	srv, _ := testServer(t, nil)
	client := &Client{baseURL: srv.URL, http: &http.Client{Timeout: 5 * time.Second}}

	err := client.Send("hello", "", nil, false)
	if err == nil {
		t.Fatal("expected error with no session")
	}
	if !strings.Contains(err.Error(), "device not connected") {
		t.Errorf("err = %v, want upstream detail", err)
	}
}
