package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/device"
	"github.com/metrastics/meshwatch/internal/models"
	"github.com/metrastics/meshwatch/internal/nodestate"
)

type fakeSession struct {
	mu      sync.Mutex
	healthy bool
	closed  bool
}

func (s *fakeSession) SendText(string, string, bool, *int) error { return nil }

func (s *fakeSession) LocalNodeInfo() (device.LocalNodeInfo, error) {
	return device.LocalNodeInfo{}, errors.New("not announced")
}

func (s *fakeSession) Channels() ([]device.ChannelInfo, error) { return nil, nil }

func (s *fakeSession) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	failures int
	dials    int
	events   device.Events
}

func (d *fakeDialer) Dial(_ context.Context, events device.Events) (device.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.events = events
	if d.dials <= d.failures {
		return nil, errors.New("connection refused")
	}
	sess := &fakeSession{healthy: true}
	d.sessions = append(d.sessions, sess)
	return sess, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

type fakeGateway struct {
	mu     sync.Mutex
	starts int
	exit   chan error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{exit: make(chan error)}
}

func (g *fakeGateway) Ready() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (g *fakeGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	g.starts++
	g.mu.Unlock()
	select {
	case err := <-g.exit:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (g *fakeGateway) startCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.starts
}

func testSupervisor(t *testing.T, dialer device.Dialer) (*Supervisor, *gorm.DB) {
	t.Helper()
	conn, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}

	cfg := &config.Config{}
	cfg.Device.Host = "test"
	cfg.Device.Port = 1883
	cfg.Listener.InitialRetrySeconds = 1
	cfg.Listener.MaxRetrySeconds = 4
	cfg.Listener.PollSeconds = 1
	cfg.Listener.GatewayGraceSeconds = 1

	return New(Options{
		Config:    cfg,
		Dialer:    dialer,
		DB:        conn,
		Nodes:     nodestate.NewStore(conn),
		Snapshots: NewSnapshotStore(),
		Out:       io.Discard,
	}), conn
}

func listenerStatus(t *testing.T, conn *gorm.DB) *models.ListenerState {
	t.Helper()
	state, err := db.ListenerState(conn)
	if err != nil {
		t.Fatalf("listener state: %v", err)
	}
	return state
}

func TestNextRetry(t *testing.T) {
	max := 60 * time.Second
	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{5 * time.Second, 10 * time.Second},
		{10 * time.Second, 20 * time.Second},
		{40 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := nextRetry(tt.current, max); got != tt.want {
			t.Errorf("nextRetry(%s) = %s, want %s", tt.current, got, tt.want)
		}
	}
}

func TestOnConnected_PublishesSnapshotAndState(t *testing.T) {
	sup, conn := testSupervisor(t, &fakeDialer{})

	sup.onConnected(
		device.LocalNodeInfo{NodeID: "!0000002a", NodeNum: 42, LongName: "Base"},
		[]device.ChannelInfo{{Index: 0, InternalID: "LongFast"}},
	)

	snap := sup.opts.Snapshots.Load()
	if !snap.Connected() || snap.NodeID != "!0000002a" {
		t.Errorf("snapshot = %+v", snap)
	}

	state := listenerStatus(t, conn)
	if state.Status != models.StatusConnected {
		t.Errorf("Status = %q", state.Status)
	}
	if state.LocalNodeID == nil || *state.LocalNodeID != "!0000002a" {
		t.Errorf("LocalNodeID = %v", state.LocalNodeID)
	}
	if state.ChannelMapJSON == "" {
		t.Error("channel map not persisted")
	}

	var local models.Node
	if err := conn.First(&local, "is_local = ?", true).Error; err != nil {
		t.Fatalf("local node: %v", err)
	}
	if local.NodeID != "!0000002a" {
		t.Errorf("local node = %s", local.NodeID)
	}
}

func TestWatch_ShutdownOnContextCancel(t *testing.T) {
	sup, _ := testSupervisor(t, &fakeDialer{})
	sess := &fakeSession{healthy: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := sup.watch(ctx, sess); got != watchShutdown {
		t.Errorf("watch() = %v, want shutdown", got)
	}
	if !sess.isClosed() {
		t.Error("session not closed on shutdown")
	}
}

func TestWatch_ConnectionLost(t *testing.T) {
	sup, conn := testSupervisor(t, &fakeDialer{})
	sess := &fakeSession{healthy: true}

	sup.connLost <- errors.New("broker went away")
	if got := sup.watch(context.Background(), sess); got != watchLost {
		t.Errorf("watch() = %v, want lost", got)
	}
	if !sess.isClosed() {
		t.Error("session not closed on loss")
	}

	state := listenerStatus(t, conn)
	if state.Status != models.StatusError {
		t.Errorf("Status = %q", state.Status)
	}
	if state.LastErrorMessage != "broker went away" {
		t.Errorf("LastErrorMessage = %q", state.LastErrorMessage)
	}
}

func TestWatch_LostAfterConnectResetsBackoff(t *testing.T) {
	sup, _ := testSupervisor(t, &fakeDialer{})
	sess := &fakeSession{healthy: true}

	sup.connectedC <- struct{}{}
	go func() {
		time.Sleep(50 * time.Millisecond)
		sup.connLost <- errors.New("dropped")
	}()
	if got := sup.watch(context.Background(), sess); got != watchConnected {
		t.Errorf("watch() = %v, want connected-then-lost", got)
	}
}

func TestWatch_RestartRequest(t *testing.T) {
	sup, conn := testSupervisor(t, &fakeDialer{})
	sess := &fakeSession{healthy: true}

	if err := db.UpdateListenerState(conn, map[string]interface{}{"restart_requested": true}); err != nil {
		t.Fatalf("set restart flag: %v", err)
	}

	if got := sup.watch(context.Background(), sess); got != watchRestart {
		t.Errorf("watch() = %v, want restart", got)
	}
	if !sess.isClosed() {
		t.Error("session not closed on restart")
	}

	state := listenerStatus(t, conn)
	if state.RestartRequested {
		t.Error("restart flag not cleared after honoring it")
	}
	if state.Status != models.StatusDisconnected {
		t.Errorf("Status = %q", state.Status)
	}
}

func TestWatch_GatewayDeathForcesSessionClose(t *testing.T) {
	sup, conn := testSupervisor(t, &fakeDialer{})
	sess := &fakeSession{healthy: true}

	sup.gatewayDown <- errors.New("listener closed")
	if got := sup.watch(context.Background(), sess); got != watchLost {
		t.Errorf("watch() = %v, want reconnect", got)
	}
	if !sess.isClosed() {
		t.Error("session not closed when the gateway died")
	}

	state := listenerStatus(t, conn)
	if state.LastErrorMessage != "send gateway stopped: listener closed" {
		t.Errorf("LastErrorMessage = %q", state.LastErrorMessage)
	}
}

func TestWatch_UnhealthySession(t *testing.T) {
	sup, conn := testSupervisor(t, &fakeDialer{})
	sess := &fakeSession{healthy: false}

	if got := sup.watch(context.Background(), sess); got != watchLost {
		t.Errorf("watch() = %v, want lost", got)
	}
	state := listenerStatus(t, conn)
	if state.LastErrorMessage != "device connection unhealthy" {
		t.Errorf("LastErrorMessage = %q", state.LastErrorMessage)
	}
}

func TestRun_RetriesThenShutsDownCleanly(t *testing.T) {
	dialer := &fakeDialer{failures: 1}
	sup, conn := testSupervisor(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for dialer.dialCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("supervisor never redialed after failure")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}

	state := listenerStatus(t, conn)
	if state.Status != models.StatusDisconnected {
		t.Errorf("Status = %q, want %q", state.Status, models.StatusDisconnected)
	}
	if state.LastErrorMessage != "shut down by operator" {
		t.Errorf("LastErrorMessage = %q", state.LastErrorMessage)
	}
}

func TestRun_GatewayDeathRestartsGatewayWithReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	sup, _ := testSupervisor(t, dialer)
	gw := newFakeGateway()
	sup.opts.Gateway = gw

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for gw.startCount() < 1 || dialer.dialCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("gateway never started alongside the first session")
		case <-time.After(20 * time.Millisecond):
		}
	}

	gw.exit <- errors.New("port stolen")

	deadline = time.After(10 * time.Second)
	for dialer.dialCount() < 2 || gw.startCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("no reconnect cycle after gateway death: dials = %d, gateway starts = %d",
				dialer.dialCount(), gw.startCount())
		case <-time.After(20 * time.Millisecond):
		}
	}

	if sess := dialer.session(0); sess == nil || !sess.isClosed() {
		t.Error("first session not closed when the gateway died")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestSessionHandoff(t *testing.T) {
	sup, _ := testSupervisor(t, &fakeDialer{})

	if sup.Session() != nil {
		t.Error("Session() should be nil before connect")
	}

	sess := &fakeSession{healthy: true}
	sup.setSession(sess)
	if sup.Session() != device.Session(sess) {
		t.Error("Session() did not return the live session")
	}
	// Reading must not consume the session.
	if sup.Session() == nil {
		t.Error("Session() consumed the stored session")
	}

	sup.setSession(nil)
	if sup.Session() != nil {
		t.Error("Session() should be nil after clear")
	}
}
