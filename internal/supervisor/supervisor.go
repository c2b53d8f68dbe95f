// Package supervisor owns the device connection lifecycle: dialing, health
// polling, reconnect backoff, operator-requested restarts, and the shared
// snapshot of the connected radio's identity.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/device"
	"github.com/metrastics/meshwatch/internal/models"
	"github.com/metrastics/meshwatch/internal/nodestate"
)

// Gateway is the outbound-send HTTP service whose lifecycle the supervisor
// owns. Start blocks until the service exits; Ready reports when the current
// listener is bound.
type Gateway interface {
	Start(ctx context.Context) error
	Ready() <-chan struct{}
}

// Options wires a Supervisor to its collaborators. OnPacket and OnNodeUpdated
// are forwarded to each session; Gateway, when non-nil, is (re)started by the
// supervisor alongside each device session.
type Options struct {
	Config        *config.Config
	Dialer        device.Dialer
	DB            *gorm.DB
	Nodes         *nodestate.Store
	Snapshots     *SnapshotStore
	OnPacket      func(pkt map[string]interface{})
	OnNodeUpdated func(nodeID string, info map[string]interface{})
	Gateway       Gateway
	Out           io.Writer
}

type Supervisor struct {
	opts Options

	// sessionCh holds the live session, if any, so the gateway and rule
	// engine can send through it.
	sessionCh chan device.Session

	connLost   chan error
	connectedC chan struct{}

	// gatewayDown receives the gateway's exit error. gatewayUp is only
	// touched from the Run goroutine.
	gatewayDown chan error
	gatewayUp   bool
}

func New(opts Options) *Supervisor {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Supervisor{
		opts:        opts,
		sessionCh:   make(chan device.Session, 1),
		connLost:    make(chan error, 1),
		connectedC:  make(chan struct{}, 1),
		gatewayDown: make(chan error, 1),
	}
}

// Session returns the current live session, or nil when disconnected.
func (s *Supervisor) Session() device.Session {
	select {
	case sess := <-s.sessionCh:
		s.sessionCh <- sess
		return sess
	default:
		return nil
	}
}

func (s *Supervisor) setSession(sess device.Session) {
	select {
	case <-s.sessionCh:
	default:
	}
	if sess != nil {
		s.sessionCh <- sess
	}
}

// Run drives the connection loop until ctx is cancelled. It always leaves the
// persisted listener state as DISCONNECTED on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(map[string]interface{}{
		"status":             models.StatusInitializing,
		"last_error_message": "",
	})
	fmt.Fprintf(s.opts.Out, "listener starting\n")

	retry := s.opts.Config.InitialRetry()
	for {
		if ctx.Err() != nil {
			s.markShutdown()
			return nil
		}

		s.setState(map[string]interface{}{"status": models.StatusConnecting})
		log.Printf("supervisor: connecting to %s:%d", s.opts.Config.Device.Host, s.opts.Config.Device.Port)

		session, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.markShutdown()
				return nil
			}
			s.setState(map[string]interface{}{
				"status":             models.StatusError,
				"last_error_message": err.Error(),
			})
			log.Printf("supervisor: connect failed: %v (retrying in %s)", err, retry)
			if !sleepWithContext(ctx, retry) {
				s.markShutdown()
				return nil
			}
			retry = nextRetry(retry, s.opts.Config.MaxRetry())
			continue
		}

		// A session object exists, so the gateway can serve sends now.
		s.ensureGateway(ctx)

		s.setSession(session)
		reason := s.watch(ctx, session)
		s.setSession(nil)
		s.dropIdentity()

		switch reason {
		case watchShutdown:
			s.markShutdown()
			return nil
		case watchRestart:
			// Operator restart reconnects immediately with fresh backoff.
			retry = s.opts.Config.InitialRetry()
		case watchConnected:
			// Connection was established at some point, so start the
			// backoff ladder over.
			retry = s.opts.Config.InitialRetry()
		default:
			retry = nextRetry(retry, s.opts.Config.MaxRetry())
		}
	}
}

// ensureGateway (re)starts the send gateway when it is not running and waits,
// bounded by the grace period, for its listener to bind. A gateway that died
// while disconnected is noticed here and started fresh.
func (s *Supervisor) ensureGateway(ctx context.Context) {
	if s.opts.Gateway == nil {
		return
	}
	select {
	case err := <-s.gatewayDown:
		s.gatewayUp = false
		log.Printf("supervisor: send gateway stopped: %v", err)
	default:
	}
	if s.gatewayUp {
		return
	}
	s.gatewayUp = true

	ready := s.opts.Gateway.Ready()
	go func() {
		err := s.opts.Gateway.Start(ctx)
		select {
		case s.gatewayDown <- err:
		default:
		}
	}()

	select {
	case <-ready:
	case <-time.After(s.opts.Config.GatewayGrace()):
		log.Printf("supervisor: gateway not ready after %s, continuing", s.opts.Config.GatewayGrace())
	case <-ctx.Done():
	}
}

func (s *Supervisor) dial(ctx context.Context) (device.Session, error) {
	// Drain any stale signal from a previous session.
	select {
	case <-s.connLost:
	default:
	}
	select {
	case <-s.connectedC:
	default:
	}

	events := device.Events{
		OnPacket:      s.opts.OnPacket,
		OnNodeUpdated: s.opts.OnNodeUpdated,
		OnConnected:   s.onConnected,
		OnConnectionLost: func(err error) {
			select {
			case s.connLost <- err:
			default:
			}
		},
	}
	return s.opts.Dialer.Dial(ctx, events)
}

// onConnected runs when the radio announces its identity. It publishes the
// snapshot, marks the local node, and flips the persisted state to CONNECTED.
func (s *Supervisor) onConnected(local device.LocalNodeInfo, channels []device.ChannelInfo) {
	snap := s.opts.Snapshots.Replace(local, channels)

	if err := s.opts.Nodes.MarkLocal(local.NodeID); err != nil {
		log.Printf("supervisor: mark local node: %v", err)
	}

	channelJSON, err := json.Marshal(snap.ChannelMap)
	if err != nil {
		channelJSON = []byte("{}")
	}
	s.setState(map[string]interface{}{
		"status":             models.StatusConnected,
		"last_error_message": "",
		"local_node_id":      local.NodeID,
		"local_node_num":     local.NodeNum,
		"local_node_name":    snap.NodeName,
		"channel_map_json":   string(channelJSON),
	})

	log.Printf("supervisor: connected as %s (%s), %d channels", local.NodeID, snap.NodeName, len(channels))
	fmt.Fprintf(s.opts.Out, "connected to %s (%s)\n", local.NodeID, snap.NodeName)

	select {
	case s.connectedC <- struct{}{}:
	default:
	}
}

type watchResult int

const (
	watchShutdown watchResult = iota
	watchRestart
	watchLost
	watchConnected
)

// watch polls a live session until it dies, a restart is requested, or ctx
// is cancelled. The returned reason tells Run how to proceed.
func (s *Supervisor) watch(ctx context.Context, session device.Session) watchResult {
	sawConnect := false
	poll := s.opts.Config.PollInterval()
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			session.Close()
			return watchShutdown

		case err := <-s.connLost:
			session.Close()
			s.setState(map[string]interface{}{
				"status":             models.StatusError,
				"last_error_message": lostMessage(err),
			})
			log.Printf("supervisor: connection lost: %v", err)
			if sawConnect {
				return watchConnected
			}
			return watchLost

		case <-s.connectedC:
			sawConnect = true

		case err := <-s.gatewayDown:
			// A dead gateway forces a full reconnect so the next cycle
			// brings it back alongside a fresh session.
			s.gatewayUp = false
			session.Close()
			s.setState(map[string]interface{}{
				"status":             models.StatusError,
				"last_error_message": gatewayDownMessage(err),
			})
			log.Printf("supervisor: send gateway stopped: %v", err)
			if sawConnect {
				return watchConnected
			}
			return watchLost

		case <-timer.C:
			if restart, err := s.restartRequested(); err != nil {
				log.Printf("supervisor: read restart flag: %v", err)
			} else if restart {
				s.clearRestartFlag()
				session.Close()
				s.setState(map[string]interface{}{
					"status":             models.StatusDisconnected,
					"last_error_message": "restart requested by operator",
				})
				log.Printf("supervisor: restart requested, reconnecting")
				return watchRestart
			}

			if !session.Healthy() {
				session.Close()
				s.setState(map[string]interface{}{
					"status":             models.StatusError,
					"last_error_message": "device connection unhealthy",
				})
				log.Printf("supervisor: session unhealthy, reconnecting")
				if sawConnect {
					return watchConnected
				}
				return watchLost
			}
			timer.Reset(poll)
		}
	}
}

func (s *Supervisor) restartRequested() (bool, error) {
	state, err := db.ListenerState(s.opts.DB)
	if err != nil {
		return false, err
	}
	return state.RestartRequested, nil
}

func (s *Supervisor) clearRestartFlag() {
	s.setState(map[string]interface{}{"restart_requested": false})
}

// dropIdentity clears the snapshot and the persisted local-node fields after
// a session ends.
func (s *Supervisor) dropIdentity() {
	s.opts.Snapshots.Clear()
	s.setState(map[string]interface{}{
		"local_node_id":    nil,
		"local_node_num":   nil,
		"local_node_name":  nil,
		"channel_map_json": "",
	})
}

func (s *Supervisor) markShutdown() {
	s.setState(map[string]interface{}{
		"status":             models.StatusDisconnected,
		"last_error_message": "shut down by operator",
	})
	fmt.Fprintf(s.opts.Out, "listener stopped\n")
}

func (s *Supervisor) setState(fields map[string]interface{}) {
	if err := db.UpdateListenerState(s.opts.DB, fields); err != nil {
		log.Printf("supervisor: persist state: %v", err)
	}
}

func lostMessage(err error) string {
	if err == nil {
		return "connection lost"
	}
	return err.Error()
}

func gatewayDownMessage(err error) string {
	if err == nil {
		return "send gateway stopped"
	}
	return "send gateway stopped: " + err.Error()
}

func nextRetry(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleepWithContext waits for d, returning false if ctx was cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
