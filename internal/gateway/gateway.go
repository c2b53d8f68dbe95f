// Package gateway exposes the outbound-send HTTP service. The listener
// process hosts it so other tools (the CLI, the task scheduler, scripts) can
// transmit through the one live device session.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/device"
	"github.com/metrastics/meshwatch/internal/models"
)

const shutdownTimeout = 5 * time.Second

// Options wires the server to its collaborators. Session returns the live
// device session or nil while disconnected.
type Options struct {
	Port             int
	DB               *gorm.DB
	Session          func() device.Session
	MaxMessageLength int
}

type Server struct {
	opts   Options
	mu     sync.Mutex
	ready  chan struct{}
	sendMu sync.Mutex
}

func New(opts Options) *Server {
	return &Server{
		opts:  opts,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the TCP listener is bound and requests can be served.
// The channel is replaced after Start returns, so a restarted gateway signals
// readiness again.
func (s *Server) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Start binds the listener and serves until ctx is cancelled. It may be
// called again after it returns.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen on port %d: %w", s.opts.Port, err)
	}
	s.mu.Lock()
	close(s.ready)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ready = make(chan struct{})
		s.mu.Unlock()
	}()
	log.Printf("gateway: listening on port %d", s.opts.Port)

	srv := &http.Server{Handler: s.router()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/send", s.handleSend)
	router.POST("/restart", s.handleRestart)
	router.GET("/status", s.handleStatus)

	return router
}

type sendRequest struct {
	Text          string `json:"text"`
	DestinationID string `json:"destinationId"`
	ChannelIndex  *int   `json:"channelIndex"`
	WantAck       bool   `json:"wantAck"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if req.DestinationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "destinationId is required"})
		return
	}

	session := s.opts.Session()
	if session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device not connected"})
		return
	}

	destination := req.DestinationID
	text := device.TruncateText(req.Text, s.opts.MaxMessageLength)

	// One send at a time; the radio serializes transmissions anyway and
	// interleaved sends confuse its queue.
	s.sendMu.Lock()
	err := session.SendText(text, destination, req.WantAck, req.ChannelIndex)
	s.sendMu.Unlock()
	if err != nil {
		log.Printf("gateway: send to %s failed: %v", destination, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Printf("gateway: sent %d chars to %s", len(text), destination)
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"destination": destination,
		"length":      len(text),
	})
}

func (s *Server) handleRestart(c *gin.Context) {
	state, err := db.ListenerState(s.opts.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	switch {
	case state.RestartRequested:
		c.JSON(http.StatusConflict, gin.H{"error": "restart already pending"})
		return
	case state.Status == models.StatusInitializing, state.Status == models.StatusConnecting:
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("listener is %s", state.Status)})
		return
	}

	err = db.UpdateListenerState(s.opts.DB, map[string]interface{}{"restart_requested": true})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Printf("gateway: restart requested")
	c.JSON(http.StatusOK, gin.H{"status": "restart requested"})
}

func (s *Server) handleStatus(c *gin.Context) {
	state, err := db.ListenerState(s.opts.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"status":            state.Status,
		"last_error":        state.LastErrorMessage,
		"restart_requested": state.RestartRequested,
	}
	if state.LocalNodeID != nil {
		resp["local_node_id"] = *state.LocalNodeID
	}
	if state.LocalNodeNum != nil {
		resp["local_node_num"] = *state.LocalNodeNum
	}
	if state.LocalNodeName != nil {
		resp["local_node_name"] = *state.LocalNodeName
	}
	if state.ChannelMapJSON != "" {
		resp["channel_map"] = state.ChannelMapJSON
	}
	c.JSON(http.StatusOK, resp)
}
