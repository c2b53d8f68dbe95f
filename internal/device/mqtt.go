package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/metrastics/meshwatch/internal/config"
)

// Bridge topic layout, relative to the configured root topic.
const (
	topicPacket = "/rx/packet"
	topicNode   = "/rx/node"
	topicSelf   = "/self"
	topicSend   = "/tx/send"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTDialer opens sessions against a radio's MQTT bridge.
type MQTTDialer struct {
	cfg config.DeviceConfig
}

func NewMQTTDialer(cfg config.DeviceConfig) *MQTTDialer {
	return &MQTTDialer{cfg: cfg}
}

// selfAnnouncement is the retained identity message the bridge publishes on
// the self topic once the radio has settled.
type selfAnnouncement struct {
	LocalNodeInfo
	Channels []ChannelInfo `json:"channels"`
}

type sendRequest struct {
	To           string `json:"to"`
	Text         string `json:"text"`
	WantAck      bool   `json:"wantAck"`
	ChannelIndex int    `json:"channelIndex"`
}

type mqttSession struct {
	client mqtt.Client
	root   string
	events Events

	mu        sync.Mutex
	announced bool
	local     LocalNodeInfo
	channels  []ChannelInfo
	closed    bool
}

// Dial connects to the broker and subscribes to the bridge topics. The
// session is returned as soon as the transport is up; the identity
// announcement arrives asynchronously and triggers OnConnected.
func (d *MQTTDialer) Dial(ctx context.Context, events Events) (Session, error) {
	s := &mqttSession{
		root:   d.cfg.RootTopic,
		events: events,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", d.cfg.Host, d.cfg.Port)).
		SetClientID(d.cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if s.events.OnConnectionLost != nil {
				s.events.OnConnectionLost(err)
			}
		})
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}

	s.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return nil, fmt.Errorf("device: connect %s:%d: %w", d.cfg.Host, d.cfg.Port, err)
	}

	subs := map[string]mqtt.MessageHandler{
		s.root + topicPacket: s.handlePacket,
		s.root + topicNode:   s.handleNode,
		s.root + topicSelf:   s.handleSelf,
	}
	for topic, handler := range subs {
		if err := waitToken(ctx, s.client.Subscribe(topic, 1, handler)); err != nil {
			s.client.Disconnect(0)
			return nil, fmt.Errorf("device: subscribe %s: %w", topic, err)
		}
	}

	return s, nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mqttSession) handlePacket(_ mqtt.Client, msg mqtt.Message) {
	var pkt map[string]interface{}
	if err := json.Unmarshal(msg.Payload(), &pkt); err != nil {
		log.Printf("device: drop malformed packet event: %v", err)
		return
	}
	if s.events.OnPacket != nil {
		s.events.OnPacket(pkt)
	}
}

func (s *mqttSession) handleNode(_ mqtt.Client, msg mqtt.Message) {
	var info map[string]interface{}
	if err := json.Unmarshal(msg.Payload(), &info); err != nil {
		log.Printf("device: drop malformed node event: %v", err)
		return
	}
	nodeID, _ := info["nodeId"].(string)
	if nodeID == "" {
		nodeID, _ = info["id"].(string)
	}
	if nodeID == "" {
		log.Printf("device: drop node event without id")
		return
	}
	if s.events.OnNodeUpdated != nil {
		s.events.OnNodeUpdated(nodeID, info)
	}
}

func (s *mqttSession) handleSelf(_ mqtt.Client, msg mqtt.Message) {
	var ann selfAnnouncement
	if err := json.Unmarshal(msg.Payload(), &ann); err != nil {
		log.Printf("device: drop malformed self announcement: %v", err)
		return
	}
	if ann.NodeID == "" {
		log.Printf("device: drop self announcement without node id")
		return
	}

	s.mu.Lock()
	first := !s.announced
	s.announced = true
	s.local = ann.LocalNodeInfo
	s.channels = ann.Channels
	s.mu.Unlock()

	if first && s.events.OnConnected != nil {
		s.events.OnConnected(ann.LocalNodeInfo, ann.Channels)
	}
}

func (s *mqttSession) SendText(text, destinationID string, wantAck bool, channelIndex *int) error {
	index := 0
	if channelIndex != nil {
		index = *channelIndex
	}
	payload, err := json.Marshal(sendRequest{
		To:           destinationID,
		Text:         text,
		WantAck:      wantAck,
		ChannelIndex: index,
	})
	if err != nil {
		return fmt.Errorf("device: encode send: %w", err)
	}

	token := s.client.Publish(s.root+topicSend, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("device: send publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("device: send publish: %w", err)
	}
	return nil
}

func (s *mqttSession) LocalNodeInfo() (LocalNodeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.announced {
		return LocalNodeInfo{}, errors.New("device: radio has not announced itself")
	}
	return s.local, nil
}

func (s *mqttSession) Channels() ([]ChannelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.announced {
		return nil, errors.New("device: radio has not announced itself")
	}
	out := make([]ChannelInfo, len(s.channels))
	copy(out, s.channels)
	return out, nil
}

func (s *mqttSession) Healthy() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && s.client.IsConnectionOpen()
}

func (s *mqttSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Disconnect(250)
	return nil
}
