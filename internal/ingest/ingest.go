// Package ingest turns raw device events into database rows. Each packet is
// canonicalized, classified, and persisted in a single transaction together
// with its type-specific row and the sender's sighting; text messages then
// flow into the rule engine.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/canon"
	"github.com/metrastics/meshwatch/internal/classify"
	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/models"
	"github.com/metrastics/meshwatch/internal/nodestate"
	"github.com/metrastics/meshwatch/internal/rules"
	"github.com/metrastics/meshwatch/internal/supervisor"
)

const portTraceroute = "TRACEROUTE_APP"

// routing error markers that mean "no error".
var benignErrorReasons = map[string]bool{
	"":         true,
	"NONE":     true,
	"NO_ERROR": true,
}

// Options wires the pipeline. Rules may be nil to disable auto-replies.
type Options struct {
	DB         *gorm.DB
	Nodes      *nodestate.Store
	Snapshot   func() supervisor.Snapshot
	Rules      *rules.Engine
	Traceroute config.TracerouteConfig
	Clock      func() time.Time
}

type Pipeline struct {
	opts Options
}

func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pipeline{opts: opts}
}

// OnPacket ingests one raw packet event. It never panics: a malformed packet
// is logged and dropped, the listener keeps running.
func (p *Pipeline) OnPacket(raw map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ingest: panic while processing packet: %v", r)
		}
	}()

	tree, ok := canon.Canonicalize(raw).(map[string]interface{})
	if !ok {
		log.Printf("ingest: packet did not canonicalize to a map, dropped")
		return
	}

	if err := p.process(tree); err != nil {
		log.Printf("ingest: %v", err)
	}
}

func (p *Pipeline) process(tree map[string]interface{}) error {
	packetType, payload := classify.Packet(tree)

	now := p.opts.Clock()
	timestamp := float64(now.Unix())
	var rxTime *int64
	if rx, ok := intValue(tree["rxTime"]); ok {
		rxTime = &rx
		timestamp = float64(rx)
	}

	packetID, _ := intValue(tree["id"])
	eventID := fmt.Sprintf("pkt_%d_%d", packetID, int64(timestamp))

	fromID := resolveNodeID(tree, "fromId", "from")
	toID := resolveNodeID(tree, "toId", "to")

	decoded, _ := tree["decoded"].(map[string]interface{})
	portNum := ""
	if decoded != nil {
		portNum, _ = decoded["portnum"].(string)
	}

	packet := models.Packet{
		EventID:       eventID,
		Timestamp:     timestamp,
		RxTime:        rxTime,
		FromNodeIDStr: fromID,
		ToNodeIDStr:   toID,
		PortNum:       portNum,
		PacketType:    packetType,
		WantAck:       boolValue(tree["wantAck"]),
		RawJSON:       marshalTree(tree),
	}
	if decoded != nil {
		packet.DecodedJSON = marshalTree(decoded)
	}
	// The packet's channel field is the radio-internal identifier; the
	// stored index is always resolved through the snapshot's channel map.
	var internalChannelID string
	if ch, ok := tree["channel"]; ok && ch != nil {
		internalChannelID = channelIdentifier(ch)
		mapped := p.opts.Snapshot().ChannelIndex(internalChannelID)
		packet.Channel = &mapped
	}
	if snr, ok := floatValue(tree["rxSnr"]); ok {
		packet.RxSNR = &snr
	}
	if rssi, ok := intValue(firstOf(tree, "hopRssi", "rxRssi")); ok {
		r := int(rssi)
		packet.RxRSSI = &r
	}
	if hops, ok := intValue(tree["hopLimit"]); ok {
		h := int(hops)
		packet.HopLimit = &h
	}

	var stored models.Packet
	var created bool
	err := p.opts.DB.Transaction(func(tx *gorm.DB) error {
		nodes := p.opts.Nodes.WithTx(tx)

		if fromID != "" {
			if _, err := nodes.Ensure(fromID); err != nil {
				return err
			}
			packet.FromNodeID = &fromID
		}
		if toID != "" {
			if _, err := nodes.Ensure(toID); err != nil {
				return err
			}
			packet.ToNodeID = &toID
		}

		stored = packet
		result := tx.Where("event_id = ?", eventID).FirstOrCreate(&stored)
		if result.Error != nil {
			return fmt.Errorf("persist packet %s: %w", eventID, result.Error)
		}
		created = result.RowsAffected > 0
		if !created {
			// Duplicate delivery of the same event; everything below
			// already happened.
			return nil
		}

		if err := p.persistTyped(tx, nodes, &stored, packetType, payload, tree, internalChannelID); err != nil {
			return err
		}

		if fromID != "" && fromID != nodestate.BroadcastID {
			heard := time.Unix(int64(timestamp), 0)
			if err := nodes.Sighting(fromID, heard, tree); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("ingest: %s packet %s from %s", packetType, eventID, fromID)

	if created && packetType == classify.TypeMessage && p.opts.Rules != nil {
		text, _ := payload.(string)
		p.opts.Rules.HandleMessage(context.Background(), rules.Incoming{
			SenderID:     fromID,
			Text:         text,
			ChannelIndex: packet.Channel,
			Timestamp:    timestamp,
		})
	}
	return nil
}

// persistTyped writes the type-specific row for a freshly created packet.
func (p *Pipeline) persistTyped(tx *gorm.DB, nodes *nodestate.Store, packet *models.Packet, packetType string, payload interface{}, tree map[string]interface{}, internalChannelID string) error {
	fromID := packet.FromNodeIDStr

	switch packetType {
	case classify.TypeMessage:
		text, _ := payload.(string)
		msg := models.Message{
			PacketID:      packet.ID,
			FromNodeID:    packet.FromNodeID,
			ToNodeID:      packet.ToNodeID,
			FromNodeIDStr: packet.FromNodeIDStr,
			ToNodeIDStr:   packet.ToNodeIDStr,
			Channel:       internalChannelID,
			Text:          text,
			Timestamp:     packet.Timestamp,
			RxSNR:         packet.RxSNR,
			RxRSSI:        packet.RxRSSI,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("persist message for %s: %w", packet.EventID, err)
		}

	case classify.TypeRouting:
		if routing, ok := payload.(map[string]interface{}); ok {
			return p.persistTraceroute(tx, nodes, packet, routing)
		}

	case classify.TypePosition:
		if pos, ok := payload.(map[string]interface{}); ok && fromID != "" {
			return nodes.ApplyPosition(fromID, packet.Timestamp, pos)
		}

	case classify.TypeTelemetry:
		if tel, ok := payload.(map[string]interface{}); ok && fromID != "" {
			return nodes.ApplyTelemetry(fromID, packet.Timestamp, tel)
		}

	case classify.TypeUserInfo:
		if user, ok := payload.(map[string]interface{}); ok && fromID != "" {
			return nodes.ApplyUserInfo(fromID, user)
		}
	}

	if packet.PortNum == portTraceroute {
		if decoded, ok := tree["decoded"].(map[string]interface{}); ok {
			return p.persistTraceroute(tx, nodes, packet, decoded)
		}
	}
	return nil
}

// persistTraceroute records a discovered route. The requester is the packet's
// destination (it asked for the trace), the responder its source. Firmware
// versions nest the route list in several places; replies carrying a
// significant routing error are dropped unless error persistence is enabled.
func (p *Pipeline) persistTraceroute(tx *gorm.DB, nodes *nodestate.Store, packet *models.Packet, source map[string]interface{}) error {
	errorSource, routeSource := source, source
	if discovery, ok := firstOf(source, "traceroute", "routeDiscovery").(map[string]interface{}); ok {
		errorSource, routeSource = discovery, discovery
	} else if raw, ok := source["raw"].(map[string]interface{}); ok {
		if reply, ok := firstOf(raw, "route_reply", "route_request").(map[string]interface{}); ok {
			routeSource = reply
		}
	}

	errorReason := routingErrorReason(errorSource)
	significant := !benignErrorReasons[errorReason]
	if significant && !p.opts.Traceroute.PersistErrors {
		log.Printf("ingest: traceroute %s dropped (error %s)", packet.EventID, errorReason)
		return nil
	}

	route := routeNumbers(routeSource["route"])
	if len(route) == 0 && !significant {
		return nil
	}
	routeJSON, err := json.Marshal(route)
	if err != nil {
		routeJSON = []byte("[]")
	}

	trace := models.Traceroute{
		PacketID:           &packet.ID,
		PacketEventID:      packet.EventID,
		RequesterNodeIDStr: packet.ToNodeIDStr,
		ResponderNodeIDStr: packet.FromNodeIDStr,
		RouteJSON:          string(routeJSON),
		ErrorReason:        errorReason,
		Timestamp:          packet.Timestamp,
	}
	trace.RequesterNodeID = packet.ToNodeID
	trace.ResponderNodeID = packet.FromNodeID

	if err := tx.Create(&trace).Error; err != nil {
		return fmt.Errorf("persist traceroute for %s: %w", packet.EventID, err)
	}

	// Every node on the route was heard indirectly; make sure it exists.
	for _, num := range route {
		if _, err := nodes.Ensure(nodestate.IDFromNum(num)); err != nil {
			return err
		}
	}
	return nil
}

// routingErrorReason normalizes the error marker a routing payload may carry
// under either its camelCase or raw snake_case key.
func routingErrorReason(source map[string]interface{}) string {
	if reason, ok := source["errorReason"].(string); ok {
		return strings.ToUpper(reason)
	}
	raw, ok := source["error_reason"]
	if !ok {
		return ""
	}
	if reason, ok := raw.(string); ok {
		return strings.ToUpper(reason)
	}
	if num, ok := intValue(raw); ok {
		if num == 0 {
			return "NONE"
		}
		return strconv.FormatInt(num, 10)
	}
	return ""
}

func routeNumbers(v interface{}) []uint32 {
	// Some firmware serializes the route list as a JSON string.
	if s, ok := v.(string); ok {
		var parsed []interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil
		}
		v = parsed
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	route := make([]uint32, 0, len(list))
	for _, item := range list {
		if num, ok := intValue(item); ok && num >= 0 {
			route = append(route, uint32(num))
		}
	}
	return route
}

// channelIdentifier renders the packet's channel field, which may arrive as a
// string id or a bare number, as a channel-map key.
func channelIdentifier(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if num, ok := intValue(v); ok {
		return strconv.FormatInt(num, 10)
	}
	return fmt.Sprint(v)
}

// OnNodeUpdated folds a node info broadcast into the roster.
func (p *Pipeline) OnNodeUpdated(nodeID string, info map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ingest: panic while processing node update: %v", r)
		}
	}()

	tree, ok := canon.Canonicalize(info).(map[string]interface{})
	if !ok {
		return
	}
	if err := p.opts.Nodes.MergeInfo(nodeID, tree); err != nil {
		log.Printf("ingest: node update for %s: %v", nodeID, err)
	}
}

// resolveNodeID prefers the string id field, deriving one from the numeric
// field when absent.
func resolveNodeID(tree map[string]interface{}, strKey, numKey string) string {
	if id, ok := tree[strKey].(string); ok && id != "" {
		return id
	}
	if num, ok := intValue(tree[numKey]); ok {
		return nodestate.IDFromNum(uint32(num))
	}
	return ""
}

func marshalTree(tree map[string]interface{}) string {
	b, err := json.Marshal(tree)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func firstOf(tree map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := tree[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func boolValue(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func intValue(v interface{}) (int64, bool) {
	f, ok := floatValue(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
