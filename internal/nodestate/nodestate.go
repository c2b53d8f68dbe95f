// Package nodestate maintains the node roster: one row per node keyed by its
// canonical "!%08x" identifier, updated in place from packets and node info
// broadcasts. Updates are partial by design; a packet that carries only radio
// metrics must never blank out a node's name or position.
package nodestate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/models"
)

// BroadcastID is the destination identifier for mesh-wide packets.
const BroadcastID = "^all"

// broadcastNum is the numeric form of the broadcast destination.
const broadcastNum = 0xFFFFFFFF

// IDFromNum renders a node number in canonical "!%08x" form. The broadcast
// number maps to BroadcastID.
func IDFromNum(num uint32) string {
	if num == broadcastNum {
		return BroadcastID
	}
	return fmt.Sprintf("!%08x", num)
}

// NumFromID parses a canonical node identifier back into its node number.
func NumFromID(id string) (uint32, error) {
	if id == BroadcastID {
		return broadcastNum, nil
	}
	hexPart := strings.TrimPrefix(id, "!")
	if hexPart == id {
		return 0, fmt.Errorf("nodestate: node id %q missing '!' prefix", id)
	}
	num, err := strconv.ParseUint(hexPart, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("nodestate: parse node id %q: %w", id, err)
	}
	return uint32(num), nil
}

// Store persists node records and their position/telemetry history.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a view of the store bound to tx so node writes join an
// enclosing transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Ensure creates a bare node row for id if none exists, returning the row.
func (s *Store) Ensure(id string) (*models.Node, error) {
	node := models.Node{NodeID: id}
	if num, err := NumFromID(id); err == nil && id != BroadcastID {
		node.NodeNum = &num
	}
	err := s.db.Where(models.Node{NodeID: id}).
		Attrs(node).
		FirstOrCreate(&node).Error
	if err != nil {
		return nil, fmt.Errorf("nodestate: ensure node %s: %w", id, err)
	}
	return &node, nil
}

// Sighting records that a node was heard at the given time, updating its
// last-heard timestamp and any radio metrics present in the packet.
func (s *Store) Sighting(id string, heard time.Time, pkt map[string]interface{}) error {
	if _, err := s.Ensure(id); err != nil {
		return err
	}
	fields := map[string]interface{}{"last_heard": float64(heard.Unix())}
	if snr, ok := floatValue(firstOf(pkt, "rxSnr")); ok {
		fields["snr"] = snr
	}
	if rssi, ok := intValue(firstOf(pkt, "hopRssi", "rxRssi", "rssi")); ok {
		fields["rssi"] = rssi
	}
	err := s.db.Model(&models.Node{}).Where("node_id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("nodestate: record sighting for %s: %w", id, err)
	}
	return nil
}

// fieldSource maps a node column to the ordered list of keys that may carry
// its value in a node info tree. Earlier keys win; later keys are fallbacks
// for older firmware layouts.
type fieldSource struct {
	column string
	keys   []string
	kind   valueKind
}

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindFloat
	kindScaledDegrees
)

var userSources = []fieldSource{
	{"long_name", []string{"longName", "long_name"}, kindString},
	{"short_name", []string{"shortName", "short_name"}, kindString},
	{"macaddr", []string{"macaddr"}, kindString},
	{"hw_model", []string{"hwModel", "hwModelStr", "hwVersion", "pioEnv"}, kindString},
	{"role", []string{"role"}, kindString},
}

var topLevelSources = []fieldSource{
	{"firmware_version", []string{"firmwareVersion"}, kindString},
	{"last_heard", []string{"lastHeard"}, kindFloat},
	{"snr", []string{"snr"}, kindFloat},
	{"rssi", []string{"hopRssi", "rssi"}, kindInt},
}

var positionSources = []fieldSource{
	{"latitude", []string{"latitudeI", "latitude"}, kindScaledDegrees},
	{"longitude", []string{"longitudeI", "longitude"}, kindScaledDegrees},
	{"altitude", []string{"altitude"}, kindInt},
}

var metricsSources = []fieldSource{
	{"battery_level", []string{"batteryLevel"}, kindInt},
	{"voltage", []string{"voltage"}, kindFloat},
	{"channel_utilization", []string{"channelUtilization"}, kindFloat},
	{"air_util_tx", []string{"airUtilTx"}, kindFloat},
	{"uptime_seconds", []string{"uptimeSeconds"}, kindInt},
}

// MergeInfo folds a node info tree into the node row identified by id. Only
// fields present in the tree are written. The tree may carry facts at the top
// level, under "user", under "position", or under device/power metrics.
func (s *Store) MergeInfo(id string, info map[string]interface{}) error {
	if _, err := s.Ensure(id); err != nil {
		return err
	}

	fields := map[string]interface{}{}
	collect(fields, info, topLevelSources)

	user := info
	if nested, ok := info["user"].(map[string]interface{}); ok {
		user = nested
	}
	collect(fields, user, userSources)

	if pos, ok := info["position"].(map[string]interface{}); ok {
		collect(fields, pos, positionSources)
		if t, ok := floatValue(firstOf(pos, "time")); ok {
			fields["position_time"] = t
		}
	}

	metrics, ok := info["deviceMetrics"].(map[string]interface{})
	if !ok {
		metrics, _ = info["powerMetrics"].(map[string]interface{})
	}
	if metrics != nil {
		collect(fields, metrics, metricsSources)
	}

	if len(fields) == 0 {
		return nil
	}
	err := s.db.Model(&models.Node{}).Where("node_id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("nodestate: merge info for %s: %w", id, err)
	}
	return nil
}

func collect(fields map[string]interface{}, tree map[string]interface{}, sources []fieldSource) {
	for _, src := range sources {
		raw := firstOf(tree, src.keys...)
		if raw == nil {
			continue
		}
		switch src.kind {
		case kindString:
			if s, ok := raw.(string); ok && s != "" {
				fields[src.column] = s
			}
		case kindInt:
			if n, ok := intValue(raw); ok {
				fields[src.column] = n
			}
		case kindFloat:
			if f, ok := floatValue(raw); ok {
				fields[src.column] = f
			}
		case kindScaledDegrees:
			if f, ok := degreesValue(tree, src.keys); ok {
				fields[src.column] = f
			}
		}
	}
}

// degreesValue resolves a coordinate that may be stored as a scaled integer
// (key ending in "I", units of 1e-7 degrees) or as plain degrees.
func degreesValue(tree map[string]interface{}, keys []string) (float64, bool) {
	for _, key := range keys {
		raw, ok := tree[key]
		if !ok || raw == nil {
			continue
		}
		f, ok := floatValue(raw)
		if !ok {
			continue
		}
		if strings.HasSuffix(key, "I") {
			return f / 1e7, true
		}
		return f, true
	}
	return 0, false
}

// firstOf returns the first non-nil value among keys in tree.
func firstOf(tree map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := tree[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
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
