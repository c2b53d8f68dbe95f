package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/metrastics/meshwatch/internal/models"
	"github.com/metrastics/meshwatch/internal/supervisor"
)

const placeholderEmpty = "N/A"

// render expands the placeholders a response template may carry, drawing on
// the sender's node record, the received message, the local node snapshot and
// the current time. Facts the node table does not know yet expand to "N/A"
// rather than leaking the raw markers onto the air.
func (e *Engine) render(template string, msg Incoming, snap supervisor.Snapshot, now time.Time) string {
	sender := e.lookupNode(msg.SenderID)
	if sender == nil {
		sender = &models.Node{NodeID: msg.SenderID}
	}

	pairs := []string{
		"<SENDER_ID>", msg.SenderID,
		"<SENDER_NUM>", uint32Text(sender.NodeNum),
		"<SENDER_NAME>", sender.DisplayName(),
		"<SENDER_LONG_NAME>", stringText(sender.LongName),
		"<SENDER_SHORT_NAME>", stringText(sender.ShortName),
		"<SENDER_HW_MODEL>", stringText(sender.HWModel),
		"<SENDER_ROLE>", stringText(sender.Role),
		"<SENDER_IS_LOCAL>", yesNo(sender.IsLocal),
		"<SENDER_LAST_HEARD>", epochText(sender.LastHeard),
		"<SENDER_SNR>", floatText(sender.SNR),
		"<SENDER_RSSI>", intText(sender.RSSI),
		"<SENDER_LATITUDE>", floatText(sender.Latitude),
		"<SENDER_LONGITUDE>", floatText(sender.Longitude),
		"<SENDER_ALTITUDE>", intText(sender.Altitude),
		"<SENDER_POSITION_TIME>", epochText(sender.PositionTime),
		"<SENDER_BATTERY_LEVEL>", batteryText(sender.BatteryLevel),
		"<SENDER_VOLTAGE>", voltageText(sender.Voltage),
		"<SENDER_UPTIME_SECONDS>", uint32Text(sender.UptimeSeconds),
		"<RECEIVED_MESSAGE_TEXT>", msg.Text,
		"<RECEIVED_MESSAGE_CHANNEL_INDEX>", intText(msg.ChannelIndex),
		"<RECEIVED_MESSAGE_TIMESTAMP>", timestampText(msg.Timestamp),
		"<LOCAL_NODE_ID>", snap.NodeID,
		"<LOCAL_NODE_NUM>", strconv.FormatUint(uint64(snap.NodeNum), 10),
		"<LOCAL_NODE_NAME>", snap.NodeName,
		"<CURRENT_TIME>", now.Format("15:04:05"),
		"<CURRENT_TIME_ISO>", now.UTC().Format(time.RFC3339),
		"<CURRENT_TIME_UTC_HHMMSS>", now.UTC().Format("15:04:05"),
		"<CURRENT_TIME_UTC>", now.UTC().Format("15:04:05 MST"),
		"<CURRENT_DATE>", now.Format("2006-01-02"),
		"<LOCATION>", location(sender),
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func (e *Engine) lookupNode(nodeID string) *models.Node {
	var node models.Node
	if err := e.opts.DB.First(&node, "node_id = ?", nodeID).Error; err != nil {
		return nil
	}
	return &node
}

func stringText(s *string) string {
	if s == nil || *s == "" {
		return placeholderEmpty
	}
	return *s
}

func floatText(f *float64) string {
	if f == nil {
		return placeholderEmpty
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func intText(i *int) string {
	if i == nil {
		return placeholderEmpty
	}
	return strconv.Itoa(*i)
}

func uint32Text(u *uint32) string {
	if u == nil {
		return placeholderEmpty
	}
	return strconv.FormatUint(uint64(*u), 10)
}

// epochText formats a stored epoch timestamp for humans, in local time.
func epochText(ts *float64) string {
	if ts == nil || *ts == 0 {
		return placeholderEmpty
	}
	return time.Unix(int64(*ts), 0).Format("02.01.2006 15:04:05")
}

func timestampText(ts float64) string {
	if ts == 0 {
		return placeholderEmpty
	}
	return strconv.FormatInt(int64(ts), 10)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// batteryText hides the device's 255 "unknown" sentinel.
func batteryText(level *uint32) string {
	if level == nil || *level == 255 {
		return placeholderEmpty
	}
	return fmt.Sprintf("%d%%", *level)
}

func voltageText(v *float64) string {
	if v == nil {
		return placeholderEmpty
	}
	return fmt.Sprintf("%.2fV", *v)
}

func location(node *models.Node) string {
	if node.Latitude == nil || node.Longitude == nil {
		return "position unknown"
	}
	loc := fmt.Sprintf("Lat: %.4f, Lon: %.4f", *node.Latitude, *node.Longitude)
	if node.Altitude != nil {
		loc += fmt.Sprintf(", Alt: %dm", *node.Altitude)
	}
	return loc
}
