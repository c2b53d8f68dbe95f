package nodestate

import (
	"encoding/json"
	"fmt"

	"github.com/metrastics/meshwatch/internal/models"
)

// ApplyPosition appends a position history row for id and updates the node's
// latest coordinates and raw position snapshot. Trees without usable
// coordinates only refresh the snapshot.
func (s *Store) ApplyPosition(id string, timestamp float64, pos map[string]interface{}) error {
	if _, err := s.Ensure(id); err != nil {
		return err
	}

	lat, latOK := degreesValue(pos, []string{"latitudeI", "latitude"})
	lon, lonOK := degreesValue(pos, []string{"longitudeI", "longitude"})

	if latOK && lonOK {
		row := models.Position{
			NodeID:    id,
			Timestamp: timestamp,
			Latitude:  lat,
			Longitude: lon,
		}
		if alt, ok := intValue(firstOf(pos, "altitude")); ok {
			a := int(alt)
			row.Altitude = &a
		}
		row.PrecisionBits = uint32Ptr(pos, "precisionBits")
		row.GroundSpeed = uint32Ptr(pos, "groundSpeed")
		row.GroundTrack = uint32Ptr(pos, "groundTrack")
		row.SatsInView = uint32Ptr(pos, "satsInView")
		row.PDOP = floatPtr(pos, "PDOP", "pdop")
		row.HDOP = floatPtr(pos, "HDOP", "hdop")
		row.VDOP = floatPtr(pos, "VDOP", "vdop")
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("nodestate: append position for %s: %w", id, err)
		}
	}

	fields := map[string]interface{}{
		"position_info": marshalSnapshot(pos),
		"position_time": timestamp,
	}
	if latOK && lonOK {
		fields["latitude"] = lat
		fields["longitude"] = lon
		if alt, ok := intValue(firstOf(pos, "altitude")); ok {
			fields["altitude"] = int(alt)
		}
	}
	err := s.db.Model(&models.Node{}).Where("node_id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("nodestate: update position for %s: %w", id, err)
	}
	return nil
}

// ApplyTelemetry appends a telemetry history row for id and updates the
// node's latest metrics. Device and environment metrics may arrive in the
// same tree or separately.
func (s *Store) ApplyTelemetry(id string, timestamp float64, tel map[string]interface{}) error {
	if _, err := s.Ensure(id); err != nil {
		return err
	}

	device, _ := firstOf(tel, "deviceMetrics", "powerMetrics").(map[string]interface{})
	env, _ := tel["environmentMetrics"].(map[string]interface{})
	if device == nil && env == nil {
		// Some firmware flattens the metrics into the telemetry tree itself.
		device = tel
	}

	row := models.Telemetry{NodeID: id, Timestamp: timestamp}
	fields := map[string]interface{}{"telemetry_time": timestamp}

	if device != nil {
		row.BatteryLevel = uint32Ptr(device, "batteryLevel")
		row.Voltage = floatPtr(device, "voltage")
		row.ChannelUtilization = floatPtr(device, "channelUtilization")
		row.AirUtilTx = floatPtr(device, "airUtilTx")
		row.UptimeSeconds = uint32Ptr(device, "uptimeSeconds")
		collect(fields, device, metricsSources)
		fields["device_metrics_info"] = marshalSnapshot(device)
	}
	if env != nil {
		row.Temperature = floatPtr(env, "temperature")
		row.RelativeHumidity = floatPtr(env, "relativeHumidity")
		row.BarometricPressure = floatPtr(env, "barometricPressure")
		row.GasResistance = floatPtr(env, "gasResistance")
		row.IAQ = floatPtr(env, "iaq")
		fields["environment_metrics_info"] = marshalSnapshot(env)
	}

	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("nodestate: append telemetry for %s: %w", id, err)
	}
	err := s.db.Model(&models.Node{}).Where("node_id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("nodestate: update telemetry for %s: %w", id, err)
	}
	return nil
}

// ApplyUserInfo merges a user info tree into the node row and refreshes the
// raw user snapshot.
func (s *Store) ApplyUserInfo(id string, user map[string]interface{}) error {
	if err := s.MergeInfo(id, map[string]interface{}{"user": user}); err != nil {
		return err
	}
	err := s.db.Model(&models.Node{}).Where("node_id = ?", id).
		Update("user_info", marshalSnapshot(user)).Error
	if err != nil {
		return fmt.Errorf("nodestate: update user info for %s: %w", id, err)
	}
	return nil
}

// MarkLocal flags id as the locally attached node and clears the flag on any
// node previously holding it.
func (s *Store) MarkLocal(id string) error {
	if _, err := s.Ensure(id); err != nil {
		return err
	}
	err := s.db.Model(&models.Node{}).Where("is_local = ? AND node_id <> ?", true, id).
		Update("is_local", false).Error
	if err != nil {
		return fmt.Errorf("nodestate: clear local flag: %w", err)
	}
	err = s.db.Model(&models.Node{}).Where("node_id = ?", id).
		Update("is_local", true).Error
	if err != nil {
		return fmt.Errorf("nodestate: mark %s local: %w", id, err)
	}
	return nil
}

// marshalSnapshot renders a canonical tree as JSON for a snapshot column.
// Canonical trees always marshal; the error path exists for safety only.
func marshalSnapshot(tree map[string]interface{}) string {
	b, err := json.Marshal(tree)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func uint32Ptr(tree map[string]interface{}, keys ...string) *uint32 {
	n, ok := intValue(firstOf(tree, keys...))
	if !ok || n < 0 {
		return nil
	}
	u := uint32(n)
	return &u
}

func floatPtr(tree map[string]interface{}, keys ...string) *float64 {
	f, ok := floatValue(firstOf(tree, keys...))
	if !ok {
		return nil
	}
	return &f
}
