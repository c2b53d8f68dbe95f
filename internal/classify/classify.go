// Package classify assigns an application-level type to a canonical packet
// tree and extracts the type-specific payload. Firmware versions disagree on
// where facts are nested, so the decision policy is ordered and liberal: it
// must never fail on a well- or ill-formed packet.
package classify

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/metrastics/meshwatch/internal/canon"
)

// Application port symbols carried in decoded payloads.
const (
	PortTextMessage = "TEXT_MESSAGE_APP"
	PortPosition    = "POSITION_APP"
	PortNodeInfo    = "NODEINFO_APP"
	PortTelemetry   = "TELEMETRY_APP"
	PortRouting     = "ROUTING_APP"
)

// Application-level packet types.
const (
	TypeMessage   = "Message"
	TypePosition  = "Position"
	TypeUserInfo  = "User Info"
	TypeTelemetry = "Telemetry"
	TypeRouting   = "Routing"
	TypeEncrypted = "Encrypted"
	TypeBinary    = "Binary Data"
	TypeOther     = "Other"
	TypeUnknown   = "Unknown"
)

// base64Tag marks canonicalized byte payloads that were not valid UTF-8.
const base64Tag = "base64:"

// Packet classifies a canonical packet tree and returns its application type
// plus the extracted type-specific payload. When a bare printable payload is
// promoted to a text message, the tree is annotated in place with a synthetic
// decoded section so downstream logic treats it as a text application packet.
func Packet(pkt map[string]interface{}) (string, interface{}) {
	decoded, ok := pkt["decoded"].(map[string]interface{})
	if !ok {
		if enc, present := pkt["encrypted"]; present {
			return TypeEncrypted, enc
		}
		if text, ok := printableText(pkt["payload"]); ok {
			pkt["decoded"] = map[string]interface{}{
				"portnum": PortTextMessage,
				"payload": text,
			}
			return TypeMessage, text
		}
		return TypeUnknown, nil
	}

	switch portName(decoded["portnum"]) {
	case PortTextMessage:
		return TypeMessage, textPayload(decoded["payload"])
	case PortPosition:
		if pos, ok := decoded["position"]; ok {
			return TypePosition, pos
		}
	case PortNodeInfo:
		if user, ok := decoded["user"]; ok {
			return TypeUserInfo, user
		}
	case PortTelemetry:
		if tel, ok := decoded["telemetry"]; ok {
			return TypeTelemetry, tel
		}
	case PortRouting:
		// Payload may be absent: an ack-only routing packet.
		return TypeRouting, decoded["routing"]
	}

	// Some firmware embeds the substructure under an unrecognized port.
	if pos, ok := decoded["position"]; ok {
		return TypePosition, pos
	}
	if tel, ok := decoded["telemetry"]; ok {
		return TypeTelemetry, tel
	}
	if user, ok := decoded["user"]; ok {
		return TypeUserInfo, user
	}

	switch payload := decoded["payload"].(type) {
	case string:
		if strings.HasPrefix(payload, base64Tag) {
			return classifyOpaque(payload)
		}
		return TypeMessage, payload
	case []byte:
		if utf8.Valid(payload) && printableRatio(string(payload)) > 0.8 {
			return TypeMessage, string(payload)
		}
		return TypeBinary, canon.Bytes(payload)
	}

	return TypeOther, decoded
}

// classifyOpaque decides whether a base64-tagged payload is mostly printable
// text that merely failed strict UTF-8 decoding, or true binary data.
func classifyOpaque(tagged string) (string, interface{}) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(tagged, base64Tag))
	if err != nil {
		return TypeBinary, tagged
	}
	if utf8.Valid(raw) && printableRatio(string(raw)) > 0.8 {
		return TypeMessage, string(raw)
	}
	return TypeBinary, tagged
}

// printableText reports whether payload is a non-empty string (or valid UTF-8
// byte slice) consisting entirely of printable ASCII and whitespace.
func printableText(payload interface{}) (string, bool) {
	var text string
	switch p := payload.(type) {
	case string:
		if strings.HasPrefix(p, base64Tag) {
			return "", false
		}
		text = p
	case []byte:
		if !utf8.Valid(p) {
			return "", false
		}
		text = string(p)
	default:
		return "", false
	}
	if len(text) == 0 {
		return "", false
	}
	for _, c := range text {
		if !printableChar(c) {
			return "", false
		}
	}
	return text, true
}

func printableChar(c rune) bool {
	return (c >= 32 && c <= 126) || c == '\r' || c == '\n' || c == '\t' || c == ' '
}

// printableRatio returns the fraction of printable characters in s.
func printableRatio(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var printable, total int
	for _, c := range s {
		total++
		if printableChar(c) {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

// textPayload renders a decoded text payload as a string, tolerating byte
// slices that escaped canonicalization.
func textPayload(payload interface{}) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return p
	case []byte:
		return canon.Bytes(p)
	default:
		return portName(p)
	}
}

// portName renders a portnum value, which may be a symbol string or a raw
// numeric value from older firmware.
func portName(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return "UNKNOWN"
	}
	if named, ok := v.(interface{ Name() string }); ok {
		return named.Name()
	}
	if s, ok := canon.Canonicalize(v).(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
