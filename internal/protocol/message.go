package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errInvalid = errors.New("invalid protocol frame")

// IsInvalid reports whether an error came from frame or message validation,
// as opposed to an io failure on the connection.
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalid)
}

// MessageKind identifies an inbound device message.
type MessageKind string

const (
	KindRegister    MessageKind = "REG"  // REG|<deviceID>|<name>
	KindCompletion  MessageKind = "DONE" // DONE|<deviceID>|<itemID>
	KindHeartbeat   MessageKind = "HB"   // HB|<deviceID>
	KindBufferCount MessageKind = "BUF"  // BUF|<deviceID>|<count>
	KindError       MessageKind = "ERR"  // ERR|<deviceID>|<message>
)

// DeviceMessage is one parsed inbound payload. Field usage depends on Kind:
// ItemID for completions, BufferCount for buffer reports, Text for device
// names and error messages.
type DeviceMessage struct {
	Kind        MessageKind
	DeviceID    string
	ItemID      string
	BufferCount int
	Text        string
}

// ParseDeviceMessage parses a decoded response payload of the form
// KIND|deviceID[|field]. Unknown kinds and short payloads are rejected with
// an error satisfying IsInvalid, so the transport can drop them quietly.
func ParseDeviceMessage(payload []byte) (*DeviceMessage, error) {
	parts := strings.SplitN(string(payload), "|", 3)
	if len(parts) < 2 || parts[1] == "" {
		return nil, fmt.Errorf("payload %q: %w", payload, errInvalid)
	}

	msg := &DeviceMessage{Kind: MessageKind(parts[0]), DeviceID: parts[1]}
	field := ""
	if len(parts) == 3 {
		field = parts[2]
	}

	switch msg.Kind {
	case KindHeartbeat:
		// No extra field.
	case KindRegister:
		msg.Text = field
	case KindCompletion:
		if field == "" {
			return nil, fmt.Errorf("completion without item id: %w", errInvalid)
		}
		msg.ItemID = field
	case KindBufferCount:
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad buffer count %q: %w", field, errInvalid)
		}
		msg.BufferCount = n
	case KindError:
		msg.Text = field
	default:
		return nil, fmt.Errorf("unknown message kind %q: %w", parts[0], errInvalid)
	}
	return msg, nil
}

// CommandPayload builds the outbound payload for one data item:
// PRT|<itemID>|<content>.
func CommandPayload(itemID, content string) []byte {
	return []byte("PRT|" + itemID + "|" + content)
}
