// Package gateway implements the Session Gateway of spec.md §4.5: a
// long-lived bidirectional framed channel over gorilla/websocket,
// streaming pending envelopes to a connected client with
// acknowledgement-driven deletion.
package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// FrameTag is the 1-byte sum-type discriminant of the wire frame
// described in spec.md §6 ("ClientToServer = Envelope | Ack | Ping |
// Control; ServerToClient = Delivery | AckReceipt | Pong | Control |
// Close"), mirroring the teacher's compact pkg/message encoding with a
// binary header in place of dot-separated base64 segments.
type FrameTag byte

const (
	TagEnvelope FrameTag = 0x01
	TagAck      FrameTag = 0x02
	TagPing     FrameTag = 0x03
	TagControl  FrameTag = 0x04

	TagDelivery      FrameTag = 0x81
	TagAckReceipt    FrameTag = 0x82
	TagPong          FrameTag = 0x83
	TagServerControl FrameTag = 0x84
	TagClose         FrameTag = 0x85
)

const frameHeaderLen = 5

// maxFramePayload is a hard ceiling independent of the configured
// envelope payload cap, protecting the decoder itself from a malicious
// or corrupt length field.
const maxFramePayload = 1 << 22

// Frame is a decoded wire frame: tag plus its raw JSON payload.
type Frame struct {
	Tag     FrameTag
	Payload []byte
}

// EnvelopeFrameBody is the payload of a client Envelope frame. Sender
// is implicit (the session's authenticated user-id); recipient is
// named explicitly since that is the whole point of sending it.
type EnvelopeFrameBody struct {
	RecipientID  string `json:"recipient_id"`
	SubmissionID string `json:"submission_id"`
	TypeTag      string `json:"type_tag"`
	Ciphertext   []byte `json:"ciphertext"`
}

// AckFrameBody is the payload of a client Ack frame.
type AckFrameBody struct {
	EnvelopeID string `json:"envelope_id"`
}

// ControlFrameBody carries a typed notice in either direction
// (server->client: "low_prekeys" and "error"; client->server Control
// frames are accepted and ignored).
type ControlFrameBody struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// DeliveryFrameBody is the payload of a server Delivery frame.
type DeliveryFrameBody struct {
	EnvelopeID string `json:"envelope_id"`
	SenderID   string `json:"sender_id"`
	TypeTag    string `json:"type_tag"`
	Ciphertext []byte `json:"ciphertext"`
}

// AckReceiptFrameBody is the payload of a server AckReceipt frame.
type AckReceiptFrameBody struct {
	EnvelopeID string `json:"envelope_id"`
}

// CloseFrameBody is the payload of a server Close frame.
type CloseFrameBody struct {
	Reason string `json:"reason"`
}

// Encode writes tag and the JSON-marshalled body into the
// length-delimited wire format: [1-byte tag][4-byte big-endian
// length][payload].
func Encode(tag FrameTag, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding frame %#x: %w", tag, err)
		}
	}

	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = byte(tag)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	return buf, nil
}

// Decode parses a single frame from a complete websocket message.
// gorilla/websocket already delivers one full message per ReadMessage
// call, so Decode validates the header against the message's actual
// length rather than reading further from a stream.
func Decode(data []byte) (Frame, error) {
	if len(data) < frameHeaderLen {
		return Frame{}, fmt.Errorf("frame shorter than %d-byte header", frameHeaderLen)
	}

	tag := FrameTag(data[0])
	length := binary.BigEndian.Uint32(data[1:5])
	if length > maxFramePayload {
		return Frame{}, fmt.Errorf("frame payload length %d exceeds maximum", length)
	}
	if int(length) != len(data)-frameHeaderLen {
		return Frame{}, fmt.Errorf("declared frame length %d does not match message size", length)
	}

	return Frame{Tag: tag, Payload: data[frameHeaderLen:]}, nil
}
