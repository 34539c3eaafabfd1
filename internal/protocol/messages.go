package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is a single control-channel frame exchanged with the renderer.
type Message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SpriteParams identifies the sprite a playSprite or spriteEnd frame refers to.
type SpriteParams struct {
	SpriteID string `json:"spriteId"`
}

const (
	MethodPlaySprite = "playSprite"
	MethodSpriteEnd  = "spriteEnd"
)

// Subjects used when the control channel runs over NATS instead of a websocket.
// Play requests carry a reply inbox and ends go there; SubjectSpriteEnd only
// receives ends for requests published without one.
const (
	SubjectSpritePlay = "renderer.sprite.play"
	SubjectSpriteEnd  = "renderer.sprite.end"
)

var errMissingSpriteID = errors.New("sprite id missing")

func NewPlaySprite(spriteID string) Message {
	return newSpriteMessage(MethodPlaySprite, spriteID)
}

func NewSpriteEnd(spriteID string) Message {
	return newSpriteMessage(MethodSpriteEnd, spriteID)
}

func newSpriteMessage(method, spriteID string) Message {
	// SpriteParams always marshals.
	params, _ := json.Marshal(SpriteParams{SpriteID: spriteID})
	return Message{Method: method, Params: params}
}

// DecodeSprite extracts the sprite id carried by a sprite frame.
func DecodeSprite(msg Message) (string, error) {
	var params SpriteParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return "", fmt.Errorf("decode %s params: %w", msg.Method, err)
	}
	if params.SpriteID == "" {
		return "", fmt.Errorf("decode %s params: %w", msg.Method, errMissingSpriteID)
	}
	return params.SpriteID, nil
}

// Encode serializes a frame for the wire.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a frame received from the wire.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Method == "" {
		return Message{}, errors.New("decode frame: method missing")
	}
	return msg, nil
}
