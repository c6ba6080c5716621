package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols a client can ask for. JSON is the default.
const (
	SubprotocolJSON    = "huddle.json"
	SubprotocolMsgpack = "huddle.msgpack"
)

var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Envelope is one outbound frame. ID echoes the request id for replies.
type Envelope struct {
	Event Event
	ID    uint64
	Data  any
}

// Frame is a decoded envelope whose data has not been bound to a type yet.
type Frame struct {
	Event Event
	ID    uint64

	data   []byte
	decode func(data []byte, v any) error
}

func (f Frame) Decode(v any) error {
	if len(f.data) == 0 {
		return invalid("%s: missing data", f.Event)
	}
	if err := f.decode(f.data, v); err != nil {
		return invalid("%s: %v", f.Event, err)
	}
	return nil
}

type Codec interface {
	Name() string
	// MessageType is the websocket frame type the codec writes.
	MessageType() int
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Frame, error)
}

func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

type jsonWire struct {
	Event Event           `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JSONCodec struct{}

func (JSONCodec) Name() string     { return SubprotocolJSON }
func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	w := jsonWire{Event: env.Event, ID: env.ID}
	if env.Data != nil {
		data, err := json.Marshal(env.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", env.Event, err)
		}
		w.Data = data
	}
	return json.Marshal(w)
}

func (JSONCodec) Decode(frame []byte) (Frame, error) {
	var w jsonWire
	if err := json.Unmarshal(frame, &w); err != nil {
		return Frame{}, invalid("malformed frame: %v", err)
	}
	if w.Event == "" {
		return Frame{}, invalid("frame has no event")
	}
	return Frame{Event: w.Event, ID: w.ID, data: w.Data, decode: decodeJSONStrict}, nil
}

func decodeJSONStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type msgpackWire struct {
	Event string             `msgpack:"event"`
	ID    uint64             `msgpack:"id,omitempty"`
	Data  msgpack.RawMessage `msgpack:"data,omitempty"`
}

// MsgpackCodec reuses the json struct tags so payload types are shared.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string     { return SubprotocolMsgpack }
func (MsgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	w := msgpackWire{Event: string(env.Event), ID: env.ID}
	if env.Data != nil {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(env.Data); err != nil {
			return nil, fmt.Errorf("encode %s: %w", env.Event, err)
		}
		w.Data = buf.Bytes()
	}
	return msgpack.Marshal(&w)
}

func (MsgpackCodec) Decode(frame []byte) (Frame, error) {
	var w msgpackWire
	if err := msgpack.Unmarshal(frame, &w); err != nil {
		return Frame{}, invalid("malformed frame: %v", err)
	}
	if w.Event == "" {
		return Frame{}, invalid("frame has no event")
	}
	return Frame{Event: Event(w.Event), ID: w.ID, data: w.Data, decode: decodeMsgpackStrict}, nil
}

func decodeMsgpackStrict(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)
	return dec.Decode(v)
}
