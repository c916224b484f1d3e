package gateway

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Codec converts envelopes to and from wire frames.
type Codec interface {
	Encode(env Envelope) ([]byte, error)
	Decode(frameType FrameType, data []byte) (Envelope, error)
}

// DecodeErrorKind distinguishes unparseable frames from frames with an
// unrecognized opcode.
type DecodeErrorKind int

const (
	DecodeMalformed DecodeErrorKind = iota
	DecodeUnknownOpcode
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeMalformed:
		return "malformed"
	case DecodeUnknownOpcode:
		return "unknown_opcode"
	default:
		return "unknown"
	}
}

// DecodeError is returned for frames that cannot be turned into an Envelope.
// It is never fatal to the connection.
type DecodeError struct {
	Kind DecodeErrorKind
	Op   Opcode
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == DecodeUnknownOpcode {
		return fmt.Sprintf("decode: unknown opcode %d", int(e.Op))
	}
	if e.Err != nil {
		return fmt.Sprintf("decode: malformed envelope: %v", e.Err)
	}
	return "decode: malformed envelope"
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// JSONCodec is the JSON wire format. Binary frames are zlib-compressed JSON.
type JSONCodec struct{}

// Encode marshals env as a JSON object.
func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Op, err)
	}
	return data, nil
}

// wireEnvelope tells a missing op apart from op 0.
type wireEnvelope struct {
	Op   *Opcode         `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s"`
	Type *string         `json:"t"`
}

// Decode parses a frame. An unknown opcode returns the partially decoded
// envelope together with a DecodeError of kind DecodeUnknownOpcode.
func (JSONCodec) Decode(frameType FrameType, data []byte) (Envelope, error) {
	if frameType == FrameBinary {
		inflated, err := inflate(data)
		if err != nil {
			return Envelope{}, &DecodeError{Kind: DecodeMalformed, Err: err}
		}
		data = inflated
	}

	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &DecodeError{Kind: DecodeMalformed, Err: err}
	}
	if wire.Op == nil {
		return Envelope{}, &DecodeError{Kind: DecodeMalformed, Err: errors.New("missing op")}
	}

	env := Envelope{Op: *wire.Op, Data: wire.Data}
	if env.Op == OpDispatch {
		if wire.Type == nil || *wire.Type == "" {
			return Envelope{}, &DecodeError{Kind: DecodeMalformed, Op: env.Op, Err: errors.New("dispatch without event name")}
		}
		env.Type = *wire.Type
		env.Seq = wire.Seq
	}
	if !env.Op.Known() {
		return env, &DecodeError{Kind: DecodeUnknownOpcode, Op: env.Op}
	}
	return env, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate frame: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate frame: %w", err)
	}
	return out, nil
}
