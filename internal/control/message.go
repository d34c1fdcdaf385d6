package control

import (
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// The control plane is connectionless and message oriented: one datagram in,
// one datagram out, no session state beyond the addressed endpoint. Messages
// are a fixed three-field structure encoded as canonical CBOR; unknown or
// malformed tags are rejected at decode, never reinterpreted.

var (
	ErrDecode  = errors.New("malformed control message")
	ErrTimeout = errors.New("control request timed out")
)

type CommandTag uint8

const (
	CmdQuery CommandTag = iota + 1
	CmdPlay
	CmdPause
	CmdSeek
	CmdStop
	CmdScale
	CmdMaxFPS
)

func (t CommandTag) String() string {
	switch t {
	case CmdQuery:
		return "query"
	case CmdPlay:
		return "play"
	case CmdPause:
		return "pause"
	case CmdSeek:
		return "seek"
	case CmdStop:
		return "stop"
	case CmdScale:
		return "scale"
	case CmdMaxFPS:
		return "maxfps"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

type Status uint8

const (
	StatusOk Status = iota
	StatusError
)

// Command addresses one session by connection key. Value carries the numeric
// payload for Seek (frame offset), Scale and MaxFPS; it is ignored elsewhere.
type Command struct {
	Tag   CommandTag `cbor:"1,keyasint"`
	Key   uint32     `cbor:"2,keyasint"`
	Value int64      `cbor:"3,keyasint"`
}

type Response struct {
	Status   Status  `cbor:"1,keyasint"`
	Progress float64 `cbor:"2,keyasint"`
	Rate     float64 `cbor:"3,keyasint"`
	Scale    uint16  `cbor:"4,keyasint"`
	Playing  bool    `cbor:"5,keyasint"`
	Error    string  `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func EncodeCommand(cmd *Command) ([]byte, error) {
	return encMode.Marshal(cmd)
}

func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := decMode.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cmd.Tag < CmdQuery || cmd.Tag > CmdMaxFPS {
		return nil, fmt.Errorf("%w: tag %d", ErrDecode, cmd.Tag)
	}
	return &cmd, nil
}

func EncodeResponse(res *Response) ([]byte, error) {
	return encMode.Marshal(res)
}

func DecodeResponse(data []byte) (*Response, error) {
	var res Response
	if err := decMode.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &res, nil
}
