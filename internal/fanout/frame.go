package fanout

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame is returned for payloads that do not decode.
var ErrMalformedFrame = errors.New("malformed fanout frame")

// OutputFrame is one chunk of shell output published by the instance that
// owns the session.
type OutputFrame struct {
	Seq      uint64
	Instance string
	Data     []byte
}

// ControlKind identifies a control frame.
type ControlKind uint64

// Control frame kinds. Join, Leave, Input, Resize and Action travel from a
// viewer's instance to the owner; Deliver and Evict travel back.
const (
	ControlJoin ControlKind = iota + 1
	ControlLeave
	ControlInput
	ControlResize
	ControlDeliver
	ControlEvict
	ControlAction
)

// Upstream reports whether the frame is addressed to the session owner.
func (k ControlKind) Upstream() bool {
	switch k {
	case ControlJoin, ControlLeave, ControlInput, ControlResize, ControlAction:
		return true
	default:
		return false
	}
}

// ControlFrame carries viewer traffic for sessions owned by another instance.
type ControlFrame struct {
	Kind     ControlKind
	ViewerID string
	Instance string
	Data     []byte
	Reason   string
}

const (
	fieldSeq      protowire.Number = 1
	fieldInstance protowire.Number = 2
	fieldData     protowire.Number = 3
	fieldKind     protowire.Number = 4
	fieldViewer   protowire.Number = 5
	fieldReason   protowire.Number = 6
)

// MarshalOutput encodes f.
func MarshalOutput(f OutputFrame) []byte {
	b := make([]byte, 0, len(f.Data)+len(f.Instance)+16)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Seq)
	b = appendString(b, fieldInstance, f.Instance)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Data)
	return b
}

// UnmarshalOutput decodes an output frame.
func UnmarshalOutput(b []byte) (OutputFrame, error) {
	var f OutputFrame
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case fieldSeq:
			f.Seq = v
		case fieldInstance:
			f.Instance = string(raw)
		case fieldData:
			f.Data = append([]byte(nil), raw...)
		}
	})
	return f, err
}

// MarshalControl encodes f.
func MarshalControl(f ControlFrame) []byte {
	b := make([]byte, 0, len(f.Data)+len(f.ViewerID)+len(f.Instance)+len(f.Reason)+16)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = appendString(b, fieldViewer, f.ViewerID)
	b = appendString(b, fieldInstance, f.Instance)
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	b = appendString(b, fieldReason, f.Reason)
	return b
}

// UnmarshalControl decodes a control frame.
func UnmarshalControl(b []byte) (ControlFrame, error) {
	var f ControlFrame
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case fieldKind:
			f.Kind = ControlKind(v)
		case fieldViewer:
			f.ViewerID = string(raw)
		case fieldInstance:
			f.Instance = string(raw)
		case fieldData:
			f.Data = append([]byte(nil), raw...)
		case fieldReason:
			f.Reason = string(raw)
		}
	})
	if err == nil && f.Kind == 0 {
		err = fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	return f, err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			fn(num, v, nil)
			b = b[m:]
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			fn(num, 0, raw)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
