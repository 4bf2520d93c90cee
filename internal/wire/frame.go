package wire

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	apperrors "github.com/nexfleet/linkd/internal/errors"
)

// Frame wire format: Marker | type byte | payload | Terminator.
// The payload is a sequence of UTF-8 fields joined by Delimiter. The three
// reserved bytes must not appear inside a field value; Encode rejects fields
// that contain them rather than escaping.
const (
	Marker     byte = 0x02 // STX
	Terminator byte = 0x03 // ETX
	Delimiter  byte = 0x1F // unit separator
)

// Type identifies the kind of event a frame carries.
type Type byte

const (
	TypeInstallStep      Type = 0x01 // step number, message
	TypeInstallProgress  Type = 0x02 // percent
	TypeExecOutput       Type = 0x03 // output chunk
	TypeExecResult       Type = 0x04 // correlation id, exit status, message
	TypeDeviceLinkResult Type = 0x05 // device code, outcome
	TypeError            Type = 0x06 // message
	TypePing             Type = 0x07 // no fields
)

// arity maps each known type to its required field count. The map doubles as
// the closed enumeration: a type byte outside it fails decoding.
var arity = map[Type]int{
	TypeInstallStep:      2,
	TypeInstallProgress:  1,
	TypeExecOutput:       1,
	TypeExecResult:       3,
	TypeDeviceLinkResult: 2,
	TypeError:            1,
	TypePing:             0,
}

func (t Type) String() string {
	switch t {
	case TypeInstallStep:
		return "install-step"
	case TypeInstallProgress:
		return "install-progress"
	case TypeExecOutput:
		return "exec-output"
	case TypeExecResult:
		return "exec-result"
	case TypeDeviceLinkResult:
		return "device-link-result"
	case TypeError:
		return "error"
	case TypePing:
		return "ping"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Known reports whether t is part of the closed type enumeration.
func Known(t Type) bool {
	_, ok := arity[t]
	return ok
}

// Encode serializes a single frame. It fails if the type is unknown, the
// field count does not match the type's arity, or a field contains a
// reserved byte or invalid UTF-8.
func Encode(t Type, fields []string) ([]byte, error) {
	want, ok := arity[t]
	if !ok {
		return nil, apperrors.MalformedFrame(fmt.Sprintf("unknown type 0x%02x", byte(t)))
	}
	if len(fields) != want {
		return nil, apperrors.MalformedFrame(
			fmt.Sprintf("type %s requires %d fields, got %d", t, want, len(fields)))
	}

	size := 3
	for _, f := range fields {
		size += len(f) + 1
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte(Marker)
	buf.WriteByte(byte(t))

	for i, f := range fields {
		if !utf8.ValidString(f) {
			return nil, apperrors.MalformedFrame(fmt.Sprintf("field %d is not valid UTF-8", i))
		}
		if containsReserved(f) {
			return nil, apperrors.MalformedFrame(fmt.Sprintf("field %d contains a reserved byte", i))
		}
		if i > 0 {
			buf.WriteByte(Delimiter)
		}
		buf.WriteString(f)
	}

	buf.WriteByte(Terminator)
	return buf.Bytes(), nil
}

// Decode parses exactly one complete frame. Partial input, a misplaced
// marker, an unknown type byte, or a field count that does not match the
// type's arity all fail with MalformedFrame.
func Decode(data []byte) (Type, []string, error) {
	if len(data) < 3 {
		return 0, nil, apperrors.MalformedFrame("frame too short")
	}
	if data[0] != Marker {
		return 0, nil, apperrors.MalformedFrame("missing start marker")
	}
	if data[len(data)-1] != Terminator {
		return 0, nil, apperrors.MalformedFrame("missing terminator")
	}

	t := Type(data[1])
	want, ok := arity[t]
	if !ok {
		return 0, nil, apperrors.MalformedFrame(fmt.Sprintf("unknown type 0x%02x", byte(t)))
	}

	payload := data[2 : len(data)-1]
	if bytes.IndexByte(payload, Marker) >= 0 {
		return 0, nil, apperrors.MalformedFrame("marker inside payload")
	}
	if !utf8.Valid(payload) {
		return 0, nil, apperrors.MalformedFrame("payload is not valid UTF-8")
	}

	var fields []string
	if want == 0 {
		if len(payload) != 0 {
			return 0, nil, apperrors.MalformedFrame(
				fmt.Sprintf("type %s carries no fields", t))
		}
	} else {
		parts := bytes.Split(payload, []byte{Delimiter})
		if len(parts) != want {
			return 0, nil, apperrors.MalformedFrame(
				fmt.Sprintf("type %s requires %d fields, got %d", t, want, len(parts)))
		}
		fields = make([]string, len(parts))
		for i, p := range parts {
			fields[i] = string(p)
		}
	}

	return t, fields, nil
}

func containsReserved(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case Marker, Terminator, Delimiter:
			return true
		}
	}
	return false
}
