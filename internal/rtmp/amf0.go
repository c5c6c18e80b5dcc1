package rtmp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// AMF0 type markers (AMF0 spec §2).
const (
	amf0Number     byte = 0x00
	amf0Boolean    byte = 0x01
	amf0String     byte = 0x02
	amf0Object     byte = 0x03
	amf0Null       byte = 0x05
	amf0Undefined  byte = 0x06
	amf0ECMAArray  byte = 0x08
	amf0ObjectEnd  byte = 0x09
	amf0LongString byte = 0x0c
)

// DecodeAMF0All decodes every AMF0 value in payload, in order. Command
// message bodies are a flat sequence: name, transaction ID, then
// arguments.
func DecodeAMF0All(payload []byte) ([]any, error) {
	r := bytes.NewReader(payload)
	var vals []any
	for r.Len() > 0 {
		v, err := decodeAMF0(r)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// decodeAMF0 reads one value. Numbers decode to float64, booleans to
// bool, strings to string, objects and ECMA arrays to map[string]any,
// null and undefined to nil.
func decodeAMF0(r *bytes.Reader) (any, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, &ParseError{Field: "amf0 marker", Err: err}
	}

	switch marker {
	case amf0Number:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, &ParseError{Field: "amf0 number", Err: err}
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil

	case amf0Boolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, &ParseError{Field: "amf0 boolean", Err: err}
		}
		return b != 0, nil

	case amf0String:
		return readAMF0ShortString(r)

	case amf0LongString:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, &ParseError{Field: "amf0 long string length", Err: err}
		}
		s := make([]byte, binary.BigEndian.Uint32(buf[:]))
		if _, err := io.ReadFull(r, s); err != nil {
			return nil, &ParseError{Field: "amf0 long string", Err: err}
		}
		return string(s), nil

	case amf0Null, amf0Undefined:
		return nil, nil

	case amf0Object:
		return decodeAMF0Properties(r)

	case amf0ECMAArray:
		// Count prefix is advisory only; the object-end marker is
		// authoritative.
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, &ParseError{Field: "amf0 ecma array count", Err: err}
		}
		return decodeAMF0Properties(r)

	default:
		return nil, &ParseError{Field: "amf0 marker", Err: fmt.Errorf("unsupported type 0x%02x", marker)}
	}
}

func decodeAMF0Properties(r *bytes.Reader) (map[string]any, error) {
	obj := make(map[string]any)
	for {
		name, err := readAMF0ShortString(r)
		if err != nil {
			return nil, err
		}
		if name == "" {
			end, err := r.ReadByte()
			if err != nil {
				return nil, &ParseError{Field: "amf0 object end", Err: err}
			}
			if end != amf0ObjectEnd {
				return nil, &ParseError{Field: "amf0 object end", Err: fmt.Errorf("got 0x%02x", end)}
			}
			return obj, nil
		}
		v, err := decodeAMF0(r)
		if err != nil {
			return nil, err
		}
		obj[name] = v
	}
}

func readAMF0ShortString(r *bytes.Reader) (string, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", &ParseError{Field: "amf0 string length", Err: err}
	}
	s := make([]byte, binary.BigEndian.Uint16(buf[:]))
	if _, err := io.ReadFull(r, s); err != nil {
		return "", &ParseError{Field: "amf0 string", Err: err}
	}
	return string(s), nil
}

// EncodeAMF0 appends the AMF0 encoding of each value to a new buffer.
// Supported inputs mirror what decode produces: float64 (and the
// common integer types), bool, string, map[string]any, nil.
func EncodeAMF0(vals ...any) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range vals {
		if err := encodeAMF0(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeAMF0(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteByte(amf0Null)

	case float64:
		writeAMF0Number(buf, t)
	case int:
		writeAMF0Number(buf, float64(t))
	case uint32:
		writeAMF0Number(buf, float64(t))

	case bool:
		buf.WriteByte(amf0Boolean)
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

	case string:
		if len(t) > math.MaxUint16 {
			buf.WriteByte(amf0LongString)
			var l [4]byte
			binary.BigEndian.PutUint32(l[:], uint32(len(t)))
			buf.Write(l[:])
			buf.WriteString(t)
			return nil
		}
		buf.WriteByte(amf0String)
		writeAMF0ShortString(buf, t)

	case map[string]any:
		buf.WriteByte(amf0Object)
		// Deterministic order keeps encoded commands comparable.
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			writeAMF0ShortString(buf, name)
			if err := encodeAMF0(buf, t[name]); err != nil {
				return err
			}
		}
		writeAMF0ShortString(buf, "")
		buf.WriteByte(amf0ObjectEnd)

	default:
		return fmt.Errorf("rtmp: cannot encode %T as amf0", v)
	}
	return nil
}

func writeAMF0Number(buf *bytes.Buffer, f float64) {
	buf.WriteByte(amf0Number)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

func writeAMF0ShortString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}
