package codec

import (
	"errors"
	"fmt"

	"github.com/geekxflood/snmproxy/internal/types"
)

// maxSequenceBody is the largest body the fixed two-byte sequence length can describe.
const maxSequenceBody = 0xFFFF

// ErrSequenceTooLong is returned when a sequence body does not fit the reserved length field.
var ErrSequenceTooLong = errors.New("sequence body exceeds 65535 bytes")

// Encoder accumulates an encoded datagram.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 512)}
}

// Encode encodes v into a new buffer.
func Encode(v types.Value) ([]byte, error) {
	e := NewEncoder()
	if err := e.WriteValue(v); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Bytes returns the encoded data.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteValue writes any value. INTEGER uses the 4-byte writer, Counter64 the 8-byte one.
func (e *Encoder) WriteValue(v types.Value) error {
	switch v.Type {
	case types.TypeInteger:
		e.WriteInt32(v.Int)
	case types.TypeCounter32, types.TypeGauge32, types.TypeTimeTicks:
		e.WriteUnsigned32(v.Type, uint32(v.Uint))
	case types.TypeCounter64:
		e.WriteUnsigned64(v.Type, v.Uint)
	case types.TypeIPAddress:
		return e.WriteIPAddress(v)
	case types.TypeNull:
		e.WriteNull()
	case types.TypeEndOfMibView, types.TypeNoSuchObject, types.TypeNoSuchInstance:
		e.WriteZeroLen(v.Type)
	case types.TypeOctetString:
		e.WriteString(v.Str)
	case types.TypeObjectIdentifier:
		return e.WriteOID(v.OID)
	default:
		if !v.Type.IsConstructed() {
			return fmt.Errorf("cannot encode value type %s", v.Type)
		}
		return e.WriteSequence(v.Type, func() error {
			for i, item := range v.Items {
				if err := e.WriteValue(item); err != nil {
					return fmt.Errorf("item %d of %s: %w", i, v.Type, err)
				}
			}
			return nil
		})
	}
	return nil
}

// WriteSequence writes a constructed value. The length field is reserved as 0x82 hi lo
// and patched once body has been written.
func (e *Encoder) WriteSequence(t types.ValueType, body func() error) error {
	e.buf = append(e.buf, byte(t))
	lenPos := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0)

	if err := body(); err != nil {
		return err
	}

	n := len(e.buf) - lenPos - 3
	if n > maxSequenceBody {
		return fmt.Errorf("%s: %w", t, ErrSequenceTooLong)
	}
	e.buf[lenPos] = 0x80 | 2
	e.buf[lenPos+1] = byte(n >> 8)
	e.buf[lenPos+2] = byte(n)
	return nil
}

// WriteInt8 writes an INTEGER using exactly one byte.
func (e *Encoder) WriteInt8(v int64) {
	e.writeFixed(types.TypeInteger, uint64(v), 1)
}

// WriteInt16 writes an INTEGER using exactly two bytes.
func (e *Encoder) WriteInt16(v int64) {
	e.writeFixed(types.TypeInteger, uint64(v), 2)
}

// WriteInt32 writes an INTEGER using exactly four bytes.
func (e *Encoder) WriteInt32(v int64) {
	e.writeFixed(types.TypeInteger, uint64(v), 4)
}

// WriteInt64 writes an INTEGER using exactly eight bytes.
func (e *Encoder) WriteInt64(v int64) {
	e.writeFixed(types.TypeInteger, uint64(v), 8)
}

// WriteUnsigned32 writes a 32-bit application type in four bytes, with a zero pad byte
// when the high bit is set so two's-complement readers see a positive number.
func (e *Encoder) WriteUnsigned32(t types.ValueType, v uint32) {
	if v&0x80000000 != 0 {
		e.buf = append(e.buf, byte(t), 5, 0)
		e.buf = appendBigEndian(e.buf, uint64(v), 4)
		return
	}
	e.writeFixed(t, uint64(v), 4)
}

// WriteUnsigned64 writes a Counter64 in eight bytes, padded to nine when the high bit is set.
func (e *Encoder) WriteUnsigned64(t types.ValueType, v uint64) {
	if v&(1<<63) != 0 {
		e.buf = append(e.buf, byte(t), 9, 0)
		e.buf = appendBigEndian(e.buf, v, 8)
		return
	}
	e.writeFixed(t, v, 8)
}

// WriteIPAddress writes the four octets of an IPv4 address.
func (e *Encoder) WriteIPAddress(v types.Value) error {
	if !v.IP.Is4() {
		return fmt.Errorf("IpAddress %s is not IPv4", v.IP)
	}
	ip := v.IP.As4()
	e.buf = append(e.buf, byte(types.TypeIPAddress), 4)
	e.buf = append(e.buf, ip[:]...)
	return nil
}

// WriteString writes an OCTET STRING.
func (e *Encoder) WriteString(s string) {
	e.buf = append(e.buf, byte(types.TypeOctetString))
	e.writeLength(len(s))
	e.buf = append(e.buf, s...)
}

// WriteNull writes NULL.
func (e *Encoder) WriteNull() {
	e.WriteZeroLen(types.TypeNull)
}

// WriteZeroLen writes a tag with an empty payload.
func (e *Encoder) WriteZeroLen(t types.ValueType) {
	e.buf = append(e.buf, byte(t), 0)
}

// WriteOID writes an OBJECT IDENTIFIER. The first two components share one byte.
func (e *Encoder) WriteOID(oid types.OID) error {
	if oid.Len() < 2 {
		return fmt.Errorf("cannot encode OID with %d components", oid.Len())
	}
	if oid[0] > 2 || oid[1] >= 40 || oid[0]*40+oid[1] > 0x7F {
		return fmt.Errorf("cannot encode leading OID components .%d.%d", oid[0], oid[1])
	}

	body := make([]byte, 0, len(oid)+4)
	body = append(body, byte(oid[0]*40+oid[1]))
	for _, c := range oid[2:] {
		body = appendBase128(body, c)
	}
	if len(body) > maxOIDBytes {
		return fmt.Errorf("OID %s encodes to %d bytes", oid, len(body))
	}

	e.buf = append(e.buf, byte(types.TypeObjectIdentifier))
	e.writeLength(len(body))
	e.buf = append(e.buf, body...)
	return nil
}

func (e *Encoder) writeFixed(t types.ValueType, v uint64, width int) {
	e.buf = append(e.buf, byte(t), byte(width))
	e.buf = appendBigEndian(e.buf, v, width)
}

// writeLength uses the short form below 128 and the minimal long form otherwise.
func (e *Encoder) writeLength(n int) {
	switch {
	case n < 0x80:
		e.buf = append(e.buf, byte(n))
	case n <= 0xFF:
		e.buf = append(e.buf, 0x81, byte(n))
	case n <= 0xFFFF:
		e.buf = append(e.buf, 0x82, byte(n>>8), byte(n))
	default:
		e.buf = append(e.buf, 0x84, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
}

func appendBigEndian(buf []byte, v uint64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		buf = append(buf, byte(v>>(uint(i)*8)))
	}
	return buf
}

// appendBase128 writes c in base 128, setting the continuation bit on all but the last byte.
func appendBase128(buf []byte, c uint32) []byte {
	if c < 0x80 {
		return append(buf, byte(c))
	}
	var tmp [5]byte
	n := 0
	for c != 0 {
		tmp[n] = byte(c & 0x7F)
		c >>= 7
		n++
	}
	for i := n - 1; i >= 0; i-- {
		b := tmp[i]
		if i > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}
