// Package codec reads and writes the BER-style tag/length/value encoding used on the wire.
package codec

import (
	"fmt"
	"net/netip"

	"github.com/geekxflood/snmproxy/internal/types"
)

// Limits of the fixed decode buffers.
const (
	maxLengthBytes   = 4
	maxIntegerBytes  = 5
	maxUnsigned32Len = 5
	maxUnsigned64Len = 9
	maxOIDBytes      = 1024
	maxNestingDepth  = 32
)

// Decoder handles decoding of one datagram.
type Decoder struct {
	data   []byte
	offset int
	depth  int
}

// NewDecoder creates a new decoder for the given data
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		data:   data,
		offset: 0,
	}
}

// Decode decodes a single value from data. Any nested failure fails the whole value.
func Decode(data []byte) (types.Value, error) {
	return NewDecoder(data).ReadValue()
}

// DecodeMessage decodes a datagram and checks it has the [version, community, pdu] shape.
func DecodeMessage(data []byte) (types.Value, error) {
	d := NewDecoder(data)
	msg, err := d.ReadValue()
	if err != nil {
		return types.Value{}, err
	}
	if !msg.IsMessage() {
		return types.Value{}, d.errorf("datagram is not a message (%s with %d items)", msg.Type, msg.Len())
	}
	if !msg.Items[2].IsPDU() {
		return types.Value{}, d.errorf("unsupported PDU type %s", msg.Items[2].Type)
	}
	return msg, nil
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.offset
}

// ReadValue reads one tag/length/value triple, recursing into constructed types.
func (d *Decoder) ReadValue() (types.Value, error) {
	tag, err := d.readByte()
	if err != nil {
		return types.Value{}, err
	}

	length, err := d.readLength()
	if err != nil {
		return types.Value{}, err
	}

	if d.offset+length > len(d.data) {
		return types.Value{}, d.errorf("%s length %d exceeds packet size", types.ValueType(tag), length)
	}

	payload := d.data[d.offset : d.offset+length]

	t := types.ValueType(tag)
	if t.IsConstructed() {
		return d.readSequence(t, length)
	}
	d.offset += length

	switch t {
	case types.TypeNull:
		return types.NewNull(), nil

	case types.TypeInteger:
		v, err := d.decodeInteger(payload)
		if err != nil {
			return types.Value{}, err
		}
		return types.NewInteger(v), nil

	case types.TypeCounter32, types.TypeGauge32, types.TypeTimeTicks:
		if len(payload) > maxUnsigned32Len {
			return types.Value{}, d.errorf("%s overflow, length %d", t, len(payload))
		}
		var v uint32
		for _, b := range payload {
			v = (v << 8) | uint32(b)
		}
		return types.Value{Type: t, Uint: uint64(v)}, nil

	case types.TypeCounter64:
		if len(payload) > maxUnsigned64Len {
			return types.Value{}, d.errorf("Counter64 overflow, length %d", len(payload))
		}
		if len(payload) == maxUnsigned64Len {
			payload = payload[1:]
		}
		var v uint64
		for _, b := range payload {
			v = (v << 8) | uint64(b)
		}
		return types.NewCounter64(v), nil

	case types.TypeIPAddress:
		if len(payload) != 4 {
			return types.Value{}, d.errorf("invalid IP address length: %d", len(payload))
		}
		return types.NewIPAddress(netip.AddrFrom4([4]byte(payload))), nil

	case types.TypeOctetString:
		return types.NewOctetString(string(payload)), nil

	case types.TypeObjectIdentifier:
		oid, err := d.decodeObjectIdentifier(payload)
		if err != nil {
			return types.Value{}, err
		}
		return types.NewObjectIdentifier(oid), nil

	case types.TypeNoSuchObject, types.TypeNoSuchInstance:
		return types.NewNull(), nil

	case types.TypeEndOfMibView:
		return types.NewEndOfMibView(), nil
	}

	return types.Value{}, d.errorf("unknown value type 0x%02X", tag)
}

// readSequence reads children until the declared length is consumed.
func (d *Decoder) readSequence(t types.ValueType, length int) (types.Value, error) {
	if d.depth >= maxNestingDepth {
		return types.Value{}, d.errorf("nesting deeper than %d levels", maxNestingDepth)
	}
	d.depth++
	defer func() { d.depth-- }()

	end := d.offset + length
	items := []types.Value{}
	for d.offset < end {
		item, err := d.ReadValue()
		if err != nil {
			return types.Value{}, err
		}
		if d.offset > end {
			return types.Value{}, d.errorf("%s child overruns its parent", t)
		}
		items = append(items, item)
	}

	return types.NewSequence(t, items...), nil
}

// readByte reads a single byte
func (d *Decoder) readByte() (byte, error) {
	if d.offset >= len(d.data) {
		return 0, d.errorf("unexpected end of data")
	}
	b := d.data[d.offset]
	d.offset++
	return b, nil
}

// readLength parses the short and long length forms
func (d *Decoder) readLength() (int, error) {
	firstByte, err := d.readByte()
	if err != nil {
		return 0, err
	}

	// Short form (length < 128)
	if firstByte&0x80 == 0 {
		return int(firstByte), nil
	}

	// Long form
	lengthBytes := int(firstByte & 0x7F)
	if lengthBytes > maxLengthBytes {
		return 0, d.errorf("length too long: %d bytes", lengthBytes)
	}

	if d.offset+lengthBytes > len(d.data) {
		return 0, d.errorf("length bytes exceed packet size")
	}

	length := 0
	for i := 0; i < lengthBytes; i++ {
		length = (length << 8) | int(d.data[d.offset])
		d.offset++
	}

	if length < 0 {
		return 0, d.errorf("negative length")
	}
	return length, nil
}

// decodeInteger reads a two's-complement INTEGER. A leading 0x80 0xFF pair followed by a
// byte with the high bit set is a filler some encoders emit to avoid nine consecutive one
// bits; the 0x80 is dropped.
func (d *Decoder) decodeInteger(payload []byte) (int32, error) {
	if len(payload) > maxIntegerBytes {
		return 0, d.errorf("integer overflow, length %d", len(payload))
	}
	if len(payload) == 0 {
		return 0, nil
	}

	var v int32
	if payload[0]&0x80 != 0 {
		v = -1
	}

	if payload[0] == 0x80 && len(payload) > 2 && payload[1] == 0xFF && payload[2]&0x80 != 0 {
		payload = payload[1:]
	}

	for _, b := range payload {
		v = (v << 8) | int32(b)
	}
	return v, nil
}

// decodeObjectIdentifier decodes OID bytes. The first byte always yields two components,
// so any non-empty payload is a valid OID (zeroDotZero included).
func (d *Decoder) decodeObjectIdentifier(payload []byte) (types.OID, error) {
	if len(payload) > maxOIDBytes {
		return nil, d.errorf("OID length %d exceeds %d bytes", len(payload), maxOIDBytes)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	// First byte encodes first two sub-identifiers
	oid := make(types.OID, 0, len(payload)+1)
	oid = append(oid, uint32(payload[0]/40), uint32(payload[0]%40))

	i := 1
	for i < len(payload) {
		var value uint32
		for i < len(payload) {
			b := payload[i]
			i++
			value = (value << 7) | uint32(b&0x7F)
			if b&0x80 == 0 {
				break
			}
		}
		oid = append(oid, value)
	}

	return oid, nil
}

func (d *Decoder) errorf(format string, args ...any) error {
	return types.ParseError{Offset: d.offset, Message: fmt.Sprintf(format, args...)}
}
