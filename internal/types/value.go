package types

import (
	"fmt"
	"net/netip"
	"strings"
)

// Value is one decoded or encodable wire item. Type selects which field is meaningful:
// Int for INTEGER, Uint for the unsigned application types, Str for OCTET STRING,
// IP for IpAddress, OID for OBJECT IDENTIFIER and Items for SEQUENCE and the PDU kinds.
type Value struct {
	Type  ValueType
	Int   int64
	Uint  uint64
	Str   string
	IP    netip.Addr
	OID   OID
	Items []Value
}

// NewInteger returns an INTEGER value. INTEGER is 32-bit on the wire.
func NewInteger(v int32) Value {
	return Value{Type: TypeInteger, Int: int64(v)}
}

// NewCounter32 returns a Counter32 value.
func NewCounter32(v uint32) Value {
	return Value{Type: TypeCounter32, Uint: uint64(v)}
}

// NewCounter64 returns a Counter64 value.
func NewCounter64(v uint64) Value {
	return Value{Type: TypeCounter64, Uint: v}
}

// NewGauge32 returns a Gauge32 value.
func NewGauge32(v uint32) Value {
	return Value{Type: TypeGauge32, Uint: uint64(v)}
}

// NewTimeTicks returns a TimeTicks value.
func NewTimeTicks(v uint32) Value {
	return Value{Type: TypeTimeTicks, Uint: uint64(v)}
}

// NewIPAddress returns an IpAddress value. Only IPv4 addresses are representable.
func NewIPAddress(ip netip.Addr) Value {
	return Value{Type: TypeIPAddress, IP: ip}
}

// NewOctetString returns an OCTET STRING value.
func NewOctetString(s string) Value {
	return Value{Type: TypeOctetString, Str: s}
}

// NewNull returns a NULL value.
func NewNull() Value {
	return Value{Type: TypeNull}
}

// NewEndOfMibView returns the endOfMibView exception value.
func NewEndOfMibView() Value {
	return Value{Type: TypeEndOfMibView}
}

// NewObjectIdentifier returns an OBJECT IDENTIFIER value, or NULL when oid is invalid.
func NewObjectIdentifier(oid OID) Value {
	if oid.Empty() {
		return NewNull()
	}
	return Value{Type: TypeObjectIdentifier, OID: oid}
}

// NewSequence returns a constructed value of the given type (SEQUENCE or a PDU tag).
func NewSequence(t ValueType, items ...Value) Value {
	return Value{Type: t, Items: items}
}

// NewMessage wraps a PDU into the three-element message shell.
func NewMessage(version int32, community string, pdu Value) Value {
	return NewSequence(TypeSequence, NewInteger(version), NewOctetString(community), pdu)
}

// NewRequestPDU builds a request PDU. nonRepeaters and maxRepetitions are only
// meaningful for GetBulk and should be 0 otherwise.
func NewRequestPDU(t ValueType, requestID int32, nonRepeaters, maxRepetitions int32, bindings []VarBinding) Value {
	return NewSequence(t,
		NewInteger(requestID),
		NewInteger(nonRepeaters),
		NewInteger(maxRepetitions),
		VarBindingsToValue(bindings),
	)
}

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Type == TypeNull }

// IsSequence reports whether the value is a plain SEQUENCE.
func (v Value) IsSequence() bool { return v.Type == TypeSequence }

// IsPDU reports whether the value is one of the PDU kinds.
func (v Value) IsPDU() bool { return v.Type.IsPDU() }

// IsMessage reports whether the value has the [version, community, pdu] shape.
func (v Value) IsMessage() bool { return v.IsSequence() && len(v.Items) == 3 }

// Len returns the number of children.
func (v Value) Len() int { return len(v.Items) }

// Community returns the community string of a message.
func (v Value) Community() string {
	if !v.IsMessage() {
		return ""
	}
	return v.Items[1].Str
}

// PDU returns the inner PDU of a message, or a NULL value.
func (v Value) PDU() Value {
	if !v.IsMessage() {
		return NewNull()
	}
	return v.Items[2]
}

// RequestID returns the request id of a PDU with the four-field layout.
func (v Value) RequestID() (int32, bool) {
	if !v.IsPDU() || len(v.Items) != 4 || v.Items[0].Type != TypeInteger {
		return 0, false
	}
	return int32(v.Items[0].Int), true
}

// Clone returns a deep copy so a message shell can be rewritten without aliasing.
func (v Value) Clone() Value {
	c := v
	c.OID = v.OID.Clone()
	if v.Items != nil {
		c.Items = make([]Value, len(v.Items))
		for i, item := range v.Items {
			c.Items[i] = item.Clone()
		}
	}
	return c
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case TypeInteger:
		return v.Int == other.Int
	case TypeCounter32, TypeCounter64, TypeGauge32, TypeTimeTicks:
		return v.Uint == other.Uint
	case TypeOctetString:
		return v.Str == other.Str
	case TypeIPAddress:
		return v.IP == other.IP
	case TypeObjectIdentifier:
		return v.OID.Equal(other.OID)
	}
	if v.Type.IsConstructed() {
		if len(v.Items) != len(other.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(other.Items[i]) {
				return false
			}
		}
	}
	return true
}

// String returns a short description of the value.
func (v Value) String() string {
	switch v.Type {
	case TypeInteger:
		return fmt.Sprintf("INTEGER(%d)", v.Int)
	case TypeCounter32, TypeCounter64, TypeGauge32, TypeTimeTicks:
		return fmt.Sprintf("%s(%d)", v.Type, v.Uint)
	case TypeOctetString:
		return fmt.Sprintf("OCTET STRING(%q)", v.Str)
	case TypeIPAddress:
		return fmt.Sprintf("IpAddress(%s)", v.IP)
	case TypeObjectIdentifier:
		return fmt.Sprintf("OBJECT IDENTIFIER(%s)", v.OID)
	case TypeNull, TypeEndOfMibView:
		return v.Type.String()
	}
	if v.Type.IsConstructed() {
		parts := make([]string, len(v.Items))
		for i, item := range v.Items {
			parts[i] = item.String()
		}
		return fmt.Sprintf("%s{%s}", v.Type, strings.Join(parts, ", "))
	}
	return v.Type.String()
}
