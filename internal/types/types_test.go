package types

import (
	"testing"
)

func TestParseOID(t *testing.T) {
	tests := []struct {
		input    string
		expected OID
	}{
		{".1.3.6.1.2.1", OID{1, 3, 6, 1, 2, 1}},
		{".1.3.6.1", OID{1, 3, 6, 1}},
		{".1.3.6", OID{1, 3, 6}},
		{".1.3.6.1.2.1.2.*", OID{1, 3, 6, 1, 2, 1, 2}},
		{".1.3", nil},
		{"1.3.6.1", nil},
		{"", nil},
		{".1.3.x.1", nil},
		{".1.3.6.4294967295", OID{1, 3, 6, 4294967295}},
		{".1.3.6.4294967296", OID{1, 3, 6}},
	}

	for _, tt := range tests {
		got := ParseOID(tt.input)
		if !got.Equal(tt.expected) {
			t.Errorf("ParseOID(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestOIDLen(t *testing.T) {
	if got := ParseOID(".1.3.6.1").Len(); got != 4 {
		t.Errorf("Expected 4 components, got %d", got)
	}
	if !ParseOID(".1.3").Empty() {
		t.Error("OID with two components should be empty")
	}
}

func TestOIDStartsWith(t *testing.T) {
	short := ParseOID(".1.3.6.1.2.1")
	long := ParseOID(".1.3.6.1.2.1.1")

	if short.StartsWith(long) {
		t.Error("Shorter OID should not start with a longer one")
	}
	if !long.StartsWith(short) {
		t.Error("Strict extension should start with its prefix")
	}
	if !short.StartsWith(short) {
		t.Error("OID should start with itself")
	}
	if short.StartsWith(nil) || OID(nil).StartsWith(short) {
		t.Error("Empty OIDs never match")
	}
	if ParseOID(".1.3.6.1.2.2.1").StartsWith(short) {
		t.Error("Diverging OID should not match")
	}
}

func TestOIDCompare(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{".1.3.6.1", ".1.3.6.1", 0},
		{".1.3.6.1", ".1.3.6.1.0", -1},
		{".1.3.6.1.0", ".1.3.6.1", 1},
		{".1.3.6.1.2", ".1.3.6.1.10", -1},
		{".1.3.6.2", ".1.3.6.1.5", 1},
		{".1.3.6.1.2.1.1.9", ".1.3.6.1.2.1.2", -1},
	}

	for _, tt := range tests {
		a, b := ParseOID(tt.a), ParseOID(tt.b)
		if got := a.Compare(b); got != tt.expected {
			t.Errorf("Compare(%s, %s) = %d, expected %d", tt.a, tt.b, got, tt.expected)
		}
		if got := b.Compare(a); got != -tt.expected {
			t.Errorf("Compare(%s, %s) = %d, expected %d", tt.b, tt.a, got, -tt.expected)
		}
	}

	if !ParseOID(".1.3.6.1").Less(ParseOID(".1.3.6.1.1")) {
		t.Error("Prefix should sort before its extension")
	}
	if !ParseOID(".1.3.6.2").Greater(ParseOID(".1.3.6.1.1")) {
		t.Error("Expected .1.3.6.2 > .1.3.6.1.1")
	}
}

func TestOIDString(t *testing.T) {
	if got := ParseOID(".1.3.6.1.4.1.18872").String(); got != ".1.3.6.1.4.1.18872" {
		t.Errorf("Unexpected string form %q", got)
	}
	if got := OID(nil).String(); got != "" {
		t.Errorf("Empty OID should render as empty string, got %q", got)
	}
}

func TestValueTypeIsPDU(t *testing.T) {
	for _, pdu := range []ValueType{PDUGetRequest, PDUGetNextRequest, PDUGetResponse, PDUSetRequest, PDUGetBulkRequest} {
		if !pdu.IsPDU() {
			t.Errorf("%s should be a PDU", pdu)
		}
	}
	for _, other := range []ValueType{TypeSequence, TypeInteger, TypeEndOfMibView, 0xA4, 0xA7} {
		if other.IsPDU() {
			t.Errorf("%s should not be a PDU", other)
		}
	}
}

func TestIsMessage(t *testing.T) {
	msg := NewMessage(VersionSNMPv2c, "public", NewRequestPDU(PDUGetRequest, 42, 0, 0, nil))
	if !msg.IsMessage() {
		t.Fatal("Expected message shape")
	}
	if msg.Community() != "public" {
		t.Errorf("Expected community 'public', got %q", msg.Community())
	}
	id, ok := msg.PDU().RequestID()
	if !ok || id != 42 {
		t.Errorf("Expected request id 42, got %d (%v)", id, ok)
	}

	if NewSequence(TypeSequence, NewNull()).IsMessage() {
		t.Error("One-element sequence is not a message")
	}
}

func TestVarBindingsFromValue(t *testing.T) {
	list := NewSequence(TypeSequence,
		VarBinding{Name: ParseOID(".1.3.6.1.2.1.1.1.0"), Value: NewOctetString("router")}.ToValue(),
		NewSequence(TypeSequence, NewNull()),
		NewInteger(7),
		VarBinding{Name: ParseOID(".1.3.6.1.2.1.1.3.0"), Value: NewTimeTicks(300)}.ToValue(),
	)

	bindings := VarBindingsFromValue(list)
	if len(bindings) != 2 {
		t.Fatalf("Expected 2 bindings, got %d", len(bindings))
	}
	if bindings[0].Value.Str != "router" {
		t.Errorf("Unexpected first value %s", bindings[0].Value)
	}
	if bindings[1].Value.Uint != 300 {
		t.Errorf("Unexpected second value %s", bindings[1].Value)
	}

	if VarBindingsFromValue(NewInteger(1)) != nil {
		t.Error("Non-sequence list should yield no bindings")
	}
}

func TestCopyMaintainingRequestID(t *testing.T) {
	request := NewMessage(VersionSNMPv2c, "public", NewRequestPDU(PDUGetRequest, 1000, 0, 0, []VarBinding{
		{Name: ParseOID(".1.3.6.1.2.1.1.5.0"), Value: NewNull()},
	}))
	upstream := NewMessage(VersionSNMPv2c, "private", NewSequence(PDUGetResponse,
		NewInteger(77),
		NewInteger(0),
		NewInteger(0),
		VarBindingsToValue([]VarBinding{{Name: ParseOID(".1.3.6.1.2.1.1.5.0"), Value: NewOctetString("edge-1")}}),
	))

	reply := request.Clone()
	if !CopyMaintainingRequestID(&reply, upstream) {
		t.Fatal("Copy should succeed")
	}

	id, _ := reply.PDU().RequestID()
	if id != 1000 {
		t.Errorf("Expected request id 1000, got %d", id)
	}
	if reply.PDU().Type != PDUGetResponse {
		t.Errorf("Expected response PDU, got %s", reply.PDU().Type)
	}
	if reply.Community() != "public" {
		t.Errorf("Community of the original shell must be kept, got %q", reply.Community())
	}
	if got := MessageVarBindings(reply)[0].Value.Str; got != "edge-1" {
		t.Errorf("Unexpected value %q", got)
	}

	// The original request must not be modified through aliasing.
	if request.PDU().Type != PDUGetRequest {
		t.Error("Original request was modified")
	}
}

func TestSetErrorMapsInternalCodes(t *testing.T) {
	msg := NewMessage(VersionSNMPv2c, "public", NewRequestPDU(PDUGetRequest, 5, 0, 0, nil))

	if !SetError(&msg, NewSNMPError(ErrorStatusAppTimeout, 0)) {
		t.Fatal("SetError should succeed")
	}
	if got := ErrorStatus(msg.PDU().Items[1].Int); got != ErrorStatusResourceUnavailable {
		t.Errorf("Expected resourceUnavailable on the wire, got %s", got)
	}

	if SetError(&msg, nil) {
		t.Error("SetError with nil error should report false")
	}
	if SetError(&msg, NewSNMPError(ErrorStatusNoError, 0)) {
		t.Error("SetError with noError should report false")
	}
}

func TestSetEndOfMibView(t *testing.T) {
	oid := ParseOID(".1.3.6.1.2.1.2.2.1.10.9")
	msg := NewMessage(VersionSNMPv2c, "public", NewRequestPDU(PDUGetNextRequest, 5, 0, 0, nil))

	if !SetPDUType(&msg, PDUGetResponse) || !SetEndOfMibView(&msg, oid) {
		t.Fatal("Expected helpers to succeed")
	}
	bindings := MessageVarBindings(msg)
	if len(bindings) != 1 {
		t.Fatalf("Expected one binding, got %d", len(bindings))
	}
	if !bindings[0].Name.Equal(oid) || bindings[0].Value.Type != TypeEndOfMibView {
		t.Errorf("Unexpected binding %v", bindings[0])
	}
}

func TestSNMPErrorString(t *testing.T) {
	if got := NewSNMPError(ErrorStatusAppTimeout, 0).Error(); got != "appTimeout" {
		t.Errorf("Unexpected error string %q", got)
	}
	if got := NewSNMPError(ErrorStatusNoSuchName, 2).Error(); got != "noSuchName(index=2)" {
		t.Errorf("Unexpected error string %q", got)
	}
	if !ErrorStatusAppNotSequence.IsInternal() || ErrorStatusGenErr.IsInternal() {
		t.Error("Unexpected IsInternal classification")
	}
}
