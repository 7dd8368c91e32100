package types

// VarBinding pairs an OID with its value.
type VarBinding struct {
	Name  OID
	Value Value
}

// ToValue returns the two-element SEQUENCE form of the binding.
func (b VarBinding) ToValue() Value {
	return NewSequence(TypeSequence, NewObjectIdentifier(b.Name), b.Value)
}

// VarBindingsFromValue extracts bindings from a var-bind list. Items that are not
// two-element sequences are skipped.
func VarBindingsFromValue(list Value) []VarBinding {
	if list.Type != TypeSequence {
		return nil
	}
	var res []VarBinding
	for _, item := range list.Items {
		if item.Type != TypeSequence || len(item.Items) != 2 {
			continue
		}
		res = append(res, VarBinding{Name: item.Items[0].OID, Value: item.Items[1]})
	}
	return res
}

// VarBindingsToValue builds a var-bind list.
func VarBindingsToValue(bindings []VarBinding) Value {
	items := make([]Value, 0, len(bindings))
	for _, b := range bindings {
		items = append(items, b.ToValue())
	}
	return NewSequence(TypeSequence, items...)
}

// MessageVarBindings returns the bindings carried by a message's PDU.
func MessageVarBindings(message Value) []VarBinding {
	pdu := message.PDU()
	if !pdu.IsPDU() || len(pdu.Items) != 4 {
		return nil
	}
	return VarBindingsFromValue(pdu.Items[3])
}

// ErrorFromPDU reads the error-status and error-index fields of a four-field PDU.
// It returns nil when the PDU carries no error.
func ErrorFromPDU(pdu Value) *SNMPError {
	if len(pdu.Items) != 4 {
		return nil
	}
	status := ErrorStatus(pdu.Items[1].Int)
	if status == ErrorStatusNoError {
		return nil
	}
	return NewSNMPError(status, int32(pdu.Items[2].Int))
}

// CopyMaintainingRequestID replaces the PDU of dest with the PDU of source while
// keeping dest's request id.
func CopyMaintainingRequestID(dest *Value, source Value) bool {
	if !source.IsMessage() || !dest.IsMessage() {
		return false
	}
	pdu := source.Items[2].Clone()
	if len(pdu.Items) == 0 || len(dest.Items[2].Items) == 0 {
		return false
	}
	pdu.Items[0] = dest.Items[2].Items[0]
	dest.Items[2] = pdu
	return true
}

// SetError stamps err into the PDU of dest. Internal codes are mapped to their wire form.
func SetError(dest *Value, err *SNMPError) bool {
	if !dest.IsMessage() || err == nil || err.Status == ErrorStatusNoError {
		return false
	}
	if len(dest.Items[2].Items) != 4 {
		return false
	}
	dest.Items[2].Items[1] = NewInteger(int32(err.Status.Wire()))
	dest.Items[2].Items[2] = NewInteger(err.Index)
	return true
}

// SetPDUType changes the PDU kind of dest.
func SetPDUType(dest *Value, t ValueType) bool {
	if !dest.IsMessage() || !t.IsPDU() {
		return false
	}
	dest.Items[2].Type = t
	return true
}

// SetVarBindings replaces the var-bind list of dest.
func SetVarBindings(dest *Value, bindings []VarBinding) bool {
	if !dest.IsMessage() || len(dest.Items[2].Items) != 4 {
		return false
	}
	dest.Items[2].Items[3] = VarBindingsToValue(bindings)
	return true
}

// SetEndOfMibView replaces the var-bind list of dest with a single endOfMibView binding for oid.
func SetEndOfMibView(dest *Value, oid OID) bool {
	return SetVarBindings(dest, []VarBinding{{Name: oid, Value: NewEndOfMibView()}})
}

// ResetErrorFields zeroes error-status and error-index, which a request reuses for GetBulk parameters.
func ResetErrorFields(dest *Value) bool {
	if !dest.IsMessage() || len(dest.Items[2].Items) != 4 {
		return false
	}
	dest.Items[2].Items[1] = NewInteger(0)
	dest.Items[2].Items[2] = NewInteger(0)
	return true
}
