package client

import (
	"github.com/geekxflood/snmproxy/internal/types"
)

// Walk accumulates the bindings of a chained GetBulk walk under Base. It only looks at
// response PDUs, so it can be driven without a network.
type Walk struct {
	Base    types.OID
	Values  []types.VarBinding
	LastKey types.OID

	done bool
	err  *types.SNMPError
}

// NewWalk starts a walk rooted at base.
func NewWalk(base types.OID) *Walk {
	return &Walk{Base: base, LastKey: base}
}

// Feed consumes one response PDU. It returns the name to continue from and true while
// every binding stayed inside Base; false means the walk is complete.
func (w *Walk) Feed(pdu types.Value) (types.OID, bool) {
	if w.done {
		return nil, false
	}
	if len(pdu.Items) != 4 {
		return w.finish(types.NewSNMPError(types.ErrorStatusAppNotSequence, 0))
	}
	if err := types.ErrorFromPDU(pdu); err != nil {
		return w.finish(err)
	}
	list := pdu.Items[3]
	if !list.IsSequence() {
		return w.finish(types.NewSNMPError(types.ErrorStatusAppNotSequence, 0))
	}

	bindings := types.VarBindingsFromValue(list)
	if len(bindings) == 0 {
		return w.finish(nil)
	}

	for _, b := range bindings {
		if !b.Name.StartsWith(w.Base) {
			return w.finish(nil)
		}
		// Exceptions and non-increasing names mean the agent has nothing further.
		if b.Value.Type == types.TypeEndOfMibView || !b.Name.Greater(w.LastKey) {
			return w.finish(nil)
		}
		w.Values = append(w.Values, b)
		w.LastKey = b.Name
	}
	return w.LastKey, true
}

// Fail completes the walk with err, keeping what was accumulated.
func (w *Walk) Fail(err *types.SNMPError) {
	w.finish(err)
}

// Done reports whether the walk is complete.
func (w *Walk) Done() bool {
	return w.done
}

// Result returns the accumulated bindings and the terminal error, if any.
func (w *Walk) Result() ([]types.VarBinding, error) {
	if w.err != nil {
		return w.Values, w.err
	}
	return w.Values, nil
}

func (w *Walk) finish(err *types.SNMPError) (types.OID, bool) {
	w.done = true
	w.err = err
	return nil, false
}
