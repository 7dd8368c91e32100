package proxy

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/geekxflood/snmproxy/internal/codec"
	"github.com/geekxflood/snmproxy/internal/types"
)

// agentValues is the MIB served by fakeAgent, sorted by name.
var agentValues = []types.VarBinding{
	{Name: types.ParseOID(".1.3.6.1.2.1.1.5.0"), Value: types.NewOctetString("upstream-router")},
	{Name: types.ParseOID(".1.3.6.1.2.1.2.1.0"), Value: types.NewInteger(3)},
	{Name: types.ParseOID(".1.3.6.1.2.1.2.2.1.2.1"), Value: types.NewOctetString("eth0")},
	{Name: types.ParseOID(".1.3.6.1.2.1.2.2.1.2.2"), Value: types.NewOctetString("eth1")},
	{Name: types.ParseOID(".1.3.6.1.2.1.2.2.1.2.3"), Value: types.NewOctetString("eth2")},
	{Name: types.ParseOID(".1.3.6.1.2.1.4.1.0"), Value: types.NewInteger(1)},
}

// fakeAgent answers requests from agentValues. Sets are refused with notWritable.
type fakeAgent struct {
	mu   sync.Mutex
	seen []types.Value
}

func (a *fakeAgent) requests() []types.Value {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Value(nil), a.seen...)
}

func (a *fakeAgent) countKind(kind types.ValueType) int {
	n := 0
	for _, req := range a.requests() {
		if req.PDU().Type == kind {
			n++
		}
	}
	return n
}

func (a *fakeAgent) answer(req types.Value) types.Value {
	a.mu.Lock()
	a.seen = append(a.seen, req)
	a.mu.Unlock()

	pdu := req.PDU()
	bindings := types.MessageVarBindings(req)
	status := types.ErrorStatusNoError
	index := 0
	var out []types.VarBinding

	switch pdu.Type {
	case types.PDUGetRequest:
		for i, b := range bindings {
			v, ok := lookup(b.Name)
			if !ok {
				status, index, out = types.ErrorStatusNoSuchName, i+1, bindings
				break
			}
			out = append(out, v)
		}
	case types.PDUGetNextRequest:
		for _, b := range bindings {
			out = append(out, successors(b.Name, 1)...)
		}
	case types.PDUGetBulkRequest:
		out = successors(bindings[0].Name, int(pdu.Items[2].Int))
	case types.PDUSetRequest:
		status, index, out = types.ErrorStatusNotWritable, 1, bindings
	}

	id, _ := pdu.RequestID()
	resp := types.NewSequence(types.PDUGetResponse,
		types.NewInteger(id),
		types.NewInteger(int32(status)),
		types.NewInteger(int32(index)),
		types.VarBindingsToValue(out),
	)
	return types.NewMessage(types.VersionSNMPv2c, req.Community(), resp)
}

func lookup(name types.OID) (types.VarBinding, bool) {
	for _, v := range agentValues {
		if v.Name.Equal(name) {
			return v, true
		}
	}
	return types.VarBinding{}, false
}

func successors(name types.OID, n int) []types.VarBinding {
	var res []types.VarBinding
	for _, v := range agentValues {
		if len(res) >= n {
			break
		}
		if v.Name.Greater(name) {
			res = append(res, v)
		}
	}
	if len(res) == 0 {
		res = append(res, types.VarBinding{Name: name, Value: types.NewEndOfMibView()})
	}
	return res
}

// serveUDP runs the agent on a loopback socket until conn is closed.
func (a *fakeAgent) serveUDP(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind agent: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, src, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			req, err := codec.DecodeMessage(buf[:n])
			if err != nil {
				continue
			}
			data, err := codec.Encode(a.answer(req))
			if err != nil {
				continue
			}
			conn.WriteToUDPAddrPort(data, src)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}
