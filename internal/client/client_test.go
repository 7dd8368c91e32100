package client

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/codec"
	"github.com/geekxflood/snmproxy/internal/reactor"
	"github.com/geekxflood/snmproxy/internal/types"
)

// mockConfigProvider implements the config.Provider interface for testing.
type mockConfigProvider struct {
	values map[string]interface{}
}

func newMockConfigProvider() *mockConfigProvider {
	return &mockConfigProvider{
		values: map[string]interface{}{
			"client.timeout":         "5s",
			"client.max_repetitions": 20,
		},
	}
}

func (m *mockConfigProvider) GetString(path string, defaultValue ...string) (string, error) {
	if val, exists := m.values[path]; exists {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return "", nil
}

func (m *mockConfigProvider) GetInt(path string, defaultValue ...int) (int, error) {
	if val, exists := m.values[path]; exists {
		if i, ok := val.(int); ok {
			return i, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, nil
}

func (m *mockConfigProvider) GetFloat(path string, defaultValue ...float64) (float64, error) {
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, nil
}

func (m *mockConfigProvider) GetBool(path string, defaultValue ...bool) (bool, error) {
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return false, nil
}

func (m *mockConfigProvider) GetDuration(path string, defaultValue ...time.Duration) (time.Duration, error) {
	if val, exists := m.values[path]; exists {
		if str, ok := val.(string); ok {
			return time.ParseDuration(str)
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, nil
}

func (m *mockConfigProvider) GetStringSlice(path string, defaultValue ...[]string) ([]string, error) {
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return nil, nil
}

func (m *mockConfigProvider) GetMap(path string) (map[string]any, error) {
	return nil, nil
}

func (m *mockConfigProvider) Exists(path string) bool {
	_, exists := m.values[path]
	return exists
}

func (m *mockConfigProvider) Validate() error {
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var (
	sourceAddr = netip.MustParseAddrPort("127.0.0.1:10161")
	targetAddr = netip.MustParseAddrPort("10.0.0.1:161")
	baseOID    = types.ParseOID(".1.3.6.1.2.1.2")
)

type testEnv struct {
	reactor *reactor.Reactor
	network *reactor.MemoryNetwork
	agent   reactor.Conn
	clock   *fakeClock
	client  *Client
}

func createTestLogger() logging.Logger {
	logger, _, _ := logging.NewLogger(logging.Config{
		Level:  "debug",
		Format: "json",
	})
	return logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	network := reactor.NewMemoryNetwork()
	cfg := reactor.DefaultConfig()
	cfg.Binder = network.Binder()
	r, err := reactor.New(cfg, createTestLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create reactor: %v", err)
	}

	agent, err := network.Bind(targetAddr)
	if err != nil {
		t.Fatalf("Failed to bind agent: %v", err)
	}

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New(r, Key{Source: sourceAddr, Target: targetAddr, Community: "public"}, nil, nil, clock.Now, createTestLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	return &testEnv{reactor: r, network: network, agent: agent, clock: clock, client: c}
}

// nextRequest flushes the reactor and returns the next message received by the agent.
func (e *testEnv) nextRequest(t *testing.T) (types.Value, bool) {
	t.Helper()
	e.reactor.Poll()
	d, ok := e.agent.Receive()
	if !ok {
		return types.Value{}, false
	}
	msg, err := codec.DecodeMessage(d.Data)
	if err != nil {
		t.Fatalf("Agent received malformed message: %v", err)
	}
	return msg, true
}

func (e *testEnv) respond(t *testing.T, id int32, status types.ErrorStatus, bindings []types.VarBinding) {
	t.Helper()
	pdu := types.NewSequence(types.PDUGetResponse,
		types.NewInteger(id),
		types.NewInteger(int32(status)),
		types.NewInteger(0),
		types.VarBindingsToValue(bindings),
	)
	data, err := codec.Encode(types.NewMessage(types.VersionSNMPv2c, "public", pdu))
	if err != nil {
		t.Fatalf("Failed to encode response: %v", err)
	}
	if err := e.network.Inject(targetAddr, sourceAddr, data); err != nil {
		t.Fatalf("Failed to inject response: %v", err)
	}
	e.reactor.Poll()
}

func binding(oid string, v int32) types.VarBinding {
	return types.VarBinding{Name: types.ParseOID(oid), Value: types.NewInteger(v)}
}

func TestSequence(t *testing.T) {
	s := NewSequence()
	if id := s.Next(); id != 11 {
		t.Errorf("Expected first id 11, got %d", id)
	}

	s = &Sequence{last: maxRequestID - 1}
	if id := s.Next(); id != maxRequestID {
		t.Errorf("Expected %d, got %d", maxRequestID, id)
	}
	if id := s.Next(); id != 1 {
		t.Errorf("Expected wrap to 1, got %d", id)
	}
	for i := 0; i < 3*maxRequestID/2; i += 4099 {
		s.last = int32(i)
		if id := s.Next(); id == 0 {
			t.Fatalf("Sequence returned 0 after %d", i)
		}
	}
}

func TestDefaultClientConfig(t *testing.T) {
	config := DefaultClientConfig()
	if config.Timeout != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %v", config.Timeout)
	}
	if config.MaxRepetitions != 10 {
		t.Errorf("Expected max repetitions 10, got %d", config.MaxRepetitions)
	}
}

func TestLoadClientConfig(t *testing.T) {
	config, err := LoadClientConfig(newMockConfigProvider())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.Timeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %v", config.Timeout)
	}
	if config.MaxRepetitions != 20 {
		t.Errorf("Expected max repetitions 20, got %d", config.MaxRepetitions)
	}

	cfg := newMockConfigProvider()
	cfg.values["client.max_repetitions"] = 0
	if _, err := LoadClientConfig(cfg); err == nil {
		t.Error("Expected error for zero max repetitions")
	}
}

func TestNewClientNilReactor(t *testing.T) {
	_, err := New(nil, Key{}, nil, nil, nil, createTestLogger(), nil)
	if err == nil {
		t.Fatal("Expected error for nil reactor, got nil")
	}
}

func TestDoRequest(t *testing.T) {
	env := newTestEnv(t)

	original := types.NewRequestPDU(types.PDUGetRequest, 4242, 0, 0, []types.VarBinding{
		{Name: types.ParseOID(".1.3.6.1.2.1.1.5.0"), Value: types.NewNull()},
	})

	var calls int
	var got types.Value
	err := env.client.DoRequest(original, func(response types.Value, err error) {
		calls++
		got = response
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("DoRequest failed: %v", err)
	}

	if id, _ := original.RequestID(); id != 4242 {
		t.Errorf("Caller PDU modified, request id %d", id)
	}

	req, ok := env.nextRequest(t)
	if !ok {
		t.Fatal("Agent received nothing")
	}
	if req.Community() != "public" {
		t.Errorf("Expected community public, got %q", req.Community())
	}
	id, _ := req.PDU().RequestID()
	if id != 11 {
		t.Errorf("Expected upstream request id 11, got %d", id)
	}

	env.respond(t, id, types.ErrorStatusNoError, []types.VarBinding{
		{Name: types.ParseOID(".1.3.6.1.2.1.1.5.0"), Value: types.NewOctetString("router")},
	})

	if calls != 1 {
		t.Fatalf("Expected callback once, got %d", calls)
	}
	bindings := types.MessageVarBindings(got)
	if len(bindings) != 1 || bindings[0].Value.Str != "router" {
		t.Errorf("Unexpected response bindings: %v", bindings)
	}
	if env.client.Pending() != 0 {
		t.Errorf("Expected no pending requests, got %d", env.client.Pending())
	}

	// A duplicate response is no longer claimed.
	pdu := types.NewSequence(types.PDUGetResponse, types.NewInteger(id), types.NewInteger(0), types.NewInteger(0), types.VarBindingsToValue(nil))
	if env.client.HandleMessage(targetAddr, types.NewMessage(types.VersionSNMPv2c, "public", pdu)) {
		t.Error("Duplicate response should not be claimed")
	}
}

func TestDoRequestProtocolError(t *testing.T) {
	env := newTestEnv(t)

	var gotErr error
	pdu := types.NewRequestPDU(types.PDUSetRequest, 1, 0, 0, []types.VarBinding{binding(".1.3.6.1.2.1.1.5.0", 1)})
	if err := env.client.DoRequest(pdu, func(_ types.Value, err error) { gotErr = err }); err != nil {
		t.Fatalf("DoRequest failed: %v", err)
	}
	req, _ := env.nextRequest(t)
	id, _ := req.PDU().RequestID()
	env.respond(t, id, types.ErrorStatusNotWritable, nil)

	var snmpErr *types.SNMPError
	if !errors.As(gotErr, &snmpErr) || snmpErr.Status != types.ErrorStatusNotWritable {
		t.Errorf("Expected notWritable, got %v", gotErr)
	}
}

func TestDoRequestRejectsNonPDU(t *testing.T) {
	env := newTestEnv(t)
	if err := env.client.DoRequest(types.NewNull(), nil); err == nil {
		t.Error("Expected error for non-PDU value")
	}
}

func TestHandleMessageIgnoresOthers(t *testing.T) {
	env := newTestEnv(t)

	request := types.NewMessage(types.VersionSNMPv2c, "public",
		types.NewRequestPDU(types.PDUGetRequest, 11, 0, 0, nil))
	if env.client.HandleMessage(targetAddr, request) {
		t.Error("Requests should not be claimed by a client")
	}

	unknown := types.NewMessage(types.VersionSNMPv2c, "public",
		types.NewSequence(types.PDUGetResponse, types.NewInteger(77), types.NewInteger(0), types.NewInteger(0), types.VarBindingsToValue(nil)))
	if env.client.HandleMessage(targetAddr, unknown) {
		t.Error("Unknown request id should not be claimed")
	}
}

func TestDoGetBulkWalk(t *testing.T) {
	env := newTestEnv(t)

	var calls int
	var result []types.VarBinding
	err := env.client.DoGetBulk(baseOID, func(bindings []types.VarBinding, err error) {
		calls++
		result = bindings
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("DoGetBulk failed: %v", err)
	}

	first, ok := env.nextRequest(t)
	if !ok {
		t.Fatal("Agent received nothing")
	}
	pdu := first.PDU()
	if pdu.Type != types.PDUGetBulkRequest {
		t.Fatalf("Expected GetBulk, got %s", pdu.Type)
	}
	if pdu.Items[1].Int != 0 || pdu.Items[2].Int != 10 {
		t.Errorf("Expected non-repeaters 0 and max-repetitions 10, got %d/%d", pdu.Items[1].Int, pdu.Items[2].Int)
	}
	start := types.MessageVarBindings(first)
	if len(start) != 1 || !start[0].Name.Equal(baseOID) || !start[0].Value.IsNull() {
		t.Errorf("Unexpected walk seed: %v", start)
	}
	firstID, _ := pdu.RequestID()

	env.respond(t, firstID, types.ErrorStatusNoError, []types.VarBinding{
		binding(".1.3.6.1.2.1.2.1.0", 2),
		binding(".1.3.6.1.2.1.2.2.1.1.1", 1),
	})
	if calls != 0 {
		t.Fatal("Walk completed too early")
	}

	second, ok := env.nextRequest(t)
	if !ok {
		t.Fatal("No continuation request sent")
	}
	secondID, _ := second.PDU().RequestID()
	if secondID == firstID {
		t.Error("Continuation must use a new request id")
	}
	seed := types.MessageVarBindings(second)
	if len(seed) != 1 || seed[0].Name.String() != ".1.3.6.1.2.1.2.2.1.1.1" {
		t.Errorf("Continuation seeded from wrong name: %v", seed)
	}

	// The old id is no longer live.
	if env.client.HandleMessage(targetAddr, types.NewMessage(types.VersionSNMPv2c, "public",
		types.NewSequence(types.PDUGetResponse, types.NewInteger(firstID), types.NewInteger(0), types.NewInteger(0), types.VarBindingsToValue(nil)))) {
		t.Error("Superseded request id should not be claimed")
	}

	env.respond(t, secondID, types.ErrorStatusNoError, []types.VarBinding{
		binding(".1.3.6.1.2.1.2.2.1.1.2", 2),
		binding(".1.3.6.1.2.1.3.1.1.1", 9),
		binding(".1.3.6.1.2.1.3.1.1.2", 9),
	})

	if calls != 1 {
		t.Fatalf("Expected walk callback once, got %d", calls)
	}
	if len(result) != 3 {
		t.Fatalf("Expected 3 bindings, got %d", len(result))
	}
	if result[2].Name.String() != ".1.3.6.1.2.1.2.2.1.1.2" {
		t.Errorf("Unexpected last binding %s", result[2].Name)
	}
	if _, ok := env.nextRequest(t); ok {
		t.Error("Walk crossing the boundary must not send another request")
	}
	if env.client.Pending() != 0 {
		t.Errorf("Expected no pending requests, got %d", env.client.Pending())
	}
}

func TestDoGetBulkEmptyResponse(t *testing.T) {
	env := newTestEnv(t)

	var calls int
	var result []types.VarBinding
	if err := env.client.DoGetBulk(baseOID, func(bindings []types.VarBinding, err error) {
		calls++
		result = bindings
	}); err != nil {
		t.Fatalf("DoGetBulk failed: %v", err)
	}
	req, _ := env.nextRequest(t)
	id, _ := req.PDU().RequestID()
	env.respond(t, id, types.ErrorStatusNoError, nil)

	if calls != 1 || len(result) != 0 {
		t.Errorf("Expected one empty completion, got %d calls and %d bindings", calls, len(result))
	}
}

func TestTimeout(t *testing.T) {
	env := newTestEnv(t)

	var rawErr, walkErr error
	var rawCalls, walkCalls int
	pdu := types.NewRequestPDU(types.PDUGetRequest, 1, 0, 0, []types.VarBinding{{Name: baseOID, Value: types.NewNull()}})
	if err := env.client.DoRequest(pdu, func(response types.Value, err error) {
		rawCalls++
		rawErr = err
		if !response.IsNull() {
			t.Errorf("Expected NULL response on timeout, got %s", response)
		}
	}); err != nil {
		t.Fatalf("DoRequest failed: %v", err)
	}
	if err := env.client.DoGetBulk(baseOID, func(_ []types.VarBinding, err error) {
		walkCalls++
		walkErr = err
	}); err != nil {
		t.Fatalf("DoGetBulk failed: %v", err)
	}

	env.clock.Advance(10 * time.Second)
	env.client.Poll()
	if rawCalls != 0 || walkCalls != 0 {
		t.Fatal("Requests expired at exactly the timeout")
	}

	env.clock.Advance(time.Millisecond)
	env.client.Poll()

	if rawCalls != 1 || walkCalls != 1 {
		t.Fatalf("Expected both callbacks once, got raw=%d walk=%d", rawCalls, walkCalls)
	}
	for _, err := range []error{rawErr, walkErr} {
		var snmpErr *types.SNMPError
		if !errors.As(err, &snmpErr) || snmpErr.Status != types.ErrorStatusAppTimeout {
			t.Errorf("Expected appTimeout, got %v", err)
		}
	}
	if env.client.Pending() != 0 {
		t.Errorf("Expected no pending requests, got %d", env.client.Pending())
	}
	if env.client.Stats().Timeouts != 2 {
		t.Errorf("Expected 2 timeouts, got %d", env.client.Stats().Timeouts)
	}
}

func TestWalkActivityExtendsTimeout(t *testing.T) {
	env := newTestEnv(t)

	var calls int
	if err := env.client.DoGetBulk(baseOID, func([]types.VarBinding, error) { calls++ }); err != nil {
		t.Fatalf("DoGetBulk failed: %v", err)
	}
	req, _ := env.nextRequest(t)
	id, _ := req.PDU().RequestID()

	env.clock.Advance(8 * time.Second)
	env.respond(t, id, types.ErrorStatusNoError, []types.VarBinding{binding(".1.3.6.1.2.1.2.1.0", 2)})

	env.clock.Advance(8 * time.Second)
	env.client.Poll()
	if calls != 0 {
		t.Error("Walk with recent activity timed out")
	}
}

func TestRegistryDeduplicates(t *testing.T) {
	network := reactor.NewMemoryNetwork()
	cfg := reactor.DefaultConfig()
	cfg.Binder = network.Binder()
	r, err := reactor.New(cfg, createTestLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create reactor: %v", err)
	}

	registry := NewRegistry(r, nil, nil, createTestLogger(), nil)
	key := Key{Source: sourceAddr, Target: targetAddr, Community: "public"}

	a, err := registry.Ensure(key)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	b, _ := registry.Ensure(key)
	other := key
	other.Community = "private"
	c, err := registry.Ensure(other)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	if a != b {
		t.Error("Same key should return the same client")
	}
	if a == c {
		t.Error("Different community should return a different client")
	}
	if registry.Len() != 2 {
		t.Errorf("Expected 2 clients, got %d", registry.Len())
	}
	if len(r.Stats()) != 1 {
		t.Errorf("Clients with the same source should share one socket, got %d", len(r.Stats()))
	}
	request := types.NewRequestPDU(types.PDUGetRequest, 1, 0, 0, []types.VarBinding{
		{Name: types.ParseOID(".1.3.6.1.2.1.1.5.0"), Value: types.NewNull()},
	})
	for _, cl := range []*Client{a, c} {
		if err := cl.DoRequest(request, func(types.Value, error) {}); err != nil {
			t.Fatalf("DoRequest failed: %v", err)
		}
	}
	if registry.Pending() != 2 {
		t.Errorf("Expected 2 pending requests across clients, got %d", registry.Pending())
	}
}
