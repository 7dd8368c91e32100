package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/cache"
	"github.com/geekxflood/snmproxy/internal/client"
	"github.com/geekxflood/snmproxy/internal/types"
)

// ProxyConfig is one validated proxy block.
type ProxyConfig struct {
	Name        string
	Communities []string
	Socket      netip.AddrPort
	Target      client.Key
	Statistics  StatisticsConfig
	Cache       []CacheConfig
}

// StatisticsConfig controls the traffic counters. They are enabled when WriteInterval is positive.
type StatisticsConfig struct {
	File          string
	WriteInterval time.Duration
	Database      string
}

// Enabled reports whether counters are kept.
func (s StatisticsConfig) Enabled() bool {
	return s.WriteInterval > 0
}

// CacheConfig describes one cached subtree.
type CacheConfig struct {
	Base           types.OID
	UpdateInterval time.Duration
}

// rawProxy mirrors a proxy block as it appears in the configuration tree.
type rawProxy struct {
	Community  stringList             `json:"community"`
	Socket     string                 `json:"socket"`
	Target     *rawTarget             `json:"target"`
	Statistics *rawStatistics         `json:"statistics"`
	CacheFor   map[string]rawCacheFor `json:"cache-for"`
}

type rawTarget struct {
	SrcSocket string `json:"src-socket"`
	DstSocket string `json:"dst-socket"`
	Community string `json:"community"`
}

type rawStatistics struct {
	File          string `json:"file"`
	WriteInterval int    `json:"write-interval"`
	Database      string `json:"database"`
}

type rawCacheFor struct {
	UpdateInterval int `json:"update-interval"`
}

// stringList accepts a single string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = []string{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected a string or a list of strings")
	}
	*l = list
	return nil
}

// LoadProxyConfigs reads every block under "proxies". Blocks that fail validation are
// logged and skipped; an error is returned only when the section cannot be read.
func LoadProxyConfigs(cfg config.Provider, logger logging.Logger) ([]*ProxyConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	blocks, err := cfg.GetMap("proxies")
	if err != nil {
		return nil, fmt.Errorf("failed to read proxies section: %w", err)
	}

	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)

	var res []*ProxyConfig
	for _, name := range names {
		block, ok := blocks[name].(map[string]any)
		if !ok {
			logger.Error("Proxy block is not a map, proxy not started", "proxy", name)
			continue
		}
		pc, err := ParseProxyConfig(name, block)
		if err != nil {
			logger.Error("Invalid proxy configuration, proxy not started", "proxy", name, "error", err.Error())
			continue
		}
		res = append(res, pc)
	}
	return res, nil
}

// ParseProxyConfig validates one proxy block.
func ParseProxyConfig(name string, block map[string]any) (*ProxyConfig, error) {
	// Convert to JSON and back to parse the block
	jsonData, err := json.Marshal(block)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proxy block: %w", err)
	}
	var raw rawProxy
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse proxy block: %w", err)
	}

	pc := &ProxyConfig{Name: name}

	for _, c := range raw.Community {
		if c != "" {
			pc.Communities = append(pc.Communities, c)
		}
	}
	if len(pc.Communities) == 0 {
		return nil, fmt.Errorf("no server community specified")
	}

	if raw.Socket == "" {
		return nil, fmt.Errorf("no server socket specified")
	}
	if pc.Socket, err = ResolveEndpoint(raw.Socket); err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if raw.Target == nil {
		return nil, fmt.Errorf("no target specified")
	}
	if raw.Target.SrcSocket == "" {
		return nil, fmt.Errorf("invalid target source socket")
	}
	if raw.Target.DstSocket == "" {
		return nil, fmt.Errorf("invalid target dest socket")
	}
	if raw.Target.Community == "" {
		return nil, fmt.Errorf("no target community given")
	}
	if pc.Target.Source, err = ResolveEndpoint(raw.Target.SrcSocket); err != nil {
		return nil, fmt.Errorf("target src-socket: %w", err)
	}
	if pc.Target.Target, err = ResolveEndpoint(raw.Target.DstSocket); err != nil {
		return nil, fmt.Errorf("target dst-socket: %w", err)
	}
	pc.Target.Community = raw.Target.Community

	if raw.Statistics != nil {
		if raw.Statistics.WriteInterval < 0 {
			return nil, fmt.Errorf("statistics write-interval cannot be negative")
		}
		pc.Statistics = StatisticsConfig{
			File:          raw.Statistics.File,
			WriteInterval: time.Duration(raw.Statistics.WriteInterval) * time.Second,
			Database:      raw.Statistics.Database,
		}
		if pc.Statistics.Enabled() && pc.Statistics.File == "" && pc.Statistics.Database == "" {
			return nil, fmt.Errorf("statistics enabled without a file or database")
		}
	}

	prefixes := make([]string, 0, len(raw.CacheFor))
	for prefix := range raw.CacheFor {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	for _, prefix := range prefixes {
		cc, err := parseCacheFor(prefix, raw.CacheFor[prefix])
		if err != nil {
			return nil, fmt.Errorf("cache-for %q: %w", prefix, err)
		}
		pc.Cache = append(pc.Cache, cc)
	}

	return pc, nil
}

func parseCacheFor(prefix string, raw rawCacheFor) (CacheConfig, error) {
	if !strings.HasPrefix(prefix, ".") || !strings.HasSuffix(prefix, ".*") {
		return CacheConfig{}, fmt.Errorf("invalid oid format, expected .<oid>.*")
	}
	base := types.ParseOID(prefix)
	if base.Empty() {
		return CacheConfig{}, fmt.Errorf("invalid oid")
	}
	interval := time.Duration(raw.UpdateInterval) * time.Second
	if interval < cache.MinUpdateInterval {
		return CacheConfig{}, fmt.Errorf("update-interval must be at least %d, got %d", int(cache.MinUpdateInterval.Seconds()), raw.UpdateInterval)
	}
	return CacheConfig{Base: base, UpdateInterval: interval}, nil
}

// ResolveEndpoint parses "host:port". Host names are resolved to an IPv4 address.
func ResolveEndpoint(spec string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(spec); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	addr, err := net.ResolveUDPAddr("udp4", spec)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid endpoint %q: %w", spec, err)
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
