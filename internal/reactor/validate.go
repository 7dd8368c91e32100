package reactor

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/geekxflood/snmproxy/internal/types"
)

// ValidationConfig holds configuration for datagram validation
type ValidationConfig struct {
	MaxPacketSize  int      `json:"max_packet_size"`
	BlockedSources []string `json:"blocked_sources"`
	AllowedSources []string `json:"allowed_sources"`
}

// DefaultValidationConfig returns a default validation configuration
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		MaxPacketSize:  65535,
		BlockedSources: []string{},
		AllowedSources: []string{},
	}
}

// PacketValidator checks inbound datagrams before they are decoded.
type PacketValidator struct {
	maxPacketSize int
	blocked       []netip.Prefix
	allowed       []netip.Prefix
}

// NewPacketValidator compiles the source patterns. Each pattern is a CIDR or a single address.
func NewPacketValidator(config *ValidationConfig) (*PacketValidator, error) {
	if config == nil {
		config = DefaultValidationConfig()
	}
	if config.MaxPacketSize <= 0 {
		return nil, fmt.Errorf("max_packet_size must be positive, got %d", config.MaxPacketSize)
	}

	blocked, err := parsePatterns(config.BlockedSources)
	if err != nil {
		return nil, fmt.Errorf("blocked_sources: %w", err)
	}
	allowed, err := parsePatterns(config.AllowedSources)
	if err != nil {
		return nil, fmt.Errorf("allowed_sources: %w", err)
	}

	return &PacketValidator{
		maxPacketSize: config.MaxPacketSize,
		blocked:       blocked,
		allowed:       allowed,
	}, nil
}

// ValidatePacket checks size and source address of a received datagram.
func (v *PacketValidator) ValidatePacket(source netip.AddrPort, rawData []byte) error {
	if err := v.validatePacketSize(rawData); err != nil {
		return err
	}
	return v.validateSourceAddress(source.Addr())
}

// validatePacketSize checks if the packet size is within limits
func (v *PacketValidator) validatePacketSize(rawData []byte) error {
	if len(rawData) > v.maxPacketSize {
		return &types.ValidationError{
			Field:   "packet_size",
			Message: fmt.Sprintf("packet size %d exceeds maximum %d", len(rawData), v.maxPacketSize),
		}
	}
	return nil
}

// validateSourceAddress validates the source IP address
func (v *PacketValidator) validateSourceAddress(ip netip.Addr) error {
	if !ip.IsValid() {
		return &types.ValidationError{
			Field:   "source_address",
			Message: "invalid source address",
		}
	}
	ip = ip.Unmap()

	// Check blocked sources
	for _, blocked := range v.blocked {
		if blocked.Contains(ip) {
			return &types.ValidationError{
				Field:   "source_address",
				Message: fmt.Sprintf("source address %s is blocked", ip),
			}
		}
	}

	// Check allowed sources (if configured)
	if len(v.allowed) > 0 {
		for _, allowed := range v.allowed {
			if allowed.Contains(ip) {
				return nil
			}
		}
		return &types.ValidationError{
			Field:   "source_address",
			Message: fmt.Sprintf("source address %s is not in allowed list", ip),
		}
	}

	return nil
}

func parsePatterns(patterns []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if strings.Contains(pattern, "/") {
			prefix, err := netip.ParsePrefix(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", pattern, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", pattern, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
