package types

import (
	"strconv"
	"strings"
)

// minOIDComponents is the shortest OID accepted from text.
const minOIDComponents = 3

// OID is an object identifier. A nil or empty OID means "invalid", not the root.
type OID []uint32

// ParseOID parses the dotted text form (".1.3.6.1.2.1"). Components are read until the
// first token that is not a number, so ".1.3.6.*" yields ".1.3.6". Input that does not
// start with "." or yields fewer than three components returns an empty OID.
func ParseOID(s string) OID {
	if !strings.HasPrefix(s, ".") {
		return nil
	}

	var oid OID
	for _, part := range strings.Split(s[1:], ".") {
		if part == "" {
			break
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			break
		}
		oid = append(oid, uint32(n))
	}

	if len(oid) < minOIDComponents {
		return nil
	}
	return oid
}

// Empty reports whether the OID is invalid.
func (o OID) Empty() bool {
	return len(o) == 0
}

// Len returns the number of components.
func (o OID) Len() int {
	return len(o)
}

// StartsWith reports whether prefix is a prefix of o. Empty OIDs never match.
func (o OID) StartsWith(prefix OID) bool {
	if o.Empty() || prefix.Empty() || len(o) < len(prefix) {
		return false
	}
	for i := range prefix {
		if o[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal requires identical length and components.
func (o OID) Equal(other OID) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// Compare orders OIDs lexicographically by component; a strict prefix sorts first.
// It returns -1, 0 or +1.
func (o OID) Compare(other OID) int {
	n := min(len(o), len(other))
	for i := 0; i < n; i++ {
		switch {
		case o[i] < other[i]:
			return -1
		case o[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(o) < len(other):
		return -1
	case len(o) > len(other):
		return 1
	default:
		return 0
	}
}

// Less reports o < other.
func (o OID) Less(other OID) bool {
	return o.Compare(other) < 0
}

// Greater reports o > other.
func (o OID) Greater(other OID) bool {
	return o.Compare(other) > 0
}

// String returns the dotted text form, or "" for an empty OID.
func (o OID) String() string {
	if o.Empty() {
		return ""
	}
	var b strings.Builder
	for _, c := range o {
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(c), 10))
	}
	return b.String()
}

// Clone returns an independent copy.
func (o OID) Clone() OID {
	if o == nil {
		return nil
	}
	c := make(OID, len(o))
	copy(c, o)
	return c
}
