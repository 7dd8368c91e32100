// Package types provides the SNMP value model shared by the codec, the reactor and the proxy.
package types

import (
	"fmt"
	"time"
)

// SNMP version constants
const (
	VersionSNMPv2c = 1
)

// ValueType is the one-byte BER tag of a wire item. PDU kinds share the tag space
// with primitive and constructed types.
type ValueType byte

// SNMP data type constants
const (
	TypeInteger          ValueType = 0x02
	TypeOctetString      ValueType = 0x04
	TypeNull             ValueType = 0x05
	TypeObjectIdentifier ValueType = 0x06
	TypeSequence         ValueType = 0x30
	TypeIPAddress        ValueType = 0x40
	TypeCounter32        ValueType = 0x41
	TypeGauge32          ValueType = 0x42
	TypeTimeTicks        ValueType = 0x43
	TypeCounter64        ValueType = 0x46

	// Response-only exception tags.
	TypeNoSuchObject   ValueType = 0x80
	TypeNoSuchInstance ValueType = 0x81
	TypeEndOfMibView   ValueType = 0x82
)

// SNMP PDU tags
const (
	PDUGetRequest     ValueType = 0xA0
	PDUGetNextRequest ValueType = 0xA1
	PDUGetResponse    ValueType = 0xA2
	PDUSetRequest     ValueType = 0xA3
	PDUGetBulkRequest ValueType = 0xA5
)

// IsPDU reports whether t is one of the four request kinds or Response.
func (t ValueType) IsPDU() bool {
	switch t {
	case PDUGetRequest, PDUGetNextRequest, PDUGetResponse, PDUSetRequest, PDUGetBulkRequest:
		return true
	default:
		return false
	}
}

// IsConstructed reports whether values of this type carry children.
func (t ValueType) IsConstructed() bool {
	return t == TypeSequence || t.IsPDU()
}

// String returns the human-readable name of the SNMP data type.
func (t ValueType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeOctetString:
		return "OCTET STRING"
	case TypeNull:
		return "NULL"
	case TypeObjectIdentifier:
		return "OBJECT IDENTIFIER"
	case TypeSequence:
		return "SEQUENCE"
	case TypeIPAddress:
		return "IpAddress"
	case TypeCounter32:
		return "Counter32"
	case TypeGauge32:
		return "Gauge32"
	case TypeTimeTicks:
		return "TimeTicks"
	case TypeCounter64:
		return "Counter64"
	case TypeNoSuchObject:
		return "noSuchObject"
	case TypeNoSuchInstance:
		return "noSuchInstance"
	case TypeEndOfMibView:
		return "endOfMibView"
	case PDUGetRequest:
		return "GetRequest"
	case PDUGetNextRequest:
		return "GetNextRequest"
	case PDUGetResponse:
		return "GetResponse"
	case PDUSetRequest:
		return "SetRequest"
	case PDUGetBulkRequest:
		return "GetBulkRequest"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(t))
	}
}

// ErrorStatus is the error-status field of a response PDU, extended with
// application-internal codes that never reach the wire.
type ErrorStatus int32

// SNMP error status constants
const (
	ErrorStatusNoError             ErrorStatus = 0
	ErrorStatusTooBig              ErrorStatus = 1
	ErrorStatusNoSuchName          ErrorStatus = 2
	ErrorStatusBadValue            ErrorStatus = 3
	ErrorStatusReadOnly            ErrorStatus = 4
	ErrorStatusGenErr              ErrorStatus = 5
	ErrorStatusNoAccess            ErrorStatus = 6
	ErrorStatusWrongType           ErrorStatus = 7
	ErrorStatusWrongLength         ErrorStatus = 8
	ErrorStatusWrongEncoding       ErrorStatus = 9
	ErrorStatusWrongValue          ErrorStatus = 10
	ErrorStatusNoCreation          ErrorStatus = 11
	ErrorStatusInconsistentValue   ErrorStatus = 12
	ErrorStatusResourceUnavailable ErrorStatus = 13
	ErrorStatusCommitFailed        ErrorStatus = 14
	ErrorStatusUndoFailed          ErrorStatus = 15
	ErrorStatusAuthorizationError  ErrorStatus = 16
	ErrorStatusNotWritable         ErrorStatus = 17
	ErrorStatusInconsistentName    ErrorStatus = 18

	// Application-internal codes.
	ErrorStatusAppTimeout     ErrorStatus = 201
	ErrorStatusAppNotSequence ErrorStatus = 202
)

// String returns the name of the error status.
func (s ErrorStatus) String() string {
	switch s {
	case ErrorStatusNoError:
		return "noError"
	case ErrorStatusTooBig:
		return "tooBig"
	case ErrorStatusNoSuchName:
		return "noSuchName"
	case ErrorStatusBadValue:
		return "badValue"
	case ErrorStatusReadOnly:
		return "readOnly"
	case ErrorStatusGenErr:
		return "genErr"
	case ErrorStatusNoAccess:
		return "noAccess"
	case ErrorStatusWrongType:
		return "wrongType"
	case ErrorStatusWrongLength:
		return "wrongLength"
	case ErrorStatusWrongEncoding:
		return "wrongEncoding"
	case ErrorStatusWrongValue:
		return "wrongValue"
	case ErrorStatusNoCreation:
		return "noCreation"
	case ErrorStatusInconsistentValue:
		return "inconsistentValue"
	case ErrorStatusResourceUnavailable:
		return "resourceUnavailable"
	case ErrorStatusCommitFailed:
		return "commitFailed"
	case ErrorStatusUndoFailed:
		return "undoFailed"
	case ErrorStatusAuthorizationError:
		return "authorizationError"
	case ErrorStatusNotWritable:
		return "notWritable"
	case ErrorStatusInconsistentName:
		return "inconsistentName"
	case ErrorStatusAppTimeout:
		return "appTimeout"
	case ErrorStatusAppNotSequence:
		return "appNotSequence"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// IsInternal reports whether the status is an application-only code.
func (s ErrorStatus) IsInternal() bool {
	return s >= ErrorStatusAppTimeout
}

// Wire maps the status to the code that may be sent to an external requester.
func (s ErrorStatus) Wire() ErrorStatus {
	switch s {
	case ErrorStatusAppTimeout:
		return ErrorStatusResourceUnavailable
	case ErrorStatusAppNotSequence:
		return ErrorStatusGenErr
	default:
		return s
	}
}

// SNMPError is an error status paired with the index of the offending var-binding.
type SNMPError struct {
	Status ErrorStatus
	Index  int32
}

// NewSNMPError returns an SNMPError for the given status and index.
func NewSNMPError(status ErrorStatus, index int32) *SNMPError {
	return &SNMPError{Status: status, Index: index}
}

func (e *SNMPError) Error() string {
	if e.Status.IsInternal() {
		return e.Status.String()
	}
	return fmt.Sprintf("%s(index=%d)", e.Status, e.Index)
}

// ValidationError represents a datagram or configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// ParseError represents an SNMP packet parsing error.
type ParseError struct {
	Offset  int
	Message string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Message)
}

// Clock returns the current time. Components take one so tests can step time.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time {
	return time.Now()
}

// SocketStats represents statistics for one reactor socket.
type SocketStats struct {
	Endpoint          string    `json:"endpoint"`
	DatagramsReceived uint64    `json:"datagrams_received"`
	DatagramsHandled  uint64    `json:"datagrams_handled"`
	DatagramsDropped  uint64    `json:"datagrams_dropped"`
	ParseErrors       uint64    `json:"parse_errors"`
	ValidationErrors  uint64    `json:"validation_errors"`
	DatagramsSent     uint64    `json:"datagrams_sent"`
	SendErrors        uint64    `json:"send_errors"`
	ReadErrors        uint64    `json:"read_errors"`
	QueueLength       int       `json:"queue_length"`
	Closed            bool      `json:"closed"`
	LastActivity      time.Time `json:"last_activity"`
}

// TrafficStat is one named request counter of a proxy.
type TrafficStat struct {
	Name      string  `json:"name"`
	Count     uint64  `json:"count"`
	PerSecond float64 `json:"per_second"`
}
