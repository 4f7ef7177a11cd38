// Package wire encodes and decodes RFC 1035 DNS messages.
package wire

import (
	"errors"
)

// ErrDataCorrupted is the single failure kind of the codec: oversized
// labels or names, buffer overruns and compression pointer loops all
// wrap it.
var ErrDataCorrupted = errors.New("wire: data corrupted")

// Record types.
const (
	TypeA     uint16 = 1
	TypeNS    uint16 = 2
	TypeCNAME uint16 = 5
	TypeSOA   uint16 = 6
	TypePTR   uint16 = 12
	TypeMX    uint16 = 15
	TypeTXT   uint16 = 16
	TypeAAAA  uint16 = 28
)

const ClassINET uint16 = 1

// Response codes.
const (
	RcodeSuccess        = 0
	RcodeFormatError    = 1
	RcodeServerFailure  = 2
	RcodeNameError      = 3
	RcodeNotImplemented = 4
	RcodeRefused        = 5
)

const (
	HeaderLen   = 12
	MaxLabelLen = 63
	MaxNameLen  = 255
	MaxUDPSize  = 512
)

// Header flag bits.
const (
	FlagQR     uint16 = 0x8000
	FlagAA     uint16 = 0x0400
	FlagTC     uint16 = 0x0200
	FlagRD     uint16 = 0x0100
	FlagRA     uint16 = 0x0080
	opcodeMask uint16 = 0x7800
	rcodeMask  uint16 = 0x000f
)

type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func (h Header) Response() bool  { return h.Flags&FlagQR != 0 }
func (h Header) Truncated() bool { return h.Flags&FlagTC != 0 }
func (h Header) Opcode() uint16  { return (h.Flags & opcodeMask) >> 11 }
func (h Header) RCode() int      { return int(h.Flags & rcodeMask) }

type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// RR is one resource record. Data holds the raw rdata. For name-typed
// records (CNAME, PTR, NS) Target holds the decoded name, and when set on
// an outgoing record it is written in place of Data so it can share the
// message compression table.
type RR struct {
	Name   string
	Type   uint16
	Class  uint16
	TTL    uint32
	Data   []byte
	Target string
}

// Message is a fully decoded DNS message.
type Message struct {
	Header     Header
	Questions  []Question
	Answers    []RR
	Authority  []RR
	Additional []RR
}

func nameTyped(t uint16) bool {
	switch t {
	case TypeCNAME, TypePTR, TypeNS:
		return true
	}
	return false
}
