package wire

import (
	"fmt"
)

func readUint16(msg []byte, off int) (uint16, int, error) {
	if off+2 > len(msg) {
		return 0, off, fmt.Errorf("%w: short read at %d", ErrDataCorrupted, off)
	}
	return uint16(msg[off])<<8 | uint16(msg[off+1]), off + 2, nil
}

func readUint32(msg []byte, off int) (uint32, int, error) {
	if off+4 > len(msg) {
		return 0, off, fmt.Errorf("%w: short read at %d", ErrDataCorrupted, off)
	}
	v := uint32(msg[off])<<24 | uint32(msg[off+1])<<16 | uint32(msg[off+2])<<8 | uint32(msg[off+3])
	return v, off + 4, nil
}

// DecodeName reads the name at off, following compression pointers. It
// returns the dotted name without a trailing dot ("" for the root) and the
// offset just past the name in the original stream.
func DecodeName(msg []byte, off int) (string, int, error) {
	var (
		name     = make([]byte, 0, 64)
		next     = -1
		pointers int
		total    = 1
	)

	for {
		if off >= len(msg) {
			return "", 0, fmt.Errorf("%w: name overruns message", ErrDataCorrupted)
		}

		c := int(msg[off])
		switch c & 0xc0 {
		case 0x00:
			if c == 0 {
				off++
				if next < 0 {
					next = off
				}
				return string(name), next, nil
			}
			if off+1+c > len(msg) {
				return "", 0, fmt.Errorf("%w: label overruns message", ErrDataCorrupted)
			}
			total += c + 1
			if total > MaxNameLen {
				return "", 0, fmt.Errorf("%w: name longer than %d bytes", ErrDataCorrupted, MaxNameLen)
			}
			if len(name) > 0 {
				name = append(name, '.')
			}
			name = append(name, msg[off+1:off+1+c]...)
			off += 1 + c
		case 0xc0:
			if off+1 >= len(msg) {
				return "", 0, fmt.Errorf("%w: truncated pointer", ErrDataCorrupted)
			}
			if next < 0 {
				next = off + 2
			}
			pointers++
			if pointers > len(msg) {
				return "", 0, fmt.Errorf("%w: compression loop", ErrDataCorrupted)
			}
			off = int(msg[off]&0x3f)<<8 | int(msg[off+1])
		default:
			return "", 0, fmt.Errorf("%w: reserved label type 0x%02x", ErrDataCorrupted, c&0xc0)
		}
	}
}

// Parser walks a message section by section.
type Parser struct {
	msg []byte
	off int
}

func NewParser(msg []byte) *Parser {
	return &Parser{msg: msg}
}

func (p *Parser) Offset() int { return p.off }

func (p *Parser) Header() (Header, error) {
	var (
		h   Header
		err error
	)
	off := 0
	for _, field := range []*uint16{&h.ID, &h.Flags, &h.QDCount, &h.ANCount, &h.NSCount, &h.ARCount} {
		if *field, off, err = readUint16(p.msg, off); err != nil {
			return Header{}, err
		}
	}
	p.off = off
	return h, nil
}

func (p *Parser) Question() (Question, error) {
	var q Question
	name, off, err := DecodeName(p.msg, p.off)
	if err != nil {
		return q, err
	}
	if q.Type, off, err = readUint16(p.msg, off); err != nil {
		return q, err
	}
	if q.Class, off, err = readUint16(p.msg, off); err != nil {
		return q, err
	}
	q.Name = name
	p.off = off
	return q, nil
}

func (p *Parser) RR() (RR, error) {
	var rr RR
	name, off, err := DecodeName(p.msg, p.off)
	if err != nil {
		return rr, err
	}
	if rr.Type, off, err = readUint16(p.msg, off); err != nil {
		return rr, err
	}
	if rr.Class, off, err = readUint16(p.msg, off); err != nil {
		return rr, err
	}
	if rr.TTL, off, err = readUint32(p.msg, off); err != nil {
		return rr, err
	}
	var length uint16
	if length, off, err = readUint16(p.msg, off); err != nil {
		return rr, err
	}
	end := off + int(length)
	if end > len(p.msg) {
		return rr, fmt.Errorf("%w: rdata overruns message", ErrDataCorrupted)
	}

	if nameTyped(rr.Type) {
		target, targetEnd, err := DecodeName(p.msg, off)
		if err != nil {
			return rr, err
		}
		if targetEnd > end {
			return rr, fmt.Errorf("%w: name overruns rdata", ErrDataCorrupted)
		}
		rr.Target = target
	}

	rr.Name = name
	rr.Data = append([]byte(nil), p.msg[off:end]...)
	p.off = end
	return rr, nil
}

// ParseMessage decodes every section of msg. Nothing is returned on error.
func ParseMessage(msg []byte) (*Message, error) {
	p := NewParser(msg)
	h, err := p.Header()
	if err != nil {
		return nil, err
	}

	m := &Message{Header: h}
	for i := 0; i < int(h.QDCount); i++ {
		q, err := p.Question()
		if err != nil {
			return nil, err
		}
		m.Questions = append(m.Questions, q)
	}

	sections := []struct {
		count int
		rrs   *[]RR
	}{
		{int(h.ANCount), &m.Answers},
		{int(h.NSCount), &m.Authority},
		{int(h.ARCount), &m.Additional},
	}
	for _, s := range sections {
		for i := 0; i < s.count; i++ {
			rr, err := p.RR()
			if err != nil {
				return nil, err
			}
			*s.rrs = append(*s.rrs, rr)
		}
	}
	return m, nil
}
