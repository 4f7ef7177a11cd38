package wire

import (
	"fmt"
	"strings"
)

const maxPointerOffset = 0x3fff

// Builder appends a DNS message into one buffer. With compression on, every
// name written remembers the offset of each of its suffixes so later names
// can end in a backward pointer.
type Builder struct {
	buf   []byte
	names map[string]int
}

func NewBuilder(compress bool) *Builder {
	b := &Builder{buf: make([]byte, 0, MaxUDPSize)}
	if compress {
		b.names = make(map[string]int)
	}
	return b
}

func (b *Builder) Len() int      { return len(b.buf) }
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) Uint16(v uint16) {
	b.buf = append(b.buf, byte(v>>8), byte(v))
}

func (b *Builder) Uint32(v uint32) {
	b.buf = append(b.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (b *Builder) Raw(p []byte) {
	b.buf = append(b.buf, p...)
}

// SetUint16 overwrites two bytes at off, used to patch counts and lengths.
func (b *Builder) SetUint16(off int, v uint16) {
	b.buf[off] = byte(v >> 8)
	b.buf[off+1] = byte(v)
}

func (b *Builder) Header(h Header) {
	b.Uint16(h.ID)
	b.Uint16(h.Flags)
	b.Uint16(h.QDCount)
	b.Uint16(h.ANCount)
	b.Uint16(h.NSCount)
	b.Uint16(h.ARCount)
}

// Name writes name as length-prefixed labels. A trailing dot is optional;
// "" and "." are the root.
func (b *Builder) Name(name string) error {
	labels, err := splitName(name)
	if err != nil {
		return err
	}

	for i, label := range labels {
		if b.names != nil {
			suffix := strings.Join(labels[i:], ".")
			if off, ok := b.names[suffix]; ok {
				b.Uint16(0xc000 | uint16(off))
				return nil
			}
			if len(b.buf) <= maxPointerOffset {
				b.names[suffix] = len(b.buf)
			}
		}
		b.buf = append(b.buf, byte(len(label)))
		b.buf = append(b.buf, label...)
	}
	b.buf = append(b.buf, 0)
	return nil
}

func (b *Builder) Question(q Question) error {
	if err := b.Name(q.Name); err != nil {
		return err
	}
	b.Uint16(q.Type)
	b.Uint16(q.Class)
	return nil
}

func (b *Builder) RR(rr RR) error {
	if err := b.Name(rr.Name); err != nil {
		return err
	}
	b.Uint16(rr.Type)
	b.Uint16(rr.Class)
	b.Uint32(rr.TTL)

	lenOff := len(b.buf)
	b.Uint16(0)
	if rr.Target != "" && nameTyped(rr.Type) {
		if err := b.Name(rr.Target); err != nil {
			return err
		}
	} else {
		b.Raw(rr.Data)
	}

	n := len(b.buf) - lenOff - 2
	if n > 0xffff {
		return fmt.Errorf("%w: rdata of %d bytes", ErrDataCorrupted, n)
	}
	b.SetUint16(lenOff, uint16(n))
	return nil
}

// Truncate cuts the message to n bytes and sets the TC bit.
func (b *Builder) Truncate(n int) {
	if n >= len(b.buf) {
		return
	}
	b.buf = b.buf[:n]
	if len(b.buf) >= 4 {
		b.buf[2] |= byte(FlagTC >> 8)
	}
}

// Query builds a single-question query message.
func Query(id uint16, name string, qtype uint16, recursion bool) ([]byte, error) {
	h := Header{ID: id, QDCount: 1}
	if recursion {
		h.Flags |= FlagRD
	}

	b := NewBuilder(false)
	b.Header(h)
	if err := b.Question(Question{Name: name, Type: qtype, Class: ClassINET}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func splitName(name string) ([]string, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil, nil
	}

	labels := strings.Split(name, ".")
	total := 1
	for _, label := range labels {
		switch {
		case len(label) == 0:
			return nil, fmt.Errorf("%w: empty label in %q", ErrDataCorrupted, name)
		case len(label) > MaxLabelLen:
			return nil, fmt.Errorf("%w: label of %d bytes", ErrDataCorrupted, len(label))
		}
		total += len(label) + 1
	}
	if total > MaxNameLen {
		return nil, fmt.Errorf("%w: name of %d bytes", ErrDataCorrupted, total)
	}
	return labels, nil
}
