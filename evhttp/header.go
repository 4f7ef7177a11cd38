package evhttp

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

type field struct {
	key   string
	value string
}

// Header is an ordered, case-insensitive multimap of header fields.
// Insertion order is kept on the wire.
type Header struct {
	fields []field
}

func NewHeader() *Header { return &Header{} }

// Add appends a field. Keys must be valid tokens; values may contain line
// breaks only as continuations, i.e. followed by a space or tab.
func (h *Header) Add(key, value string) error {
	if !httpguts.ValidHeaderFieldName(key) {
		return fmt.Errorf("%w: key %q", ErrInvalidHeader, key)
	}
	if !validValue(value) {
		return fmt.Errorf("%w: value of %s", ErrInvalidHeader, key)
	}
	h.fields = append(h.fields, field{key: key, value: value})
	return nil
}

// Set replaces every field named key with a single one.
func (h *Header) Set(key, value string) error {
	h.Del(key)
	return h.Add(key, value)
}

// Get returns the first value of key, or "".
func (h *Header) Get(key string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			return f.value
		}
	}
	return ""
}

func (h *Header) Has(key string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			return true
		}
	}
	return false
}

func (h *Header) Values(key string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			out = append(out, f.value)
		}
	}
	return out
}

// Del removes every field named key and reports whether one existed.
func (h *Header) Del(key string) bool {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.key, key) {
			kept = append(kept, f)
		}
	}
	removed := len(kept) != len(h.fields)
	for i := len(kept); i < len(h.fields); i++ {
		h.fields[i] = field{}
	}
	h.fields = kept
	return removed
}

func (h *Header) Len() int { return len(h.fields) }

// Each calls fn for every field in insertion order.
func (h *Header) Each(fn func(key, value string)) {
	for _, f := range h.fields {
		fn(f.key, f.value)
	}
}

func (h *Header) Clear() {
	h.fields = nil
}

// continueLast appends a continuation line to the last field.
func (h *Header) continueLast(value string) bool {
	if len(h.fields) == 0 {
		return false
	}
	last := &h.fields[len(h.fields)-1]
	if last.value == "" {
		last.value = value
	} else {
		last.value += " " + value
	}
	return true
}

// containsToken reports whether any value of key lists token, ignoring case.
func (h *Header) containsToken(key, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(key), token)
}

func validValue(value string) bool {
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\r':
			if i+1 >= len(value) || value[i+1] != '\n' {
				return false
			}
			i++
			fallthrough
		case '\n':
			if i+1 >= len(value) || (value[i+1] != ' ' && value[i+1] != '\t') {
				return false
			}
		}
	}
	return true
}
