// Package rpc carries typed calls over the evhttp engine. A call is an HTTP
// POST to "/.rpc.<name>" whose request and reply bodies are produced by a
// Codec; success is 200 with an application/octet-stream body and anything
// malformed is answered with 503.
package rpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

const (
	pathPrefix  = "/.rpc."
	contentType = "application/octet-stream"
)

// Codec supplies the message operations for one message type.
type Codec[T any] interface {
	New() T
	Marshal(msg T) ([]byte, error)
	Unmarshal(data []byte, msg T) error
	Clear(msg T)
	// Complete reports whether msg has everything it needs to be sent.
	Complete(msg T) bool
}

// ProtoCodec is the Codec of a generated protobuf message type.
type ProtoCodec[T proto.Message] struct{}

func (ProtoCodec[T]) New() T {
	var zero T
	return zero.ProtoReflect().Type().New().Interface().(T)
}

func (ProtoCodec[T]) Marshal(msg T) ([]byte, error) { return proto.Marshal(msg) }

func (ProtoCodec[T]) Unmarshal(data []byte, msg T) error { return proto.Unmarshal(data, msg) }

func (ProtoCodec[T]) Clear(msg T) { proto.Reset(msg) }

// Complete holds when every required field is set.
func (ProtoCodec[T]) Complete(msg T) bool { return proto.CheckInitialized(msg) == nil }

// Method names a call and the codecs of its two messages. The same value
// is registered on a Base and called through a Pool.
type Method[Req, Rep any] struct {
	Name    string
	Request Codec[Req]
	Reply   Codec[Rep]
}

// NewProtoMethod describes a call whose messages are protobuf messages.
func NewProtoMethod[Req, Rep proto.Message](name string) Method[Req, Rep] {
	return Method[Req, Rep]{
		Name:    name,
		Request: ProtoCodec[Req]{},
		Reply:   ProtoCodec[Rep]{},
	}
}

// Path is the HTTP path the call is served on.
func (m Method[Req, Rep]) Path() string { return pathPrefix + m.Name }

func (m Method[Req, Rep]) validate() error {
	if m.Name == "" {
		return fmt.Errorf("rpc method without name")
	}
	if m.Request == nil || m.Reply == nil {
		return fmt.Errorf("rpc method %s without codec", m.Name)
	}
	return nil
}

// Status is the outcome of a call.
type Status int

const (
	OK Status = iota
	// Unstarted calls never reached a connection.
	Unstarted
	HookAborted
	BadPayload
	Timeout
)

var statusNames = [...]string{
	OK:          "ok",
	Unstarted:   "unstarted",
	HookAborted: "hook_aborted",
	BadPayload:  "bad_payload",
	Timeout:     "timeout",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}
