// Package scheme defines the boundary between the session layer and
// the TL (Type Language) schema codec (spec.md §6). The schema itself
// is an external collaborator; this package only fixes the shape of
// that boundary and supplies the closed set of service-message
// constructors the session layer dispatches on directly (messages.go).
package scheme

import "errors"

// ErrUnknownConstructor is returned by Read when the leading 32-bit
// constructor id does not match any of the closed set this package
// understands. Read has no fallback of its own; DecodeTopLevel is the
// entry point that turns an unknown constructor into Opaque.
var ErrUnknownConstructor = errors.New("scheme: unknown constructor")

// ByteSource is the abstract async byte source a Scheme parses from.
// wire.Reader and mtcrypto.StreamDecryptor both already satisfy this
// shape, so decoding can run directly against a lazily-decrypting
// inbound stream without buffering the whole frame first.
type ByteSource interface {
	Read(n int) ([]byte, error)
}

// Offload is the CPU-bound dispatch hook a Scheme calls out to rather
// than running cryptographic or parsing work inline. The session
// constructs a Scheme with its own worker-pool-backed closure (spec.md
// §9 "Cyclic dependency: Session ↔ Schema" design note) so this
// package never imports the worker pool directly.
type Offload func(fn func() (any, error)) (any, error)

// Object is a generic TL value: a constructor name, its boxed/bare
// flag, and its named fields. It is the return type of Bare/Boxed and
// the argument accepted by callers building outbound bodies the
// closed Message set does not cover (arbitrary application-level RPC
// calls; the specific schema files are out of scope, spec.md §1).
type Object struct {
	Cons   string
	Boxed  bool
	Fields map[string]any
}

// Get returns a named field, or nil if absent.
func (o Object) Get(name string) any { return o.Fields[name] }

// Scheme is the abstract TL codec the session layer depends on
// (spec.md §6). A concrete implementation is provided by TLScheme
// below for the closed set of handshake/session constructors; callers
// needing the full application schema supply their own Scheme.
type Scheme interface {
	// Read parses one TL object from src. isBoxed indicates whether a
	// leading 32-bit constructor id should be consumed; paramType
	// disambiguates bare reads whose type is fixed by context.
	Read(src ByteSource, isBoxed bool, paramType string) (Message, error)

	// Bare constructs an unboxed object of constructor cons from
	// fields.
	Bare(cons string, fields map[string]any) (Object, error)

	// Boxed constructs a boxed object (prefixed with its constructor
	// id on serialization) of constructor cons from fields.
	Boxed(cons string, fields map[string]any) (Object, error)

	// ReadFromString decodes a single self-contained TL object.
	ReadFromString(data []byte) (Object, error)
}

// TLScheme implements Scheme for the closed set of constructors the
// handshake and session reliability layer need (messages.go). It does
// not know the application's method schema; Bare/Boxed with any
// constructor name just produce a generic Object holding the name and
// fields, and Object has no serializer of its own.
type TLScheme struct {
	offload Offload
}

// NewTLScheme constructs a TLScheme. offload may be nil, in which case
// CPU-bound work (currently: none inside this package — decoding here
// is pointer-chasing over small fixed structures) runs inline.
func NewTLScheme(offload Offload) *TLScheme {
	return &TLScheme{offload: offload}
}

func (s *TLScheme) Read(src ByteSource, isBoxed bool, paramType string) (Message, error) {
	return readMessage(src, isBoxed, paramType)
}

func (s *TLScheme) Bare(cons string, fields map[string]any) (Object, error) {
	return Object{Cons: cons, Boxed: false, Fields: fields}, nil
}

func (s *TLScheme) Boxed(cons string, fields map[string]any) (Object, error) {
	return Object{Cons: cons, Boxed: true, Fields: fields}, nil
}

func (s *TLScheme) ReadFromString(data []byte) (Object, error) {
	msg, err := readMessageFromBytes(data)
	if err != nil {
		return Object{}, err
	}
	return toObject(msg), nil
}
