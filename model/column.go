package model

import (
	"errors"
	"fmt"
	"reflect"
)

// Kind selects the payload granularity a differ tracks.
type Kind uint8

const (
	// KindExistence tracks record identities only.
	KindExistence Kind = iota
	// KindValue tracks one fixed-size value per record.
	KindValue
	// KindShared tracks one interned value per chunk, compared by handle.
	KindShared
	// KindSharedUnmanaged tracks one fixed-size value per chunk, compared by raw bytes.
	KindSharedUnmanaged
)

func (k Kind) String() string {
	switch k {
	case KindExistence:
		return "existence"
	case KindValue:
		return "value"
	case KindShared:
		return "shared"
	case KindSharedUnmanaged:
		return "shared-unmanaged"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "existence":
		return KindExistence, nil
	case "value":
		return KindValue, nil
	case "shared":
		return KindShared, nil
	case "shared-unmanaged":
		return KindSharedUnmanaged, nil
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k <= KindSharedUnmanaged
}

// PerChunk reports whether the payload is stored once per chunk.
func (k Kind) PerChunk() bool {
	return k == KindShared || k == KindSharedUnmanaged
}

// ErrUntrackable is the base error for types that cannot be tracked.
var ErrUntrackable = errors.New("untrackable type")

// UntrackableTypeError reports why a type cannot be tracked.
type UntrackableTypeError struct {
	Type   reflect.Type
	Reason string
}

func (e *UntrackableTypeError) Error() string {
	return fmt.Sprintf("untrackable type %v: %s", e.Type, e.Reason)
}

func (e *UntrackableTypeError) Unwrap() error { return ErrUntrackable }

// ColumnInfo describes a tracked column.
type ColumnInfo struct {
	ID   ColumnID
	Name string
	// Type is the Go type of one value. Nil for KindExistence.
	Type reflect.Type
	// Size is the size of one value in bytes.
	Size int
	Kind Kind
}

// Existence returns the ColumnInfo of an identity-only differ.
func Existence() ColumnInfo {
	return ColumnInfo{Name: "existence", Kind: KindExistence}
}

// ColumnOf builds and validates a ColumnInfo for values of type T.
func ColumnOf[T any](id ColumnID, name string, kind Kind) (ColumnInfo, error) {
	c := ColumnInfo{
		ID:   id,
		Name: name,
		Type: reflect.TypeFor[T](),
		Kind: kind,
	}
	c.Size = int(c.Type.Size())
	if err := c.Validate(); err != nil {
		return ColumnInfo{}, err
	}
	return c, nil
}

// PayloadSize returns the number of payload bytes per payload slot.
// For per-record kinds a slot is one record, for per-chunk kinds one chunk.
func (c ColumnInfo) PayloadSize() int {
	switch c.Kind {
	case KindValue, KindSharedUnmanaged:
		return c.Size
	case KindShared:
		return HandleSize
	default:
		return 0
	}
}

// TypeName returns a stable name of the tracked type.
func (c ColumnInfo) TypeName() string {
	if c.Type == nil {
		return ""
	}
	return c.Type.String()
}

// Validate checks that the column can be tracked.
func (c ColumnInfo) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind %d", ErrUntrackable, c.Kind)
	}
	if c.Kind == KindExistence {
		return nil
	}
	if c.Type == nil {
		return fmt.Errorf("%w: column %q has no type", ErrUntrackable, c.Name)
	}
	if err := ValidateType(c.Type); err != nil {
		return err
	}
	if c.Size != int(c.Type.Size()) {
		return &UntrackableTypeError{Type: c.Type, Reason: fmt.Sprintf("size %d does not match type size %d", c.Size, c.Type.Size())}
	}
	return nil
}

// ValidateType reports whether values of t have a fixed, pointer-free layout
// that can be copied and compared as raw bytes.
func ValidateType(t reflect.Type) error {
	if t == nil {
		return fmt.Errorf("%w: nil type", ErrUntrackable)
	}
	return validateType(t, t)
}

func validateType(root, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return validateType(root, t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := validateType(root, t.Field(i).Type); err != nil {
				return err
			}
		}
		return nil
	default:
		return &UntrackableTypeError{Type: root, Reason: fmt.Sprintf("contains %s", t.Kind())}
	}
}
