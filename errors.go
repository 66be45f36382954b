package chunkdiff

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/hupe1980/chunkdiff/internal/arena"
	"github.com/hupe1980/chunkdiff/internal/checkpoint"
	"github.com/hupe1980/chunkdiff/internal/keytable"
	"github.com/hupe1980/chunkdiff/internal/resource"
	"github.com/hupe1980/chunkdiff/model"
)

var (
	// ErrInvalidArgument is returned when a differ is constructed for a column
	// it cannot track.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTypeMismatch is returned when change set payload is read as a type
	// other than the tracked one.
	ErrTypeMismatch = errors.New("payload type mismatch")

	// ErrReleased is returned when reading a released change set.
	ErrReleased = errors.New("change set released")

	// ErrClosed is returned when using a closed differ.
	ErrClosed = errors.New("differ closed")

	// ErrCorruptCheckpoint is returned for truncated or tampered checkpoints.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrColumnMismatch is returned when restoring a checkpoint that was
	// written for a different column.
	ErrColumnMismatch = errors.New("checkpoint column mismatch")

	// ErrMemoryLimit is returned when shadow storage would exceed the
	// configured memory limit. The differ state is left untouched.
	ErrMemoryLimit = resource.ErrMemoryLimitExceeded
)

// UntrackableTypeError reports a column type that cannot be tracked.
type UntrackableTypeError = model.UntrackableTypeError

// TypeMismatchError reports a payload read with the wrong type.
//
// It unwraps to ErrTypeMismatch.
type TypeMismatchError struct {
	Want reflect.Type
	Got  reflect.Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("payload type mismatch: tracked %v, requested %v", e.Want, e.Got)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// ColumnMismatchError reports a checkpoint written for another column.
//
// It unwraps to ErrColumnMismatch.
type ColumnMismatchError struct {
	Want checkpoint.Column
	Got  checkpoint.Column
}

func (e *ColumnMismatchError) Error() string {
	return fmt.Sprintf("checkpoint column mismatch: differ tracks %d/%s/%s, checkpoint holds %d/%s/%s",
		e.Want.ID, e.Want.Kind, e.Want.TypeName, e.Got.ID, e.Got.Kind, e.Got.TypeName)
}

func (e *ColumnMismatchError) Unwrap() error { return ErrColumnMismatch }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrUntrackable):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, checkpoint.ErrCorrupt), errors.Is(err, keytable.ErrInvalidImage):
		return fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	case errors.Is(err, arena.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, arena.ErrMaxPagesExceeded):
		return fmt.Errorf("%w: %w", ErrMemoryLimit, err)
	}
	return err
}
