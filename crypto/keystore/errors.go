package keystore

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a StorageError.
type ErrorKind int

const (
	// WriteFailed means the backend rejected a write or removal.
	WriteFailed ErrorKind = iota + 1
	// VerificationFailed means a write was accepted but did not read back identically.
	// The record has been removed again.
	VerificationFailed
	// ReadFailed means the backend could not be read.
	ReadFailed
)

var (
	ErrWriteFailed        = errors.New("secure store write failed")
	ErrVerificationFailed = errors.New("secure store verification failed")
	ErrReadFailed         = errors.New("secure store read failed")
)

func (k ErrorKind) String() string {
	switch k {
	case WriteFailed:
		return "write failed"
	case VerificationFailed:
		return "verification failed"
	case ReadFailed:
		return "read failed"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case WriteFailed:
		return ErrWriteFailed
	case VerificationFailed:
		return ErrVerificationFailed
	case ReadFailed:
		return ErrReadFailed
	default:
		return nil
	}
}

// StorageError describes a failed secure store operation.
type StorageError struct {
	Op   string
	Key  string
	Kind ErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("keystore %s", e.Op)
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is match a StorageError against ErrWriteFailed, ErrVerificationFailed and ErrReadFailed.
func (e *StorageError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}
