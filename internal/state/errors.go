package state

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration          = errors.New("configuration error")
	ErrSchemaVersion          = errors.New("incompatible session version")
	ErrMissingSection         = errors.New("missing session section")
	ErrMissingAsset           = errors.New("missing asset")
	ErrSampleRateMismatch     = errors.New("sample rate mismatch")
	ErrEngineOffline          = errors.New("audio engine is not running")
	ErrCancelled              = errors.New("cancelled")
	ErrPortRegistration       = errors.New("port registration failed")
	ErrProcessorConfiguration = errors.New("processor configuration failed")
	ErrProgramVersion         = errors.New("session written by a newer program version")
)

// MissingSectionError names the mandatory section that was absent.
type MissingSectionError struct {
	Section string
}

func (e *MissingSectionError) Error() string {
	return fmt.Sprintf("session file has no %s section", e.Section)
}

func (e *MissingSectionError) Is(target error) bool {
	return target == ErrMissingSection
}

// VersionError is returned for documents written in a newer format.
type VersionError struct {
	Found     int
	Supported int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("session version %d is newer than supported version %d", e.Found, e.Supported)
}

func (e *VersionError) Unwrap() error {
	return ErrSchemaVersion
}

func missing(section string) error {
	return &MissingSectionError{Section: section}
}
