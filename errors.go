package imgcache

import (
	"errors"
	"fmt"
)

var (
	ErrTransport = errors.New("imgcache: transport failed")
	ErrDecode    = errors.New("imgcache: decode failed")
	ErrNoRemote  = errors.New("imgcache: no remote ref given")
)

// Stage names the step of a resolution that failed.
type Stage string

const (
	StageNetwork Stage = "network"
	StageDecode  Stage = "decode"
)

// FetchError is the only error Resolve returns. Disk-tier failures never
// surface: they are logged and the engine falls through to the network.
type FetchError struct {
	Locator string
	Stage   Stage
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("imgcache: %s %s: %v", e.Stage, e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrTransport and ErrDecode by stage.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Stage == StageNetwork
	case ErrDecode:
		return e.Stage == StageDecode
	}
	return false
}
