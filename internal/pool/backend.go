package pool

import (
	"time"

	"github.com/joao-brasil/l4relay/pkg/backendaddr"
)

// BackendID is the stable identity of a configured backend: host+port.
// It survives reconfiguration as long as the host+port pair is unchanged.
type BackendID = string

// Backend is one upstream target in a Pool's ordered list. All mutable
// fields are only ever touched under the owning Pool's lock.
type Backend struct {
	spec  backendaddr.Spec
	index int // original configured index, stable across rotation

	failureCount  int // 0, 1, or 2
	cooldownUntil time.Time
	lastErr       string
}

func newBackend(spec backendaddr.Spec, index int) *Backend {
	return &Backend{spec: spec, index: index}
}

// ID returns this backend's stable identity.
func (b *Backend) ID() BackendID { return b.spec.Key() }

// Host returns the configured host (domain name or IP literal).
func (b *Backend) Host() string { return b.spec.Host }

// Port returns the configured port.
func (b *Backend) Port() uint16 { return b.spec.Port }

// Addr returns the host:port dial string.
func (b *Backend) Addr() string { return b.spec.Addr() }

// Snapshot is an immutable observational copy of one backend's state, for
// the Service Manager's status surface.
type Snapshot struct {
	Host          string
	Port          uint16
	OriginalIndex int
	Position      int
	FailureCount  int
	CooldownUntil time.Time // zero value means "none"
	LastError     string
}
