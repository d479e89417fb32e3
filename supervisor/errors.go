package supervisor

import "errors"

// Error kinds named in spec.md §7. BundleIO, BundleUnsafe, ConfigMissing,
// and ConfigMalformed are surfaced by the bundle/config packages directly
// and wrapped here only for the ones the supervisor itself originates.
var (
	ErrTempDirFailed    = errors.New("supervisor: temp directory allocation failed")
	ErrPortExhausted    = errors.New("supervisor: port exhausted")
	ErrChildSpawnFailed = errors.New("supervisor: child spawn failed")
	ErrProbeTimeout     = errors.New("supervisor: probe timeout")
)
