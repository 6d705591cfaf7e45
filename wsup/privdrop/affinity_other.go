//go:build !linux

package privdrop

// setAffinity is a no-op on platforms without a native cpu-pinning call.
// It returns nil, so nothing is logged for the skipped pinning.
func setAffinity(cpu int) error {
	return nil
}
