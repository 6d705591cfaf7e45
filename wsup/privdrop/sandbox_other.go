//go:build !linux

package privdrop

// installSandbox is a no-op on platforms without a supported sandbox call.
// It returns nil, so Drop records no warning for the missing sandbox.
func installSandbox() error {
	return nil
}
