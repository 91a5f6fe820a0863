//go:build !linux && !darwin

package membudget

// RAM detection is unsupported here; the default budget applies.
func totalSystemMemory() (uint64, bool) {
	return 0, false
}
