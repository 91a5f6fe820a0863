package membudget

// sysMemory is the detected physical memory of the host.
type sysMemory struct {
	TotalBytes uint64
	Reliable   bool
}

func systemMemory() sysMemory {
	total, ok := totalSystemMemory()
	return sysMemory{TotalBytes: total, Reliable: ok && total > 0}
}
