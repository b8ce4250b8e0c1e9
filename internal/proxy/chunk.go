package proxy

const (
	kib = 1 << 10
	mib = 1 << 20
)

// ChunkSize picks the pump buffer size for a transfer. Small files get
// small buffers so progress updates stay granular; large files trade
// granularity for syscall count.
func ChunkSize(size int64) int {
	switch {
	case size < 0:
		return 128 * kib
	case size < 1*mib:
		return 32 * kib
	case size < 32*mib:
		return 128 * kib
	case size < 256*mib:
		return 512 * kib
	default:
		return 2 * mib
	}
}
