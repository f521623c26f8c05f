//go:build linux

package shadow

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// supportedBits is the number of virtual address bits the shadow covers.
// Accesses at or above 1<<supportedBits are dropped by the maps.
const supportedBits = 48

// mapShadow reserves n bytes of zeroed shadow memory.
//
// The mapping is private, anonymous and NORESERVE: the kernel hands out
// physical pages only as slots are touched, so multi-terabyte reservations
// cost address space, not RAM. Transparent huge pages are disabled on the
// range — a 2 MiB backing page would smear one thread's first touch across
// 512 logical pages and blunt the per-page attribution.
func mapShadow(n uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(n),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d byte shadow fragment: %w", n, err)
	}
	// Best effort: kernels built without THP return EINVAL here.
	_ = unix.Madvise(b, unix.MADV_NOHUGEPAGE)
	return b, nil
}

// unmapShadow returns a reservation to the kernel at teardown.
func unmapShadow(b []byte) error {
	return unix.Munmap(b)
}
