package memory

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// AllocArena maps an anonymous, lazily-backed region of length bytes for
// guest RAM or a mediated-I/O ring. MAP_NORESERVE keeps a large VM's
// configured-but-untouched RAM from charging the host's commit limit up
// front; pages materialise on first write, which is also when
// dirty-tracking first sees them.
func AllocArena(length uint64) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "memory: mmap %d-byte arena", length)
	}
	return b, nil
}

// FreeArena releases an arena previously returned by AllocArena.
func FreeArena(b []byte) error {
	if b == nil {
		return nil
	}
	return errors.Wrap(unix.Munmap(b), "memory: munmap arena")
}
