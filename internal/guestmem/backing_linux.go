package guestmem

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// hostMapping tracks the raw mmap so Remove can unmap it and balloon advice
// can reach the kernel.
type hostMapping struct {
	mem  []byte
	file *os.File
}

type adviseKind int

const (
	adviseReclaim adviseKind = iota
	adviseRestore
)

// mapHostMemory obtains host storage for one guest RAM region. Hugepage and
// file backing share the mmap path with different flags; translation above
// never needs to know which was used.
func mapHostMemory(size uint64, backing BackingConfig) (*hostMapping, []byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE

	flags := unix.MAP_PRIVATE
	if backing.Share {
		flags = unix.MAP_SHARED
	}
	if backing.Prealloc {
		flags |= unix.MAP_POPULATE
	}

	var file *os.File

	switch backing.Kind {
	case BackingAnonymous:
		flags |= unix.MAP_ANONYMOUS | unix.MAP_NORESERVE

	case BackingHugepage:
		if backing.Path == "" {
			// No hugetlbfs path given; ask for huge pages directly.
			flags |= unix.MAP_ANONYMOUS | unix.MAP_HUGETLB
			break
		}
		fallthrough

	case BackingFile:
		if backing.Path == "" {
			return nil, nil, fmt.Errorf("file backing requires a mem-path")
		}
		f, err := openBackingFile(backing.Path, size)
		if err != nil {
			return nil, nil, err
		}
		file = f
		// File-backed guest RAM is shared so that the file contents stay
		// coherent with the guest's view.
		flags = unix.MAP_SHARED
		if backing.Prealloc {
			flags |= unix.MAP_POPULATE
		}
	}

	fd := -1
	if file != nil {
		fd = int(file.Fd())
	}

	mem, err := unix.Mmap(fd, 0, int(size), prot, flags)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, nil, fmt.Errorf("mmap %d bytes (%s): %w", size, backing.Kind, err)
	}

	return &hostMapping{mem: mem, file: file}, mem, nil
}

// openBackingFile creates (or opens) the region's backing file and sizes it.
// A directory path (the usual hugetlbfs mount case) gets an unlinked
// temporary file inside it.
func openBackingFile(path string, size uint64) (*os.File, error) {
	fi, err := os.Stat(path)
	if err == nil && fi.IsDir() {
		f, err := os.CreateTemp(path, "vireo-mem-*")
		if err != nil {
			return nil, fmt.Errorf("create mem file in %s: %w", path, err)
		}
		// Unlink immediately; the mapping keeps it alive.
		os.Remove(f.Name())
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size mem file: %w", err)
		}
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mem-path parent: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open mem-path %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size mem-path %s: %w", path, err)
	}
	return f, nil
}

func unmapHostMemory(m *hostMapping) {
	if m == nil {
		return
	}
	if m.mem != nil {
		_ = unix.Munmap(m.mem)
		m.mem = nil
	}
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
}

// adviseHostMemory applies balloon advice to a sub-range of a mapping.
// Reclaim drops the backing pages; restore is a hint that the range will be
// used again.
func adviseHostMemory(m *hostMapping, off, length uint64, kind adviseKind) error {
	if m == nil || m.mem == nil {
		return fmt.Errorf("region is not mapped")
	}
	sub := m.mem[off : off+length]
	switch kind {
	case adviseReclaim:
		// MADV_DONTNEED on a file-shared mapping would not release anything;
		// MADV_REMOVE punches a hole in the file instead.
		if m.file != nil {
			if err := unix.Madvise(sub, unix.MADV_REMOVE); err != nil {
				return fmt.Errorf("madvise remove: %w", err)
			}
			return nil
		}
		if err := unix.Madvise(sub, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("madvise dontneed: %w", err)
		}
		return nil
	case adviseRestore:
		if err := unix.Madvise(sub, unix.MADV_WILLNEED); err != nil {
			return fmt.Errorf("madvise willneed: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown advise kind %d", kind)
}
