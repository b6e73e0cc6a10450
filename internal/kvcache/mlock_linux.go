//go:build linux

package kvcache

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LockMemory pins the cache backing array into RAM so page faults never land
// in the decode hot loop. Requires RLIMIT_MEMLOCK headroom.
func (c *PageCache) LockMemory() error {
	if c.locked || len(c.data) == 0 {
		return nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&c.data[0])), len(c.data)*4)
	if err := unix.Mlock(buf); err != nil {
		return fmt.Errorf("kvcache: mlock %d bytes: %w", len(buf), err)
	}
	c.locked = true
	return nil
}

// UnlockMemory releases a previous LockMemory pin.
func (c *PageCache) UnlockMemory() error {
	if !c.locked || len(c.data) == 0 {
		return nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&c.data[0])), len(c.data)*4)
	if err := unix.Munlock(buf); err != nil {
		return fmt.Errorf("kvcache: munlock: %w", err)
	}
	c.locked = false
	return nil
}
