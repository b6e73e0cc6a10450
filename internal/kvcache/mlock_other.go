//go:build !linux

package kvcache

// LockMemory is a no-op on platforms without mlock support.
func (c *PageCache) LockMemory() error { return nil }

// UnlockMemory is a no-op on platforms without mlock support.
func (c *PageCache) UnlockMemory() error { return nil }
