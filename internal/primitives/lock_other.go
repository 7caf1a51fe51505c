//go:build !unix

package primitives

func lockMemory(b []byte) error { return nil }

func unlockMemory(b []byte) {}
