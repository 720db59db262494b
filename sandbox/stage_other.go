//go:build !linux

package sandbox

// Init is a no-op where the process sandbox is unsupported
func Init() {}
