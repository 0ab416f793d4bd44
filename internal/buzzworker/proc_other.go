//go:build !linux

package buzzworker

func processRSSBytes() (uint64, bool) { return 0, false }
