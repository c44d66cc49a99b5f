//go:build !linux

package ws

func raiseFileLimit(uint64) {}
