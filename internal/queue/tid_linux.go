//go:build linux

package queue

import "golang.org/x/sys/unix"

func threadID() int {
	return unix.Gettid()
}
