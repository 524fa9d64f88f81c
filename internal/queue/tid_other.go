//go:build !linux

package queue

import "os"

func threadID() int {
	return os.Getpid()
}
