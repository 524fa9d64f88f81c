//go:build !linux

package sampling

import "time"

var start = time.Now()

func monotonicNS() uint64 {
	return uint64(time.Since(start).Nanoseconds())
}
