package oniri

import "time"
import "golang.org/x/sys/unix"

var process_start time.Time = time.Now()

func monotonic_time() uint64 {
	var uts unix.Timespec
	var err error

	err = unix.ClockGettime(unix.CLOCK_MONOTONIC, &uts)
	if err != nil {
		// time.Since uses the monotonic clock reading embedded in time.Time
		return uint64(time.Since(process_start).Nanoseconds())
	}
	return uint64(uts.Nano())
}

func monotonic_since(start uint64) time.Duration {
	var now uint64
	now = monotonic_time()
	if now < start { return 0 }
	return time.Duration(now - start)
}
