//go:build unix

package workqueue

import "golang.org/x/sys/unix"

// applyBelowNormalPriority lowers the calling OS thread's scheduling
// priority so the processing pool (segment encode, backend I/O) never
// starves the request pool under load (§4.H). Go does not pin
// goroutines to OS threads, so this is a best-effort nice() on the
// process: it is only meaningful because the processing pool's workers
// are long-lived goroutines that spend the overwhelming majority of
// their time running, making them likely (though not guaranteed) to
// stay on dedicated OS threads.
func applyBelowNormalPriority(belowNormal bool) {
	if !belowNormal {
		return
	}

	// Failure is non-fatal: scheduling priority is a latency hint, not
	// a correctness requirement.
	_ = unix.Setpriority(unix.PRIO_PROCESS, 0, 10)
}
