//go:build !unix

package workqueue

// applyBelowNormalPriority is a no-op on platforms without a POSIX
// nice() equivalent wired up here.
func applyBelowNormalPriority(bool) {}
