//go:build unix

package resource

import "golang.org/x/sys/unix"

// lowerProcessPriority renices the current process to a background-friendly
// level. Raising priority back requires privileges, so this is one-way.
func lowerProcessPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, 10)
}
