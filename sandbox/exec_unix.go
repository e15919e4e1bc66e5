package sandbox

import "golang.org/x/sys/unix"

// syscallExec replaces the current process image, the primitive behind
// Execv's "run-shell" interactive mode.
func syscallExec(path string, argv, envv []string) error {
	return unix.Exec(path, argv, envv)
}
