// Package session establishes the helper's terminal session: it allocates a
// pseudo-terminal pair and starts a detached session leader that holds the
// slave side as its controlling terminal.
//
// Go cannot fork without exec, so the two-process shape is produced by
// re-executing the current binary: the launcher process allocates the pty,
// spawns itself with Setsid+Setctty so the child acquires the slave as its
// controlling terminal, reports the child's PID on stdout, and exits.
// The terminal master is inherited by the child at a fixed descriptor
// number; the child dials the supervisor socket itself, so the socket's
// peer credentials identify the session child and not the short-lived
// launcher.
package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// ChildArg is the internal argv[1] marker selecting the session-child entry
// point on re-exec. It is not part of the public command-line surface.
const ChildArg = "__fdshare-session-child__"

// Environment variables carrying launcher options into the re-exec'd child.
const (
	EnvAckFailures = "FDSHARE_ACK_FAILURES"
	EnvRedirect    = "FDSHARE_REDIRECT_DIAGNOSTICS"
	EnvLogLevel    = "FDSHARE_LOG_LEVEL"
)

// childMasterFD is the descriptor number at which the child inherits the
// terminal master via ExtraFiles. Stdin (fd 0) is the pty slave, which
// Setctty binds as the controlling terminal.
const childMasterFD = 3

// Options are the helper settings the child needs after re-exec.
type Options struct {
	// AckFailures makes the request loop send a FAIL token on open errors
	// instead of staying silent.
	AckFailures bool

	// RedirectDiagnostics rewires the child's stdout and stderr onto the
	// descriptor socket once the handshake completes, so diagnostics
	// reach the supervisor instead of being lost.
	RedirectDiagnostics bool

	// LogLevel is the slog level name for the child's logger.
	LogLevel string
}

// Spawn allocates a pseudo-terminal pair and starts the current binary as a
// detached session leader with the slave as its controlling terminal. The
// socket name is forwarded so the child can perform the handshake itself.
// Returns the child's PID.
//
// On return the launcher holds no terminal descriptors: both sides of the
// pair are closed locally (the child owns its inherited copies). Becoming a
// session leader is a once-per-process, irreversible step, which is why it
// happens in a fresh process rather than in the launcher.
func Spawn(socketName string, opts Options) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving executable path: %w", err)
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return 0, fmt.Errorf("allocating pseudo-terminal: %w", err)
	}

	cmd := exec.Command(exe, ChildArg, socketName)
	cmd.Stdin = tty
	// The launcher's stdout is reserved for the PID greeting; child
	// diagnostics go to stderr until the handshake redirects them.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{ptmx}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // stdin, the pty slave
	}
	cmd.Env = append(os.Environ(),
		boolEnv(EnvAckFailures, opts.AckFailures),
		boolEnv(EnvRedirect, opts.RedirectDiagnostics),
		EnvLogLevel+"="+opts.LogLevel,
	)

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return 0, fmt.Errorf("starting session child: %w", err)
	}

	// The child owns its inherited copies; drop ours. The launcher's only
	// remaining job is reporting the child's identity.
	tty.Close()
	ptmx.Close()

	return cmd.Process.Pid, nil
}

// ReportPID writes the PID greeting to w. The format (no trailing newline)
// is fixed by the peer, which pattern-matches it out of possibly noisy
// process output.
func ReportPID(w io.Writer, pid int) error {
	_, err := fmt.Fprintf(w, "PID:%d", pid)
	return err
}

// IsChild reports whether argv selects the session-child entry point.
func IsChild(args []string) bool {
	return len(args) > 1 && args[1] == ChildArg
}

// ChildSocketName extracts the socket name forwarded by Spawn. Called only
// when IsChild is true.
func ChildSocketName(args []string) (string, error) {
	if len(args) < 3 || args[2] == "" {
		return "", fmt.Errorf("session child started without a socket name")
	}
	return args[2], nil
}

// InheritedMaster reconstructs the terminal master from the fixed
// descriptor number established by Spawn. Called once in the child.
func InheritedMaster() *os.File {
	return os.NewFile(childMasterFD, "fdshare:ptmx")
}

// OptionsFromEnv recovers the Options passed by the launcher.
func OptionsFromEnv() Options {
	return Options{
		AckFailures:         os.Getenv(EnvAckFailures) == "1",
		RedirectDiagnostics: os.Getenv(EnvRedirect) == "1",
		LogLevel:            os.Getenv(EnvLogLevel),
	}
}

func boolEnv(name string, v bool) string {
	if v {
		return name + "=1"
	}
	return name + "=0"
}
