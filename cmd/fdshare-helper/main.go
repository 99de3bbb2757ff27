// fdshare-helper - privileged descriptor helper
//
// This binary is launched (typically with elevated privileges) by a
// supervisor that cannot open certain files itself. It runs in two phases,
// as two processes:
//
//  1. Launcher: allocates a pseudo-terminal pair, re-executes itself as a
//     detached session child holding the slave as controlling terminal,
//     writes "PID:<n>" to stdout for the supervisor, and exits.
//  2. Session child: connects to the supervisor's abstract Unix socket,
//     sends the terminal master descriptor tagged READY, waits for the GO
//     acknowledgment on its controlling terminal, then serves open-by-path
//     requests forever, forwarding each opened descriptor over the socket.
//
// The helper serves exactly one peer and is terminated externally: closing
// the terminal master on the supervisor side hangs up the session. Fatal
// errors exit with the underlying OS error number, matching the historical
// helper's contract.
//
// Invocation: fdshare-helper [-config path] <socket-name>
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fdshare/fdshare/internal/config"
	"github.com/fdshare/fdshare/internal/helper"
	"github.com/fdshare/fdshare/internal/logging"
	"github.com/fdshare/fdshare/internal/session"
	"github.com/fdshare/fdshare/internal/version"
)

func main() {
	if session.IsChild(os.Args) {
		os.Exit(runChild())
	}
	os.Exit(runLauncher())
}

// runLauncher is phase one: terminal bootstrap and PID hand-off. Its only
// outputs are the PID greeting on stdout and the exit status.
func runLauncher() int {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return 0
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		return 1
	}

	logger := logging.WithComponent(logging.SetupLogger(cfg.LogLevel), "launcher")

	socketName := flag.Arg(0)
	if socketName == "" {
		socketName = cfg.SocketName
	}
	if socketName == "" {
		fmt.Fprintln(os.Stderr, "usage: fdshare-helper [-config path] <socket-name>")
		return 2
	}

	pid, err := session.Spawn(socketName, session.Options{
		AckFailures:         cfg.AckFailures,
		RedirectDiagnostics: cfg.RedirectDiagnostics,
		LogLevel:            cfg.LogLevel,
	})
	if err != nil {
		return fatal(logger, "terminal session bootstrap failed", err)
	}

	if err := session.ReportPID(os.Stdout, pid); err != nil {
		return fatal(logger, "reporting session child PID failed", err)
	}

	// Hand-off complete; the session child carries the protocol from here.
	return 0
}

// runChild is phase two: the detached session leader that performs the
// handshake and serves the request loop until externally terminated.
func runChild() int {
	opts := session.OptionsFromEnv()
	logger := logging.WithComponent(logging.SetupLogger(opts.LogLevel), "helper")

	socketName, err := session.ChildSocketName(os.Args)
	if err != nil {
		return fatal(logger, "session child misconfigured", err)
	}

	conn, err := helper.Dial(socketName)
	if err != nil {
		return fatal(logger, "connect to supervisor failed", err)
	}

	sock, err := conn.File()
	if err != nil {
		return fatal(logger, "resolving socket descriptor failed", err)
	}

	h := &helper.Helper{
		Conn:        conn,
		Control:     bufio.NewReader(os.Stdin),
		Log:         logger,
		AckFailures: opts.AckFailures,
	}

	master := session.InheritedMaster()
	if err := h.Handshake(master, sock, opts.RedirectDiagnostics); err != nil {
		return fatal(logger, "handshake failed", err)
	}

	// Serves until a fatal protocol or IO error; a clean exit does not
	// exist, the supervisor hangs up the controlling terminal when done.
	err = h.Loop()
	return fatal(logger, "request loop terminated", err)
}

// fatal logs a structured diagnostic, mirrors it as plain text on stderr
// for peers that only capture the raw error stream, and returns the
// process exit status (the OS error number where one is known).
func fatal(logger *slog.Logger, msg string, err error) int {
	code := helper.ExitCode(err)
	logger.Error(msg,
		slog.String("error", err.Error()),
		slog.Int("exit_code", code),
	)
	fmt.Fprintf(os.Stderr, "Error: %s - %v\n", msg, err)
	return code
}
