// Package cmdpipe implements the administrative command channel: a
// named pipe the operator writes line commands into, independent of
// the client wire protocol. Unlike the HTTP transport this is not
// authenticated: it is reachable only by whoever has filesystem access
// to the pipe.
package cmdpipe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// CommandKind tags one administrative command line.
type CommandKind string

const (
	// CmdReopenLog asks the server to reopen its log file. targetflowd
	// only logs the request and leaves the file to external log rotation.
	CmdReopenLog CommandKind = "reopen_log"
	// CmdReadOnly toggles the server between read-only and read-write.
	CmdReadOnly CommandKind = "read_only"
	// CmdShutdown requests a graceful shutdown.
	CmdShutdown CommandKind = "shutdown"
)

// Command is one parsed line from the pipe.
type Command struct {
	Kind CommandKind
	Arg  string
}

// Handler reacts to one parsed Command. Run discards the returned error;
// it never kills the reader loop, since a malformed or unsupported
// admin line shouldn't take down the server.
type Handler func(ctx context.Context, cmd Command) error

// Open opens the existing named pipe at path, truncating nothing: FIFOs
// have no contents to truncate, only readers and writers. It does not
// create the FIFO and rejects a path that is missing or is not a named
// pipe; the caller must have already created it via mkfifo or an
// equivalent.
func Open(path string) (*os.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cmdpipe: stat %q: %w", path, err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("cmdpipe: %q is not a named pipe", path)
	}
	// O_RDWR (rather than O_RDONLY) keeps the read side open across
	// writer churn: a FIFO opened read-only sees EOF every time the last
	// writer closes, which would otherwise require re-opening the pipe
	// in a loop.
	f, err := os.OpenFile(path, os.O_RDWR, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("cmdpipe: open %q: %w", path, err)
	}
	return f, nil
}

// Run reads newline-delimited commands from f until ctx is canceled or
// the pipe returns a non-EOF read error, dispatching each to handle.
// Blank lines and lines starting with '#' are ignored.
func Run(ctx context.Context, f *os.File, handle Handler) error {
	lines := make(chan string)
	errs := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errs <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-errs
			}
			cmd, ok := parseLine(line)
			if !ok {
				continue
			}
			_ = handle(ctx, cmd)
		}
	}
}

func parseLine(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Command{}, false
	}
	fields := strings.SplitN(line, " ", 2)
	kind := CommandKind(fields[0])
	var arg string
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	switch kind {
	case CmdReopenLog, CmdReadOnly, CmdShutdown:
		return Command{Kind: kind, Arg: arg}, true
	default:
		return Command{}, false
	}
}
