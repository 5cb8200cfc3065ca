package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/sakif/coderunner/internal/stream"
)

// renderer prints a stream to a terminal. stdout and stderr events carry the
// whole output so far, so only the part not printed yet is written.
type renderer struct {
	stdout, stderr io.Writer
	verbose        bool

	printedOut string
	printedErr string
	exitCode   *int
}

func (r *renderer) handle(ev stream.Event) error {
	switch ev.Type {
	case stream.EventConnected:
		if r.verbose {
			fmt.Fprintf(r.stderr, "==> following %s\n", ev.ExecutionID)
		}
	case stream.EventStatus:
		if r.verbose {
			fmt.Fprintf(r.stderr, "==> %s\n", ev.Status)
		}
	case stream.EventStdout:
		if ev.Data != nil {
			r.printedOut = writeNew(r.stdout, r.printedOut, *ev.Data)
		}
	case stream.EventStderr:
		if ev.Data != nil {
			r.printedErr = writeNew(r.stderr, r.printedErr, *ev.Data)
		}
	case stream.EventExitCode:
		r.exitCode = ev.ExitCode
	case stream.EventDone:
		if r.verbose {
			fmt.Fprintf(r.stderr, "==> %s\n", ev.Status)
		}
	}
	return nil
}

// result turns the recorded exit code into the command's error.
func (r *renderer) result() error {
	if r.exitCode != nil && *r.exitCode != 0 {
		return &exitCodeError{code: *r.exitCode}
	}
	return nil
}

// writeNew writes the suffix of snapshot that extends printed. A snapshot that
// does not extend it is a different message and is written whole.
func writeNew(w io.Writer, printed, snapshot string) string {
	if strings.HasPrefix(snapshot, printed) {
		_, _ = io.WriteString(w, snapshot[len(printed):])
		return snapshot
	}
	_, _ = io.WriteString(w, snapshot)
	if !strings.HasSuffix(snapshot, "\n") {
		_, _ = io.WriteString(w, "\n")
	}
	return printed
}
