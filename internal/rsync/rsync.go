// Package rsync drives the external rsync binary that copies the source
// tree into a snapshot, hard-linking unchanged files against a link base.
package rsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/pkg/utils"
)

const (
	// DefaultBinary is looked up on PATH.
	DefaultBinary = "rsync"

	// DefaultOptions preserve metadata and make the snapshot an exact mirror.
	DefaultOptions = "-aHAX --numeric-ids --delete --delete-excluded --inplace --no-whole-file --stats"

	// terminateGrace is how long rsync gets to exit after SIGTERM.
	terminateGrace = 30 * time.Second
)

var execCommand = exec.CommandContext

// Request is one sync pass.
type Request struct {
	Source      string
	Destination string
	LinkBase    string
	ExcludeFile string
	Options     []string
}

// Stats are the counters rsync prints with --stats.
type Stats struct {
	Files            int64
	FilesTransferred int64
	TotalSize        int64
	TransferredSize  int64
}

// Result describes a finished sync pass.
type Result struct {
	ExitCode    int
	Command     string
	Duration    time.Duration
	Interrupted bool
	Stats       Stats
}

// ExitError is a sync pass that did not end cleanly: non-zero exit status,
// killed by a signal, or cancelled.
type ExitError struct {
	Code        int
	Interrupted bool
	Err         error
}

func (e *ExitError) Error() string {
	if e.Interrupted {
		return fmt.Sprintf("rsync interrupted: %v", e.Err)
	}
	if meaning := ExitMeaning(e.Code); meaning != "" {
		return fmt.Sprintf("rsync exited with code %d (%s)", e.Code, meaning)
	}
	return fmt.Sprintf("rsync exited with code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Runner invokes rsync.
type Runner struct {
	binary string
	logger *logging.Logger
}

// NewRunner creates a runner for binary; empty selects DefaultBinary.
func NewRunner(binary string, logger *logging.Logger) *Runner {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &Runner{binary: binary, logger: logger}
}

// Binary returns the configured rsync path.
func (r *Runner) Binary() string {
	return r.binary
}

// Args builds the argument list for req. The source always gets a trailing
// slash so its contents, not the directory itself, land in the snapshot.
func (r *Runner) Args(req Request) []string {
	args := append([]string(nil), req.Options...)
	if req.ExcludeFile != "" {
		args = append(args, "--exclude-from="+req.ExcludeFile)
	}
	if req.LinkBase != "" {
		args = append(args, "--link-dest="+req.LinkBase)
	}
	return append(args, withSlash(req.Source), withSlash(req.Destination))
}

// Run executes one pass, streaming every output line into the run log.
// Cancelling ctx sends SIGTERM and waits for rsync to exit.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	args := r.Args(req)
	result := Result{Command: FormatCommand(r.binary, args)}
	r.logger.Info("Command: %s", result.Command)

	cmd := execCommand(ctx, r.binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var wg sync.WaitGroup
	var stats Stats
	wg.Add(1)
	go func() {
		defer wg.Done()
		stats = r.stream(pr)
	}()

	start := time.Now()
	err := cmd.Start()
	if err == nil {
		err = cmd.Wait()
	}
	pw.Close()
	wg.Wait()
	result.Duration = time.Since(start)
	result.Stats = stats

	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		result.Interrupted = true
		result.ExitCode = -1
		return result, &ExitError{Code: -1, Interrupted: true, Err: ctx.Err()}
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Interrupted = true
			return result, &ExitError{Code: -1, Interrupted: true, Err: err}
		}
		return result, &ExitError{Code: result.ExitCode, Err: err}
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("start rsync: %w", err)
	}
}

func (r *Runner) stream(rd io.Reader) Stats {
	var stats Stats
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		r.logger.Transcript(line)
		parseStatsLine(line, &stats)
	}
	// Drain so rsync never blocks on a full pipe after a scanner error.
	_, _ = io.Copy(io.Discard, rd)
	return stats
}

// Version returns the first line of `rsync --version`.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := execCommand(ctx, r.binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", r.binary, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// ParseOptions splits an option string shell-style.
func ParseOptions(s string) ([]string, error) {
	opts, err := utils.SplitFields(s)
	if err != nil {
		return nil, fmt.Errorf("parse rsync options %q: %w", s, err)
	}
	return opts, nil
}

// DropAttributeOptions removes xattr and ACL preservation (-X, -A, --xattrs,
// --acls) and returns the remaining options with the removed ones.
func DropAttributeOptions(opts []string) ([]string, []string) {
	var kept, dropped []string
	for _, opt := range opts {
		switch {
		case opt == "--xattrs" || opt == "--acls":
			dropped = append(dropped, opt)
		case isShortBundle(opt):
			rest := strings.Map(func(r rune) rune {
				if r == 'A' || r == 'X' {
					dropped = append(dropped, "-"+string(r))
					return -1
				}
				return r
			}, opt[1:])
			if rest != "" {
				kept = append(kept, "-"+rest)
			}
		default:
			kept = append(kept, opt)
		}
	}
	return kept, dropped
}

// HasOption reports whether opts enables the long option long or the short
// flag short (alone or inside a bundle).
func HasOption(opts []string, long string, short rune) bool {
	for _, opt := range opts {
		if opt == long {
			return true
		}
		if short != 0 && isShortBundle(opt) && strings.ContainsRune(opt[1:], short) {
			return true
		}
	}
	return false
}

// isShortBundle matches value-less short flag groups such as -aHAX.
func isShortBundle(opt string) bool {
	if len(opt) < 2 || opt[0] != '-' || opt[1] == '-' {
		return false
	}
	for _, r := range opt[1:] {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// FormatCommand renders a command line that can be pasted into a shell.
func FormatCommand(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(binary))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parseStatsLine(line string, stats *Stats) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	n, ok := leadingNumber(value)
	if !ok {
		return
	}
	switch strings.TrimSpace(key) {
	case "Number of files":
		stats.Files = n
	case "Number of regular files transferred", "Number of files transferred":
		stats.FilesTransferred = n
	case "Total file size":
		stats.TotalSize = n
	case "Total transferred file size":
		stats.TransferredSize = n
	}
}

// leadingNumber parses "1,234 bytes" or "42 (reg: 40, dir: 2)".
func leadingNumber(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == ',' || s[end] == '.') {
		end++
	}
	digits := strings.NewReplacer(",", "", ".", "").Replace(s[:end])
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExitMeaning returns the documented meaning of an rsync exit code.
func ExitMeaning(code int) string {
	switch code {
	case 1:
		return "syntax or usage error"
	case 2:
		return "protocol incompatibility"
	case 3:
		return "errors selecting input/output files, dirs"
	case 4:
		return "requested action not supported"
	case 5:
		return "error starting client-server protocol"
	case 10:
		return "error in socket I/O"
	case 11:
		return "error in file I/O"
	case 12:
		return "error in rsync protocol data stream"
	case 20:
		return "received SIGUSR1 or SIGINT"
	case 23:
		return "partial transfer due to error"
	case 24:
		return "partial transfer due to vanished source files"
	case 30:
		return "timeout in data send/receive"
	case 35:
		return "timeout waiting for daemon connection"
	default:
		return ""
	}
}
