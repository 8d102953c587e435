// Package excludes composes the exclude list handed to the sync primitive.
package excludes

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/tis24dev/snapkeep/internal/logging"
)

// DefaultDiscoveryTimeout bounds the content-index query.
const DefaultDiscoveryTimeout = 60 * time.Second

// RootSafetyPatterns keep virtual, volatile and mounted trees out of a
// backup of "/". They are anchored at the transfer root.
var RootSafetyPatterns = []string{
	"/dev/*",
	"/proc/*",
	"/sys/*",
	"/run/*",
	"/tmp/*",
	"/mnt/*",
	"/media/*",
	"/lost+found",
	"/Volumes/*",
	"/private/var/vm/*",
	"/System/Volumes/*",
	"/.Spotlight-V100",
	"/.fseventsd",
}

// Source labels recorded in the manifest.
const (
	SourceRootSafety = "root-safety"
	SourceAliases    = "alias-discovery"
	SourceFilePrefix = "file:"
)

// CommandRunner executes system commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Context describes the sync pass an exclude set is built for.
type Context struct {
	Source          string
	IsRoot          bool
	DiscoverAliases bool
	ExcludeFile     string
}

// Builder composes exclude sets.
type Builder struct {
	logger   *logging.Logger
	runner   CommandRunner
	lookPath func(string) (string, error)
	timeout  time.Duration
}

// NewBuilder creates a builder. runner executes the alias discovery query.
func NewBuilder(logger *logging.Logger, runner CommandRunner) *Builder {
	return &Builder{
		logger:   logger,
		runner:   runner,
		lookPath: exec.LookPath,
		timeout:  DefaultDiscoveryTimeout,
	}
}

// SetDiscoveryTimeout overrides the alias discovery deadline.
func (b *Builder) SetDiscoveryTimeout(d time.Duration) {
	if d > 0 {
		b.timeout = d
	}
}

// Build merges root safety excludes, discovered alias files and the user
// exclude file, in that order, dropping duplicates. Discovery failures
// degrade to nothing; an unreadable exclude file is an error.
func (b *Builder) Build(ctx context.Context, c Context) (*Set, error) {
	set := &Set{seen: make(map[string]struct{})}

	if c.IsRoot {
		set.add(SourceRootSafety, RootSafetyPatterns)
		b.logger.Debug("Source is filesystem root: added %d safety excludes", len(RootSafetyPatterns))
	}

	if c.DiscoverAliases {
		aliases := b.discoverAliases(ctx, c.Source)
		if len(aliases) > 0 {
			set.add(SourceAliases, aliases)
			b.logger.Info("Excluding %d alias file(s) found under %s", len(aliases), c.Source)
		}
	} else {
		b.logger.Skip("Alias discovery disabled")
	}

	if c.ExcludeFile != "" {
		patterns, err := ReadPatternFile(c.ExcludeFile)
		if err != nil {
			return nil, err
		}
		set.add(SourceFilePrefix+c.ExcludeFile, patterns)
		b.logger.Debug("Loaded %d pattern(s) from %s", len(patterns), c.ExcludeFile)
	}

	return set, nil
}

// discoverAliases asks Spotlight for alias files under source and returns
// them as patterns anchored at the transfer root. Any failure yields nil.
func (b *Builder) discoverAliases(ctx context.Context, source string) []string {
	if _, err := b.lookPath("mdfind"); err != nil {
		b.logger.Skip("Alias discovery unavailable: mdfind not found")
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := logging.DebugStart(b.logger, "alias discovery", "source=%s", source)
	out, err := b.runner.Run(qctx, "mdfind", "-onlyin", source, "kMDItemKind == 'Alias'")
	done(err)
	if err != nil {
		if errors.Is(qctx.Err(), context.DeadlineExceeded) {
			b.logger.Warning("Alias discovery timed out after %s; continuing without alias excludes", b.timeout)
		} else {
			b.logger.Warning("Alias discovery failed: %v; continuing without alias excludes", err)
		}
		return nil
	}

	root := filepath.Clean(source)
	var patterns []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rel, err := filepath.Rel(root, line)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		patterns = append(patterns, "/"+EscapePattern(filepath.ToSlash(rel)))
	}
	sort.Strings(patterns)
	return patterns
}

// ReadPatternFile loads one pattern per line, skipping blanks and comments.
func ReadPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}
		patterns = append(patterns, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read exclude file %s: %w", path, err)
	}
	return patterns, nil
}

// EscapePattern escapes rsync wildcard characters so a literal path
// matches only itself.
func EscapePattern(p string) string {
	if !strings.ContainsAny(p, `*?[\`) {
		return p
	}
	var sb strings.Builder
	for _, r := range p {
		switch r {
		case '*', '?', '[', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Set is an ordered, duplicate-free list of exclude patterns.
type Set struct {
	patterns []string
	sources  []string
	seen     map[string]struct{}
}

func (s *Set) add(source string, patterns []string) {
	for _, p := range patterns {
		if _, dup := s.seen[p]; dup {
			continue
		}
		s.seen[p] = struct{}{}
		s.patterns = append(s.patterns, p)
	}
	s.sources = append(s.sources, source)
}

// Patterns returns the patterns in composition order.
func (s *Set) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// Sources returns which inputs contributed to the set.
func (s *Set) Sources() []string {
	return append([]string(nil), s.sources...)
}

// Len returns the number of patterns.
func (s *Set) Len() int {
	return len(s.patterns)
}

// Digest is the hex BLAKE2b-256 of the newline-joined patterns. Equal sets
// built in the same order always yield the same digest.
func (s *Set) Digest() string {
	sum := blake2b.Sum256([]byte(strings.Join(s.patterns, "\n")))
	return hex.EncodeToString(sum[:])
}

// WriteFile stores the set in --exclude-from format.
func (s *Set) WriteFile(path string) error {
	var sb strings.Builder
	for _, p := range s.patterns {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write exclude list %s: %w", path, err)
	}
	return nil
}
