// Package tasks replays the operator's file-reorganization commands against
// the output tree.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/tree"
)

// ErrDestinationConflict is returned when a task would overwrite an
// existing path
var ErrDestinationConflict = errors.New("destination already exists")

// Status is the outcome of one task entry
type Status string

const (
	StatusApplied  Status = "applied"
	StatusNoMatch  Status = "no_match"
	StatusConflict Status = "conflict"
	StatusFailed   Status = "failed"
)

// Outcome records what one task entry did
type Outcome struct {
	Index   int
	Command string
	Status  Status
	Matched int
	Applied int
	Errors  []error
}

// Report collects the outcomes of a run in task order
type Report struct {
	Outcomes []Outcome
}

// Count returns the number of entries that ended with status s
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Interpreter executes task commands inside a single root
type Interpreter struct {
	fs       afero.Fs
	logger   *slog.Logger
	recorder metrics.Recorder
}

// New creates an interpreter confined to root
func New(root string, logger *slog.Logger) *Interpreter {
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), root), logger)
}

// NewWithFs creates an interpreter over fsys, whose "/" is the tree root
func NewWithFs(fsys afero.Fs, logger *slog.Logger) *Interpreter {
	return &Interpreter{fs: fsys, logger: logger, recorder: metrics.NoopRecorder{}}
}

// WithRecorder sets the metrics recorder
func (in *Interpreter) WithRecorder(r metrics.Recorder) *Interpreter {
	in.recorder = metrics.OrNoop(r)
	return in
}

// Run executes tasks in order. Every entry is attempted; failures are
// recorded in the report and never stop the batch.
func (in *Interpreter) Run(ctx context.Context, tasks []store.Task) (*Report, error) {
	report := &Report{Outcomes: make([]Outcome, 0, len(tasks))}

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		out := Outcome{Index: t.Index, Command: t.Command}
		cmd, err := Parse(t.Command)
		if err != nil {
			out.Status = StatusFailed
			out.Errors = []error{err}
			in.logger.Error("invalid task", "task", t.Index, "error", err)
		} else {
			in.execute(cmd, &out)
		}

		in.recorder.IncTaskResult(string(out.Status))
		report.Outcomes = append(report.Outcomes, out)
	}

	in.logger.Info("tasks complete",
		"applied", report.Count(StatusApplied),
		"no_match", report.Count(StatusNoMatch),
		"conflict", report.Count(StatusConflict),
		"failed", report.Count(StatusFailed))
	return report, nil
}

// Execute runs a single command and returns its outcome
func (in *Interpreter) Execute(cmd Command) Outcome {
	out := Outcome{Command: cmd.String()}
	in.execute(cmd, &out)
	return out
}

func (in *Interpreter) execute(cmd Command, out *Outcome) {
	fail := func(err error) {
		out.Status = StatusFailed
		out.Errors = append(out.Errors, err)
		in.logger.Error("task failed", "task", out.Index, "command", out.Command, "error", err)
	}

	matches, err := in.match(cmd.Pattern)
	if err != nil {
		fail(err)
		return
	}
	out.Matched = len(matches)
	if len(matches) == 0 {
		out.Status = StatusNoMatch
		in.logger.Warn("no paths match task pattern", "task", out.Index, "pattern", cmd.Pattern)
		return
	}

	var dest string
	var intoDir bool
	if cmd.Verb.NeedsDestination() {
		dest, err = fsPath(cmd.Destination)
		if err != nil {
			fail(err)
			return
		}
		isDir, _ := afero.IsDir(in.fs, dest)
		intoDir = len(matches) > 1 || isDir || strings.HasSuffix(cmd.Destination, "/")
	}

	conflicts := 0
	for _, src := range matches {
		target := dest
		if intoDir {
			target = path.Join(dest, path.Base(src))
		}

		err := in.apply(cmd.Verb, src, target)
		switch {
		case err == nil:
			out.Applied++
			in.logger.Info("task applied", "task", out.Index, "verb", cmd.Verb, "source", src, "destination", target)
		case errors.Is(err, ErrDestinationConflict):
			conflicts++
			out.Errors = append(out.Errors, err)
			in.logger.Warn("skipping match, destination exists", "task", out.Index, "source", src, "destination", target)
		default:
			fail(err)
		}
	}

	if out.Status == StatusFailed {
		return
	}
	if conflicts > 0 {
		out.Status = StatusConflict
		return
	}
	out.Status = StatusApplied
}

func (in *Interpreter) apply(verb Verb, src, dst string) error {
	if verb == VerbDelete {
		if err := in.fs.RemoveAll(src); err != nil {
			return fmt.Errorf("failed to delete %s: %w", src, err)
		}
		return nil
	}

	exists, err := afero.Exists(in.fs, dst)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dst, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDestinationConflict, dst)
	}
	if dst == src || strings.HasPrefix(dst, src+"/") {
		return fmt.Errorf("cannot %s %s into itself", verb, src)
	}
	if err := in.fs.MkdirAll(path.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dst, err)
	}

	switch verb {
	case VerbRename, VerbMove:
		if err := in.fs.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to %s %s: %w", verb, src, err)
		}
		return nil
	case VerbCopy:
		return in.copy(src, dst)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
	}
}

// match resolves pattern against the tree. Patterns without glob syntax
// match by existence; matched directories are not searched further.
// Wildcards skip dot-prefixed names unless the pattern segment itself
// starts with a dot.
func (in *Interpreter) match(pattern string) ([]string, error) {
	p, err := fsPath(pattern)
	if err != nil {
		return nil, err
	}

	if !hasMeta(pattern) {
		ok, err := afero.Exists(in.fs, p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !ok {
			return nil, nil
		}
		return []string{p}, nil
	}

	g, err := glob.Compile(quoteBraces(p), '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var matches []string
	err = afero.Walk(in.fs, "/", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if name == "/" {
			return nil
		}
		if g.Match(name) && !hidden(p, name) {
			matches = append(matches, name)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree: %w", err)
	}
	return matches, nil
}

func (in *Interpreter) copy(src, dst string) error {
	info, err := in.fs.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return in.copyFile(src, dst, info.Mode().Perm())
	}

	return afero.Walk(in.fs, src, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		target := path.Join(dst, strings.TrimPrefix(name, src))
		if info.IsDir() {
			return in.fs.MkdirAll(target, info.Mode().Perm()|0700)
		}
		return in.copyFile(name, target, info.Mode().Perm())
	})
}

func (in *Interpreter) copyFile(src, dst string, perm os.FileMode) error {
	r, err := in.fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		_ = r.Close()
	}()

	w, err := in.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return w.Close()
}

// fsPath turns a tree-relative path into an absolute path of the root fs
func fsPath(rel string) (string, error) {
	p, err := tree.Resolve("/", strings.TrimSuffix(rel, "/"))
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(p), nil
}

// hasMeta reports whether pattern uses wildcards or character classes.
// Braces and backslashes are literal.
func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[`)
}

// quoteBraces escapes the characters glob.Compile would otherwise read as
// alternation or escapes
func quoteBraces(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// hidden reports whether name has a dot-prefixed segment that the pattern
// segment at the same depth does not spell out with a leading dot
func hidden(pattern, name string) bool {
	patSegs := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	for i, seg := range strings.Split(strings.TrimPrefix(name, "/"), "/") {
		if !strings.HasPrefix(seg, ".") {
			continue
		}
		if i >= len(patSegs) || !strings.HasPrefix(patSegs[i], ".") {
			return true
		}
	}
	return false
}
