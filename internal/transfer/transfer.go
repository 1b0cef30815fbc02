// Package transfer mirrors files from the output tree onto a device over FTP.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/tree"
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 2 * time.Second
)

// Options tune per-file retries
type Options struct {
	Attempts   int
	RetryDelay time.Duration
}

// Result lists what an upload request achieved
type Result struct {
	Uploaded []string
	Failed   []*UploadError
}

// OK reports whether every requested item was uploaded
func (r *Result) OK() bool {
	return len(r.Failed) == 0
}

// Message summarizes the result in one line
func (r *Result) Message() string {
	if r.OK() {
		return fmt.Sprintf("Upload successful (%d files)", len(r.Uploaded))
	}
	parts := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("Failed to upload %d item(s): %s", len(r.Failed), strings.Join(parts, "; "))
}

// Err joins every item failure, or returns nil
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Manager uploads selections of a local tree
type Manager struct {
	dialer   Dialer
	opts     Options
	logger   *slog.Logger
	recorder metrics.Recorder
}

// NewManager creates a transfer manager. Zero options take the defaults.
func NewManager(dialer Dialer, opts Options, logger *slog.Logger) *Manager {
	if opts.Attempts < 1 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Manager{dialer: dialer, opts: opts, logger: logger, recorder: metrics.NoopRecorder{}}
}

// WithRecorder sets the metrics recorder
func (m *Manager) WithRecorder(r metrics.Recorder) *Manager {
	m.recorder = metrics.OrNoop(r)
	return m
}

// item is one validated request entry
type item struct {
	local  string
	remote string
}

// Upload mirrors the selected paths, relative to root, onto target. All
// paths are validated before a connection is opened. Item failures are
// collected in the result and returned joined; they do not stop the
// remaining items. A connection failure fails the whole request.
func (m *Manager) Upload(ctx context.Context, target Target, root string, paths []string) (*Result, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files selected for upload")
	}

	items := make([]item, 0, len(paths))
	for _, p := range paths {
		local, err := tree.Resolve(root, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPathOutsideRoot, err)
		}
		remote := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
		if remote == "" {
			return nil, fmt.Errorf("%w: the root itself cannot be uploaded", ErrPathOutsideRoot)
		}
		items = append(items, item{local: local, remote: remote})
	}

	m.logger.Info("connecting to device", "addr", target.Addr(), "items", len(items))
	sess, err := m.dialer.Dial(ctx, target)
	if err != nil {
		return nil, &UploadError{Cause: err}
	}
	defer func() {
		if err := sess.Quit(); err != nil {
			m.logger.Debug("failed to close transfer session", "error", err)
		}
	}()

	u := &uploader{m: m, sess: sess, made: make(map[string]bool), result: &Result{}}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return u.result, err
		}

		info, err := os.Stat(it.local)
		if err != nil {
			u.fail(it.remote, fmt.Errorf("unable to read local path: %w", err))
			continue
		}
		if info.IsDir() {
			u.mirrorDir(ctx, it.local, it.remote)
		} else {
			u.uploadFile(ctx, it.local, it.remote)
		}
	}

	res := u.result
	if res.OK() {
		m.logger.Info("upload complete", "files", len(res.Uploaded))
	} else {
		m.logger.Error("upload finished with failures", "uploaded", len(res.Uploaded), "failed", len(res.Failed))
	}
	return res, res.Err()
}

// uploader carries the state of one session
type uploader struct {
	m      *Manager
	sess   Session
	made   map[string]bool // remote directories known to exist
	result *Result
}

func (u *uploader) fail(remote string, err error) {
	ue := &UploadError{Path: remote, Cause: err}
	u.result.Failed = append(u.result.Failed, ue)
	u.m.recorder.IncUploadResult(false)
	u.m.logger.Error("upload failed", "path", remote, "error", err)
}

func (u *uploader) mirrorDir(ctx context.Context, local, remote string) {
	if err := u.makeDir(remote); err != nil {
		u.fail(remote, err)
		return
	}

	entries, err := os.ReadDir(local)
	if err != nil {
		u.fail(remote, fmt.Errorf("unable to read local directory: %w", err))
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		childLocal := filepath.Join(local, e.Name())
		childRemote := path.Join(remote, e.Name())
		if e.IsDir() {
			u.mirrorDir(ctx, childLocal, childRemote)
		} else {
			u.uploadFile(ctx, childLocal, childRemote)
		}
	}
}

func (u *uploader) uploadFile(ctx context.Context, local, remote string) {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := u.storeOnce(local, remote)
		if err == nil {
			return struct{}{}, nil
		}
		if isTransient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		u.m.recorder.IncUploadRetry()
		u.m.logger.Warn("retrying upload", "path", remote, "attempt", attempt, "wait", wait, "error", err)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(u.m.opts.RetryDelay)),
		backoff.WithMaxTries(uint(u.m.opts.Attempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if isTransient(err) {
			err = fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}
		u.fail(remote, err)
		return
	}

	u.result.Uploaded = append(u.result.Uploaded, remote)
	u.m.recorder.IncUploadResult(true)
	u.m.logger.Info("uploaded file", "path", remote)
}

// storeOnce ensures parent directories, removes any existing remote file
// and stores the local file
func (u *uploader) storeOnce(local, remote string) error {
	if err := u.ensureParents(remote); err != nil {
		return err
	}

	if err := u.sess.Delete(remote); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete remote file: %w", err)
	}

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := u.sess.Stor(remote, f); err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}
	return nil
}

func (u *uploader) ensureParents(remote string) error {
	dir := path.Dir(remote)
	if dir == "." || dir == "/" {
		return nil
	}

	current := ""
	for _, part := range strings.Split(dir, "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if err := u.makeDir(current); err != nil {
			return err
		}
	}
	return nil
}

// makeDir creates a remote directory; "already exists" replies are ignored
func (u *uploader) makeDir(remote string) error {
	if u.made[remote] {
		return nil
	}
	if err := u.sess.MakeDir(remote); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to create remote directory %s: %w", remote, err)
	}
	u.made[remote] = true
	return nil
}
