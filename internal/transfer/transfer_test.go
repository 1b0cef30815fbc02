package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/relsyncd/internal/store"
)

// fakeSession records remote operations and fails on demand.
type fakeSession struct {
	mu        sync.Mutex
	dirs      map[string]bool
	files     map[string]string
	storCalls map[string]int
	// storErrs returns the error for the nth Stor of a path (1-based), or nil
	storErrs  func(path string, n int) error
	mkdirErr  map[string]error
	quit      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		dirs:      make(map[string]bool),
		files:     make(map[string]string),
		storCalls: make(map[string]int),
		mkdirErr:  make(map[string]error),
	}
}

func ftpErr(code int) error {
	return &textproto.Error{Code: code, Msg: "reply"}
}

func (s *fakeSession) MakeDir(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.mkdirErr[path]; ok {
		return err
	}
	if s.dirs[path] {
		return ftpErr(550)
	}
	s.dirs[path] = true
	return nil
}

func (s *fakeSession) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[path]; !ok {
		return ftpErr(550)
	}
	delete(s.files, path)
	return nil
}

func (s *fakeSession) Stor(path string, r io.Reader) error {
	s.mu.Lock()
	s.storCalls[path]++
	n := s.storCalls[path]
	s.mu.Unlock()

	if s.storErrs != nil {
		if err := s.storErrs(path, n); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.files[path] = string(data)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Quit() error {
	s.quit = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	dials   int
}

func (d *fakeDialer) Dial(context.Context, Target) (Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(d Dialer) *Manager {
	return NewManager(d, Options{Attempts: 3, RetryDelay: time.Millisecond}, testLogger())
}

func localTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"atmosphere/package3":                "pkg3",
		"atmosphere/contents/0100/exefs.nsp": "nsp",
		"switch/app.nro":                     "nro",
		"payload.bin":                        "bin",
	}
	for rel, content := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "atmosphere", "empty"), 0755))
	return root
}

var testTarget = Target{Address: "192.168.1.20", Port: 5000, Username: "u", Password: "p"}

func TestUpload_FilesAndDirectories(t *testing.T) {
	root := localTree(t)
	sess := newFakeSession()
	sess.files["payload.bin"] = "old"
	d := &fakeDialer{session: sess}

	res, err := newManager(d).Upload(context.Background(), testTarget, root, []string{"atmosphere", "switch/app.nro", "payload.bin"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 1, d.dials)
	assert.True(t, sess.quit)

	sort.Strings(res.Uploaded)
	assert.Equal(t, []string{
		"atmosphere/contents/0100/exefs.nsp",
		"atmosphere/package3",
		"payload.bin",
		"switch/app.nro",
	}, res.Uploaded)

	assert.Equal(t, "bin", sess.files["payload.bin"])
	assert.Equal(t, "nsp", sess.files["atmosphere/contents/0100/exefs.nsp"])
	assert.True(t, sess.dirs["atmosphere/empty"])
	assert.True(t, sess.dirs["switch"])
	assert.Contains(t, res.Message(), "Upload successful")
}

func TestUpload_ExistingRemoteDirectoriesIgnored(t *testing.T) {
	root := localTree(t)
	sess := newFakeSession()
	sess.dirs["switch"] = true
	sess.dirs["atmosphere"] = true

	res, err := newManager(&fakeDialer{session: sess}).Upload(context.Background(), testTarget, root, []string{"switch/app.nro", "atmosphere"})
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestUpload_RetriesTransientTwiceThenSucceeds(t *testing.T) {
	root := localTree(t)
	sess := newFakeSession()
	sess.storErrs = func(path string, n int) error {
		if path == "payload.bin" && n <= 2 {
			return ftpErr(450)
		}
		return nil
	}

	res, err := newManager(&fakeDialer{session: sess}).Upload(context.Background(), testTarget, root, []string{"payload.bin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"payload.bin"}, res.Uploaded)
	assert.Equal(t, 3, sess.storCalls["payload.bin"])
	assert.Equal(t, "bin", sess.files["payload.bin"])
}

func TestUpload_ExhaustedRetriesFailItemButNotSiblings(t *testing.T) {
	root := localTree(t)
	sess := newFakeSession()
	sess.storErrs = func(path string, _ int) error {
		if path == "atmosphere/package3" {
			return ftpErr(450)
		}
		return nil
	}

	res, err := newManager(&fakeDialer{session: sess}).Upload(context.Background(), testTarget, root, []string{"atmosphere", "payload.bin"})
	require.Error(t, err)
	assert.False(t, res.OK())

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "atmosphere/package3", res.Failed[0].Path)
	assert.Equal(t, 3, sess.storCalls["atmosphere/package3"])

	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 450, replyCode(ue))

	// siblings inside the directory and after it were still attempted
	assert.Equal(t, "nsp", sess.files["atmosphere/contents/0100/exefs.nsp"])
	assert.Equal(t, "bin", sess.files["payload.bin"])
	assert.Contains(t, res.Message(), "Failed to upload 1 item(s)")
	assert.Contains(t, res.Message(), "atmosphere/package3")
}

func TestUpload_PermanentErrorIsNotRetried(t *testing.T) {
	root := localTree(t)
	sess := newFakeSession()
	sess.storErrs = func(string, int) error { return ftpErr(553) }

	res, err := newManager(&fakeDialer{session: sess}).Upload(context.Background(), testTarget, root, []string{"payload.bin"})
	require.Error(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, sess.storCalls["payload.bin"])
}

func TestUpload_MakeDirFailureSkipsDirectory(t *testing.T) {
	root := localTree(t)
	sess := newFakeSession()
	sess.mkdirErr["switch"] = ftpErr(530)

	res, err := newManager(&fakeDialer{session: sess}).Upload(context.Background(), testTarget, root, []string{"switch", "payload.bin"})
	require.Error(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "switch", res.Failed[0].Path)
	assert.Equal(t, []string{"payload.bin"}, res.Uploaded)
}

func TestUpload_PathEscapeRejectedBeforeDial(t *testing.T) {
	root := localTree(t)
	d := &fakeDialer{session: newFakeSession()}

	_, err := newManager(d).Upload(context.Background(), testTarget, root, []string{"payload.bin", "../../etc/passwd"})
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
	assert.Equal(t, 0, d.dials)
}

func TestUpload_MissingLocalPathFailsItem(t *testing.T) {
	root := localTree(t)
	sess := newFakeSession()

	res, err := newManager(&fakeDialer{session: sess}).Upload(context.Background(), testTarget, root, []string{"missing.bin", "payload.bin"})
	require.Error(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing.bin", res.Failed[0].Path)
	assert.Equal(t, []string{"payload.bin"}, res.Uploaded)
}

func TestUpload_NothingSelected(t *testing.T) {
	d := &fakeDialer{session: newFakeSession()}
	_, err := newManager(d).Upload(context.Background(), testTarget, t.TempDir(), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, d.dials)
}

func TestUpload_DialFailureFailsRequest(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	d := &fakeDialer{err: refused}

	res, err := newManager(d).Upload(context.Background(), testTarget, localTree(t), []string{"payload.bin"})
	assert.Nil(t, res)

	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Empty(t, ue.Path)
	assert.Equal(t, "Connection refused by the device.", err.Error())
}

func TestFTPDialer_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	_, err = FTPDialer{Timeout: 2 * time.Second}.Dial(context.Background(), Target{Address: "127.0.0.1", Port: addr.Port})
	require.Error(t, err)
	assert.Equal(t, "Connection refused by the device.", FriendlyMessage(err))
}

func TestFriendlyMessage(t *testing.T) {
	unreachable := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.EHOSTUNREACH}}
	assert.Equal(t, "Device not found. Is it offline?", FriendlyMessage(unreachable))
	assert.Equal(t, "Connection timed out while reaching the device.", FriendlyMessage(context.DeadlineExceeded))
	assert.Equal(t, "Connection timed out while reaching the device.", FriendlyMessage(os.ErrDeadlineExceeded))
	assert.Equal(t, "boom", FriendlyMessage(errors.New("boom")))
	assert.Empty(t, FriendlyMessage(nil))
}

func TestTargetFromDevice(t *testing.T) {
	tgt := TargetFromDevice(store.Device{Name: "switch", Address: "10.0.0.5", Port: 5000, Username: "a", Password: "b"})
	assert.Equal(t, "10.0.0.5:5000", tgt.Addr())
	assert.Equal(t, "a", tgt.Username)
}
