package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"syscall"

	"github.com/jlaffaye/ftp"
)

// ErrPathOutsideRoot is returned when a requested path escapes the local root
var ErrPathOutsideRoot = errors.New("requested path is outside the upload root")

// UploadError is the failure of one requested item, or of the whole session
// when Path is empty
type UploadError struct {
	Path  string
	Cause error
}

func (e *UploadError) Error() string {
	if e.Path == "" {
		return FriendlyMessage(e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Path, FriendlyMessage(e.Cause))
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

// FriendlyMessage maps well-known connectivity failures to operator-facing
// text and falls back to the error text
func FriendlyMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused by the device."
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.EHOSTDOWN), errors.Is(err, syscall.ENETUNREACH):
		return "Device not found. Is it offline?"
	case isTimeout(err):
		return "Connection timed out while reaching the device."
	default:
		return err.Error()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// replyCode extracts the FTP reply code from err, or 0
func replyCode(err error) int {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

// isTransient reports a "file unavailable, try again" reply
func isTransient(err error) bool {
	return replyCode(err) == ftp.StatusFileActionIgnored
}

// isNotFound reports a "file unavailable" reply, used by servers both for
// missing files and for directories that already exist
func isNotFound(err error) bool {
	return replyCode(err) == ftp.StatusFileUnavailable
}
