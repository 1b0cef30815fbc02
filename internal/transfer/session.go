package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/schaermu/relsyncd/internal/store"
)

// Session is an authenticated file-transfer connection
type Session interface {
	MakeDir(path string) error
	Delete(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

// Dialer opens sessions to devices
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// Target is where and as whom to connect
type Target struct {
	Address  string
	Port     int
	Username string
	Password string
}

// TargetFromDevice builds a Target from a stored device record
func TargetFromDevice(d store.Device) Target {
	return Target{Address: d.Address, Port: d.Port, Username: d.Username, Password: d.Password}
}

// Addr returns host:port
func (t Target) Addr() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// FTPDialer dials real FTP servers
type FTPDialer struct {
	Timeout time.Duration
}

// Dial connects and logs in
func (d FTPDialer) Dial(ctx context.Context, target Target) (Session, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if d.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(d.Timeout))
	}

	conn, err := ftp.Dial(target.Addr(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.Addr(), err)
	}

	if err := conn.Login(target.Username, target.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("failed to log in to %s: %w", target.Addr(), err)
	}
	return conn, nil
}
