// Package activation picks up listening sockets handed over by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	envPID   = "LISTEN_PID"
	envFDs   = "LISTEN_FDS"
	envNames = "LISTEN_FDNAMES"

	// first passed descriptor after stdin, stdout and stderr
	firstFD = 3
)

// Socket is one inherited listening socket
type Socket struct {
	Name     string // from LISTEN_FDNAMES, or "fd<N>" when unnamed
	Listener net.Listener
}

// Sockets returns the sockets systemd passed to this process, or nil when
// the process was not socket activated. The activation variables are
// cleared so child processes do not inherit them.
func Sockets() ([]Socket, error) {
	count, names, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil || count == 0 {
		return nil, err
	}

	sockets := make([]Socket, 0, count)
	for i := 0; i < count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), names[i])
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to open inherited fd %d", fd)
		}

		l, err := net.FileListener(file)
		// the listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: names[i], Listener: l})
	}

	_ = os.Unsetenv(envPID)
	_ = os.Unsetenv(envFDs)
	_ = os.Unsetenv(envNames)

	return sockets, nil
}

// Select returns the listener of the socket called name, or of the first
// socket when name is empty. Sockets not returned are closed.
func Select(sockets []Socket, name string) (net.Listener, error) {
	if len(sockets) == 0 {
		return nil, fmt.Errorf("no activated sockets")
	}

	idx := -1
	if name == "" {
		idx = 0
	} else {
		for i, s := range sockets {
			if s.Name == name {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no activated socket named %q", name)
	}

	for i, s := range sockets {
		if i != idx {
			_ = s.Listener.Close()
		}
	}
	return sockets[idx].Listener, nil
}

// parseEnv reads the activation variables. A zero count means the process
// was not activated, or the sockets are meant for another process.
func parseEnv(getenv func(string) string, pid int) (int, []string, error) {
	pidStr := getenv(envPID)
	if pidStr == "" {
		return 0, nil, nil
	}
	target, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid %s %q: %w", envPID, pidStr, err)
	}
	if target != pid {
		return 0, nil, nil
	}

	fdsStr := getenv(envFDs)
	if fdsStr == "" {
		return 0, nil, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid %s %q: %w", envFDs, fdsStr, err)
	}
	if count < 1 {
		return 0, nil, nil
	}

	names := strings.Split(getenv(envNames), ":")
	if len(names) != count {
		names = make([]string, count)
	}
	for i := range names {
		if names[i] == "" {
			names[i] = "fd" + strconv.Itoa(firstFD+i)
		}
	}
	return count, names, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
