package activation

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"testing"
)

func envFunc(vars map[string]string) func(string) string {
	return func(key string) string {
		return vars[key]
	}
}

func TestParseEnv(t *testing.T) {
	const pid = 4242

	tests := []struct {
		name      string
		vars      map[string]string
		wantCount int
		wantNames []string
		wantErr   bool
	}{
		{
			name: "no environment",
			vars: map[string]string{},
		},
		{
			name: "other process",
			vars: map[string]string{envPID: "99999", envFDs: "1"},
		},
		{
			name:    "invalid pid",
			vars:    map[string]string{envPID: "not-a-number", envFDs: "1"},
			wantErr: true,
		},
		{
			name:    "invalid fds",
			vars:    map[string]string{envPID: "4242", envFDs: "many"},
			wantErr: true,
		},
		{
			name: "zero fds",
			vars: map[string]string{envPID: "4242", envFDs: "0"},
		},
		{
			name:      "unnamed",
			vars:      map[string]string{envPID: "4242", envFDs: "2"},
			wantCount: 2,
			wantNames: []string{"fd3", "fd4"},
		},
		{
			name:      "named",
			vars:      map[string]string{envPID: "4242", envFDs: "2", envNames: "http:metrics"},
			wantCount: 2,
			wantNames: []string{"http", "metrics"},
		},
		{
			name:      "name count mismatch",
			vars:      map[string]string{envPID: "4242", envFDs: "2", envNames: "http"},
			wantCount: 2,
			wantNames: []string{"fd3", "fd4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, names, err := parseEnv(envFunc(tt.vars), pid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if count != tt.wantCount {
				t.Errorf("count = %d, want %d", count, tt.wantCount)
			}
			if !reflect.DeepEqual(names, tt.wantNames) {
				t.Errorf("names = %v, want %v", names, tt.wantNames)
			}
		})
	}
}

func TestSockets_NotActivated(t *testing.T) {
	t.Setenv(envPID, "")
	t.Setenv(envFDs, "")

	sockets, err := Sockets()
	if err != nil {
		t.Fatalf("Sockets() unexpected error: %v", err)
	}
	if sockets != nil {
		t.Errorf("expected no sockets, got %v", sockets)
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSelect(t *testing.T) {
	httpL := listen(t)
	metricsL := listen(t)
	sockets := []Socket{{Name: "http", Listener: httpL}, {Name: "metrics", Listener: metricsL}}

	l, err := Select(sockets, "metrics")
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if l != metricsL {
		t.Error("expected the metrics listener")
	}

	// the unselected listener is closed
	if _, err := net.Dial("tcp", httpL.Addr().String()); err == nil {
		t.Error("expected unselected listener to be closed")
	}
}

func TestSelect_DefaultAndMissing(t *testing.T) {
	first := listen(t)

	l, err := Select([]Socket{{Name: "fd3", Listener: first}}, "")
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if l != first {
		t.Error("expected the first listener")
	}

	if _, err := Select([]Socket{{Name: "fd3", Listener: listen(t)}}, "web"); err == nil {
		t.Error("expected error for unknown socket name")
	}
	if _, err := Select(nil, ""); err == nil {
		t.Error("expected error without sockets")
	}
}

// Example shows how the daemon chooses between an inherited socket and its
// own listen address
func ExampleSockets() {
	_ = os.Unsetenv(envPID)

	sockets, err := Sockets()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if sockets == nil {
		fmt.Println("No socket activation detected")
	} else {
		fmt.Printf("Received %d systemd socket(s)\n", len(sockets))
	}
	// Output: No socket activation detected
}
