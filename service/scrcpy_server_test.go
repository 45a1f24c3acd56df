package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"devicegate/adb"
	"devicegate/models"
)

// fakeADB writes a stub adb binary whose shell invocations (the server
// spawn) die immediately with the given stderr. Push, forward and pre-clean
// calls succeed.
func fakeADB(t *testing.T, spawnStderr string) *adb.Client {
	t.Helper()
	script := `#!/bin/sh
cmd="$3"
if [ "$cmd" = "shell" ] && [ "$4" != "pkill" ]; then
	echo "` + spawnStderr + `" >&2
	exit 1
fi
exit 0
`
	path := filepath.Join(t.TempDir(), "adb")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write stub adb: %v", err)
	}
	return adb.NewClient(path)
}

func testServerSource(t *testing.T, client *adb.Client, ports *portAllocator) *ScrcpyServerSource {
	t.Helper()
	src := NewScrcpyServerSource(client, "serial-1", models.DefaultStreamOptions(),
		"/tmp/scrcpy-server", "/data/local/tmp/scrcpy-server", "3.3.3", ports)
	src.settle = time.Millisecond
	src.liveness = 200 * time.Millisecond
	return src
}

func TestAddressConflictRetriesFreshPortsThenFails(t *testing.T) {
	ports := newPortAllocator(27183, 27283)
	src := testServerSource(t, fakeADB(t, "Address already in use"), ports)

	_, err := src.Start(context.Background())

	var launchErr *ServerLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("got %v, want ServerLaunchError", err)
	}
	if !strings.Contains(launchErr.Stderr, "Address already in use") {
		t.Errorf("stderr snippet = %q", launchErr.Stderr)
	}

	// Three fresh ports were tried and all were released again.
	ports.mu.Lock()
	defer ports.mu.Unlock()
	if len(ports.inUse) != 0 {
		t.Errorf("%d forward ports leaked", len(ports.inUse))
	}
	if ports.next != 27183+portRetries {
		t.Errorf("allocator advanced to %d, want %d distinct ports tried", ports.next, 27183+portRetries)
	}
}

func TestNonConflictLaunchFailureDoesNotRetry(t *testing.T) {
	ports := newPortAllocator(27183, 27283)
	src := testServerSource(t, fakeADB(t, "java.lang.ClassNotFoundException"), ports)

	_, err := src.Start(context.Background())

	var launchErr *ServerLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("got %v, want ServerLaunchError", err)
	}

	ports.mu.Lock()
	defer ports.mu.Unlock()
	if len(ports.inUse) != 0 {
		t.Errorf("%d forward ports leaked", len(ports.inUse))
	}
	if ports.next != 27184 {
		t.Errorf("allocator advanced to %d; a non-conflict failure must not retry", ports.next)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ports := newPortAllocator(27183, 27283)
	src := testServerSource(t, fakeADB(t, "unused"), ports)

	// Never started: Stop must still be safe, any number of times.
	src.Stop()
	src.Stop()
}
