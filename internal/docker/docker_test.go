package docker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

// TestHelperProcess is used by tests to mock the docker binary via the
// test binary re-invocation pattern. When GO_WANT_HELPER_PROCESS is set,
// the test binary acts as the "docker" executable.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	response := os.Getenv("GO_HELPER_RESPONSE")
	stderrMsg := os.Getenv("GO_HELPER_STDERR")
	exitCode, _ := strconv.Atoi(os.Getenv("GO_HELPER_EXIT_CODE"))

	if stderrMsg != "" {
		fmt.Fprint(os.Stderr, stderrMsg)
	}
	if response != "" {
		fmt.Fprint(os.Stdout, response)
	}

	os.Exit(exitCode)
}

// fakeDockerScript writes a shell wrapper that re-invokes the test binary
// as the docker command with canned output.
func fakeDockerScript(response, stderrMsg string, exitCode int) string {
	testBinary, _ := os.Executable()

	script := fmt.Sprintf(`#!/bin/sh
export GO_WANT_HELPER_PROCESS=1
export GO_HELPER_RESPONSE='%s'
export GO_HELPER_EXIT_CODE='%d'
export GO_HELPER_STDERR='%s'
exec "%s" -test.run=TestHelperProcess -- "$@"
`, strings.ReplaceAll(response, "'", "'\\''"),
		exitCode,
		strings.ReplaceAll(stderrMsg, "'", "'\\''"),
		testBinary)

	tmpFile, err := os.CreateTemp("", "fake-docker-*.sh")
	if err != nil {
		panic(err)
	}
	if _, err := tmpFile.WriteString(script); err != nil {
		panic(err)
	}
	tmpFile.Close()
	os.Chmod(tmpFile.Name(), 0755)

	return tmpFile.Name()
}

// newTestClient creates a DockerClient backed by a fake docker binary that
// prints the given response.
func newTestClient(response string) (*DockerClient, func()) {
	scriptPath := fakeDockerScript(response, "", 0)
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	d := NewDockerClientWithOptions(exec, scriptPath, "alpine", zerolog.Nop())
	return d, func() { os.Remove(scriptPath) }
}

// newTestClientError creates a DockerClient whose fake binary fails with the
// given stderr message.
func newTestClientError(stderrMsg string) (*DockerClient, func()) {
	scriptPath := fakeDockerScript("", stderrMsg, 1)
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	d := NewDockerClientWithOptions(exec, scriptPath, "alpine", zerolog.Nop())
	return d, func() { os.Remove(scriptPath) }
}

func TestDockerClient_ListVolumes(t *testing.T) {
	t.Run("parses volume lines", func(t *testing.T) {
		response := `{"Name":"app-data","Driver":"local","Mountpoint":"/var/lib/docker/volumes/app-data/_data","Labels":"com.example.app=web","Scope":"local"}
{"Name":"db-data","Driver":"local","Mountpoint":"/var/lib/docker/volumes/db-data/_data","Labels":"","Scope":"local"}
`
		d, cleanup := newTestClient(response)
		defer cleanup()

		volumes, err := d.ListVolumes(context.Background())
		if err != nil {
			t.Fatalf("ListVolumes() error = %v", err)
		}
		if len(volumes) != 2 {
			t.Fatalf("ListVolumes() returned %d volumes, want 2", len(volumes))
		}
		if volumes[0].Name != "app-data" {
			t.Errorf("volumes[0].Name = %q, want %q", volumes[0].Name, "app-data")
		}
		if volumes[0].Labels["com.example.app"] != "web" {
			t.Errorf("volumes[0].Labels = %v, want com.example.app=web", volumes[0].Labels)
		}
		if volumes[1].Driver != "local" {
			t.Errorf("volumes[1].Driver = %q, want %q", volumes[1].Driver, "local")
		}
	})

	t.Run("skips malformed lines", func(t *testing.T) {
		response := "not-json\n" + `{"Name":"good","Driver":"local"}` + "\n"
		d, cleanup := newTestClient(response)
		defer cleanup()

		volumes, err := d.ListVolumes(context.Background())
		if err != nil {
			t.Fatalf("ListVolumes() error = %v", err)
		}
		if len(volumes) != 1 || volumes[0].Name != "good" {
			t.Errorf("ListVolumes() = %v, want single volume %q", volumes, "good")
		}
	})

	t.Run("daemon unreachable", func(t *testing.T) {
		d, cleanup := newTestClientError("Cannot connect to the Docker daemon")
		defer cleanup()

		_, err := d.ListVolumes(context.Background())
		if err == nil {
			t.Fatal("ListVolumes() expected error")
		}
		if !strings.Contains(err.Error(), "Cannot connect") {
			t.Errorf("error %q should contain daemon stderr", err)
		}
	})
}

func TestDockerClient_ListContainers(t *testing.T) {
	response := `{"ID":"abc123","Names":"web","Image":"nginx:latest","State":"running","Status":"Up 2 hours","Labels":""}
`
	d, cleanup := newTestClient(response)
	defer cleanup()

	containers, err := d.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("ListContainers() error = %v", err)
	}
	if len(containers) != 1 {
		t.Fatalf("ListContainers() returned %d containers, want 1", len(containers))
	}
	if containers[0].Name != "web" || containers[0].State != "running" {
		t.Errorf("containers[0] = %+v, want name web state running", containers[0])
	}
}

func TestDockerClient_VolumeExists(t *testing.T) {
	t.Run("exists", func(t *testing.T) {
		d, cleanup := newTestClient("app-data\n")
		defer cleanup()

		exists, err := d.VolumeExists(context.Background(), "app-data")
		if err != nil {
			t.Fatalf("VolumeExists() error = %v", err)
		}
		if !exists {
			t.Error("VolumeExists() = false, want true")
		}
	})

	t.Run("missing", func(t *testing.T) {
		d, cleanup := newTestClientError("Error response from daemon: no such volume: gone")
		defer cleanup()

		exists, err := d.VolumeExists(context.Background(), "gone")
		if err != nil {
			t.Fatalf("VolumeExists() error = %v", err)
		}
		if exists {
			t.Error("VolumeExists() = true, want false")
		}
	})
}

func TestDockerClient_Inventory(t *testing.T) {
	d, cleanup := newTestClient("HEADER\nrow1\n")
	defer cleanup()

	inventory, err := d.Inventory(context.Background())
	if err != nil {
		t.Fatalf("Inventory() error = %v", err)
	}
	for _, section := range []string{"=== CONTAINERS ===", "=== IMAGES ===", "=== NETWORKS ===", "=== VOLUMES ==="} {
		if !strings.Contains(inventory, section) {
			t.Errorf("Inventory() missing section %q", section)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"app/data", "app-data"},
		{`back\slash`, "back-slash"},
		{"with space", "with-space"},
		{"col:on", "col-on"},
		{"tab\tname", "tab-name"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
