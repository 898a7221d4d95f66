package matchlock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrel-sh/matchlock/internal/config"
)

// writeFakeManagerCLI writes a shell script standing in for the manager
// binary's volume subcommand, so VolumeCreate/VolumeList/VolumeRemove can be
// exercised without a real manager.
func writeFakeManagerCLI(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-manager")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake manager: %v", err)
	}
	return path
}

func clientWithFakeBinary(binPath string) *Client {
	cfg := config.DefaultConfig()
	cfg.BinaryPath = binPath
	return New(cfg)
}

func TestVolumeCreateParsesJSONOutput(t *testing.T) {
	bin := writeFakeManagerCLI(t, `echo '{"name":"data","size":1024,"path":"/volumes/data"}'`)
	c := clientWithFakeBinary(bin)

	info, err := c.VolumeCreate(context.Background(), "data", 1024)
	if err != nil {
		t.Fatalf("VolumeCreate: %v", err)
	}
	if info.Name != "data" || info.Path != "/volumes/data" || info.Size != 1024 {
		t.Fatalf("info = %+v", info)
	}
}

func TestVolumeCreateRejectsMissingPath(t *testing.T) {
	bin := writeFakeManagerCLI(t, `echo '{"name":"data","size":1024}'`)
	c := clientWithFakeBinary(bin)

	if _, err := c.VolumeCreate(context.Background(), "data", 1024); err == nil {
		t.Fatalf("expected error for volume output missing path")
	}
}

func TestVolumeListParsesMultipleEntries(t *testing.T) {
	bin := writeFakeManagerCLI(t, `echo '[{"name":"a","size":1,"path":"/volumes/a"},{"name":"b","size":2,"path":"/volumes/b"}]'`)
	c := clientWithFakeBinary(bin)

	volumes, err := c.VolumeList(context.Background())
	if err != nil {
		t.Fatalf("VolumeList: %v", err)
	}
	if len(volumes) != 2 || volumes[1].Name != "b" {
		t.Fatalf("volumes = %+v", volumes)
	}
}

func TestVolumeRemoveSurfacesStderrOnFailure(t *testing.T) {
	bin := writeFakeManagerCLI(t, `echo "volume not found" >&2; exit 1`)
	c := clientWithFakeBinary(bin)

	err := c.VolumeRemove(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "volume not found") {
		t.Fatalf("error = %q, want to mention manager stderr", got)
	}
}
