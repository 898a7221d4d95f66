package matchlock

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
)

// VolumeCreate creates a named persistent volume of the given size (in MB)
// by invoking the manager's volume subcommand directly; volumes are
// independent of any running sandbox session.
func (c *Client) VolumeCreate(ctx context.Context, name string, sizeMB int) (*VolumeInfo, error) {
	args := []string{"volume", "create", "--json"}
	if name != "" {
		args = append(args, "--name", name)
	}
	args = append(args, "--size", strconv.Itoa(sizeMB))

	out, err := runManagerCLI(ctx, c.cfg.ResolveBinary(), args...)
	if err != nil {
		return nil, err
	}

	var info VolumeInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, wrapClientError(err, "decode volume create output")
	}
	if err := validateVolumeInfo(info); err != nil {
		return nil, err
	}
	return &info, nil
}

// VolumeList lists all persistent volumes known to the manager.
func (c *Client) VolumeList(ctx context.Context) ([]VolumeInfo, error) {
	out, err := runManagerCLI(ctx, c.cfg.ResolveBinary(), "volume", "ls", "--json")
	if err != nil {
		return nil, err
	}

	var volumes []VolumeInfo
	if err := json.Unmarshal(out, &volumes); err != nil {
		return nil, wrapClientError(err, "decode volume list output")
	}
	for _, v := range volumes {
		if err := validateVolumeInfo(v); err != nil {
			return nil, err
		}
	}
	return volumes, nil
}

// validateVolumeInfo checks the manager's volume CLI returned a usable
// record; a volume with no path is not addressable by a mount config.
func validateVolumeInfo(v VolumeInfo) error {
	if v.Name == "" {
		return newClientError("manager volume output missing name")
	}
	if v.Path == "" {
		return newClientError("manager volume output for %q missing path", v.Name)
	}
	return nil
}

// VolumeRemove deletes the named persistent volume.
func (c *Client) VolumeRemove(ctx context.Context, name string) error {
	_, err := runManagerCLI(ctx, c.cfg.ResolveBinary(), "volume", "rm", name)
	return err
}

func runManagerCLI(ctx context.Context, binary string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		return nil, wrapClientError(err, "manager %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return out, nil
}
