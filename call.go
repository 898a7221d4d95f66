package matchlock

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/kestrel-sh/matchlock/internal/rpcmux"
)

// Exec runs command inside the sandbox and waits for it to finish. A
// non-zero exit code is returned in ExecResult, not as an error.
func (c *Client) Exec(ctx context.Context, command string, workingDir string) (*ExecResult, error) {
	if _, err := c.requireVM(); err != nil {
		return nil, err
	}

	params := map[string]any{"command": command}
	if workingDir != "" {
		params["working_dir"] = workingDir
	}

	raw, err := c.call(ctx, "exec", params, nil)
	if err != nil {
		return nil, err
	}
	return decodeExecResult(raw)
}

// ExecStream runs command inside the sandbox, writing decoded stdout/stderr
// chunks to the given writers as they arrive, and returns the final result
// once the command completes.
func (c *Client) ExecStream(ctx context.Context, command string, workingDir string, stdout, stderr io.Writer) (*ExecResult, error) {
	if _, err := c.requireVM(); err != nil {
		return nil, err
	}

	params := map[string]any{"command": command}
	if workingDir != "" {
		params["working_dir"] = workingDir
	}

	var writeMu sync.Mutex
	handler := func(method string, raw json.RawMessage) {
		var chunk struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return
		}
		data, err := base64Decode(chunk.Data)
		if err != nil || len(data) == 0 {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		switch method {
		case "exec_stream.stdout":
			if stdout != nil {
				stdout.Write(data)
			}
		case "exec_stream.stderr":
			if stderr != nil {
				stderr.Write(data)
			}
		}
	}

	raw, err := c.call(ctx, "exec_stream", params, rpcmux.StreamHandler(handler))
	if err != nil {
		return nil, err
	}
	return decodeExecResult(raw)
}

func decodeExecResult(raw json.RawMessage) (*ExecResult, error) {
	var wireResult struct {
		ExitCode   int    `json:"exit_code"`
		Stdout     string `json:"stdout"`
		Stderr     string `json:"stderr"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := json.Unmarshal(raw, &wireResult); err != nil {
		return nil, wrapClientError(err, "decode exec result")
	}
	return &ExecResult{
		ExitCode:   wireResult.ExitCode,
		Stdout:     wireResult.Stdout,
		Stderr:     wireResult.Stderr,
		DurationMs: wireResult.DurationMs,
	}, nil
}

// WriteFile writes content to path inside the sandbox, running any
// action-hook decisions and mutate-hook transforms configured for write
// operations on a matching path, in declaration order, before sending the
// bytes to the manager.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte, mode uint32) error {
	if _, err := c.requireVM(); err != nil {
		return err
	}

	c.vfsMu.Lock()
	actionRules := c.actionRules
	mutateRules := c.mutateRules
	c.vfsMu.Unlock()

	decision, err := runActionHooks(actionRules, VFSOpWrite, path)
	if err != nil {
		return err
	}
	if decision == "block" {
		return newClientError("write blocked by action hook: %s", path)
	}

	content, err = runMutateHooks(mutateRules, path, content, mode)
	if err != nil {
		return err
	}

	params := map[string]any{
		"path":    path,
		"content": base64Encode(content),
		"mode":    mode,
	}
	_, err = c.call(ctx, "write_file", params, nil)
	return err
}

// ReadFile reads the contents of path inside the sandbox, subject to any
// configured action hooks for read operations.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if _, err := c.requireVM(); err != nil {
		return nil, err
	}

	c.vfsMu.Lock()
	actionRules := c.actionRules
	c.vfsMu.Unlock()

	decision, err := runActionHooks(actionRules, VFSOpRead, path)
	if err != nil {
		return nil, err
	}
	if decision == "block" {
		return nil, newClientError("read blocked by action hook: %s", path)
	}

	raw, err := c.call(ctx, "read_file", map[string]any{"path": path}, nil)
	if err != nil {
		return nil, err
	}

	var wireResult struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &wireResult); err != nil {
		return nil, wrapClientError(err, "decode read_file result")
	}
	return base64Decode(wireResult.Content)
}

// ListFiles lists the entries of path inside the sandbox, subject to any
// configured action hooks for readdir operations.
func (c *Client) ListFiles(ctx context.Context, path string) ([]FileInfo, error) {
	if _, err := c.requireVM(); err != nil {
		return nil, err
	}

	c.vfsMu.Lock()
	actionRules := c.actionRules
	c.vfsMu.Unlock()

	decision, err := runActionHooks(actionRules, VFSOpReaddir, path)
	if err != nil {
		return nil, err
	}
	if decision == "block" {
		return nil, newClientError("listing blocked by action hook: %s", path)
	}

	raw, err := c.call(ctx, "list_files", map[string]any{"path": path}, nil)
	if err != nil {
		return nil, err
	}

	var wireResult struct {
		Files []struct {
			Name  string `json:"name"`
			Size  int64  `json:"size"`
			Mode  uint32 `json:"mode"`
			IsDir bool   `json:"is_dir"`
		} `json:"files"`
	}
	if err := json.Unmarshal(raw, &wireResult); err != nil {
		return nil, wrapClientError(err, "decode list_files result")
	}

	entries := make([]FileInfo, len(wireResult.Files))
	for i, e := range wireResult.Files {
		entries[i] = FileInfo{Name: e.Name, Size: e.Size, Mode: e.Mode, IsDir: e.IsDir}
	}
	return entries, nil
}
