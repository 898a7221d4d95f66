// Package matchlock is a client SDK for driving an external sandbox
// manager subprocess over newline-delimited JSON-RPC. It owns the
// subprocess transport, the request/response multiplexer, hook
// compilation, and the local callback server the manager connects back to
// for network-hook decisions.
package matchlock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/kestrel-sh/matchlock/internal/calllog"
	"github.com/kestrel-sh/matchlock/internal/config"
	"github.com/kestrel-sh/matchlock/internal/hookcompile"
	"github.com/kestrel-sh/matchlock/internal/hookserver"
	"github.com/kestrel-sh/matchlock/internal/imageref"
	"github.com/kestrel-sh/matchlock/internal/rpcmux"
	"github.com/kestrel-sh/matchlock/internal/transport"
	"github.com/kestrel-sh/matchlock/internal/vfsdispatch"
)

type sessionState int

const (
	stateNew sessionState = iota
	stateStarted
	stateCreated
	stateClosing
	stateClosed
)

// Client drives one sandbox-manager subprocess through its full lifecycle:
// NEW -> STARTED -> {CREATED -> OPERATING*} -> CLOSING -> CLOSED.
type Client struct {
	cfg *config.Config

	mu       sync.Mutex
	state    sessionState
	vmID     string
	lastVMID string

	proc *transport.Process
	mux  *rpcmux.Mux

	sessionID string
	callLog   *calllog.DB

	vfsMu         sync.Mutex
	vfsDispatcher *vfsdispatch.Dispatcher
	mutateRules   []VFSHookRule
	actionRules   []VFSHookRule

	networkMu  sync.Mutex
	hookServer *hookserver.Server
}

// New creates a Client using cfg, or DefaultConfig() if cfg is nil. The
// subprocess is not started until Start is called.
func New(cfg *config.Config) *Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Client{cfg: cfg, sessionID: uuid.NewString()}
}

// Start launches the manager subprocess and begins the background reader.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateNew {
		return newClientError("Start called in state %v, want NEW", c.state)
	}

	binPath := c.cfg.ResolveBinary()
	binary := binPath
	var args []string
	if c.cfg.UseSudo {
		binary = "sudo"
		args = []string{binPath, "rpc"}
	} else {
		args = []string{"rpc"}
	}

	proc, err := transport.Start(binary, args, nil, os.Stderr)
	if err != nil {
		return wrapClientError(err, "start manager subprocess")
	}

	c.proc = proc
	c.mux = rpcmux.New(proc, c.handleNotification, c.handleTransportEOF)
	c.mux.Start()
	c.state = stateStarted

	if c.cfg.AuditDBPath != "" {
		db, err := calllog.Open(c.cfg.AuditDBPath)
		if err != nil {
			log.Printf("matchlock: call log unavailable, continuing without it: %v", err)
		} else {
			c.callLog = db
		}
	}

	return nil
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method != "event" {
		return
	}
	var envelope struct {
		File *struct {
			Op   string `json:"op"`
			Path string `json:"path"`
			Size int64  `json:"size"`
			Mode uint32 `json:"mode"`
			UID  int    `json:"uid"`
			GID  int    `json:"gid"`
		} `json:"file"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil || envelope.File == nil {
		return
	}

	c.vfsMu.Lock()
	d := c.vfsDispatcher
	c.vfsMu.Unlock()
	if d == nil {
		return
	}
	d.Dispatch(vfsdispatch.Event{
		Op:   envelope.File.Op,
		Path: envelope.File.Path,
		Size: envelope.File.Size,
		Mode: envelope.File.Mode,
		UID:  envelope.File.UID,
		GID:  envelope.File.GID,
	})
}

// handleTransportEOF runs once, from the mux's reader goroutine, when the
// manager subprocess connection is lost unexpectedly (crash, kill) rather
// than through an explicit Close. It stops the local hook server so its
// Unix-socket listener and temp dir are not leaked past the dead session.
func (c *Client) handleTransportEOF() {
	c.networkMu.Lock()
	server := c.hookServer
	c.hookServer = nil
	c.networkMu.Unlock()
	if server != nil {
		server.Stop()
	}
}

func (c *Client) call(ctx context.Context, method string, params any, stream rpcmux.StreamHandler) (json.RawMessage, error) {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return nil, newClientError("%s called before Start", method)
	}

	_, hasDeadline := ctx.Deadline()
	if !hasDeadline && c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := mux.Call(ctx, method, params, stream)
	c.recordCall(method, start, err)
	return raw, translateCallError(err)
}

func (c *Client) recordCall(method string, start time.Time, err error) {
	if c.callLog == nil {
		return
	}
	outcome := "ok"
	detail := ""
	switch e := err.(type) {
	case nil:
	case *rpcmux.RPCError:
		outcome = "rpc_error"
		detail = e.Error()
	case *rpcmux.TimeoutError:
		outcome = "timeout"
		detail = e.Error()
	default:
		outcome = "client_error"
		detail = e.Error()
	}
	rec := calllog.Record{
		SessionID:  c.sessionID,
		Method:     method,
		StartedAt:  start,
		DurationMs: time.Since(start).Milliseconds(),
		Outcome:    outcome,
		Detail:     detail,
	}
	if err := c.callLog.Insert(rec); err != nil {
		log.Printf("matchlock: call log insert failed: %v", err)
	}
}

func translateCallError(err error) error {
	switch e := err.(type) {
	case nil:
		return nil
	case *rpcmux.RPCError:
		return &RPCError{Code: e.Code, Message: e.Message}
	case *rpcmux.TimeoutError:
		return wrapClientError(e, "call timed out")
	default:
		return wrapClientError(err, "rpc call failed")
	}
}

// Create compiles opts' hooks, starts the local hook server if network
// callbacks are configured, issues the create RPC, and stores the
// resulting vm id. A second Create on an already-created session replaces
// the hook state; the manager is presumed to have torn down the prior vm.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (string, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != stateStarted && st != stateCreated {
		return "", newClientError("Create called in state %v, want STARTED or CREATED", st)
	}

	merged := opts
	defaults := CreateOptions{NetworkMTU: 1500}
	if err := mergo.Merge(&merged, defaults); err != nil {
		return "", wrapClientError(err, "merge default create options")
	}

	if err := merged.Validate(); err != nil {
		return "", err
	}

	if _, err := imageref.Normalize(merged.Image); err != nil {
		return "", wrapClientError(err, "validate image reference")
	}

	vfsWire, emitEvents, dispatchRules, mutateRules, actionRules, err := compileVFSHooks(merged.VFSHooks)
	if err != nil {
		return "", err
	}
	netWire, callbackEntries, err := compileNetworkHooks(merged.NetworkHooks)
	if err != nil {
		return "", err
	}

	var newServer *hookserver.Server
	if len(callbackEntries) > 0 {
		newServer = hookserver.New()
		for id, rule := range callbackEntries {
			newServer.Register(id, makeNetworkCallback(rule))
		}
		if err := newServer.Start(); err != nil {
			return "", wrapClientError(err, "start local hook server")
		}
	}

	c.networkMu.Lock()
	oldServer := c.hookServer
	c.hookServer = newServer
	c.networkMu.Unlock()

	params := buildCreateParams(merged, vfsWire, emitEvents, netWire, newServer)

	raw, err := c.call(ctx, "create", params, nil)
	if err != nil {
		if newServer != nil {
			newServer.Stop()
			c.networkMu.Lock()
			c.hookServer = oldServer
			c.networkMu.Unlock()
		}
		return "", err
	}
	if oldServer != nil {
		oldServer.Stop()
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", wrapClientError(err, "decode create result")
	}

	c.vfsMu.Lock()
	c.vfsDispatcher = vfsdispatch.New(dispatchRules)
	c.mutateRules = mutateRules
	c.actionRules = actionRules
	c.vfsMu.Unlock()

	c.mu.Lock()
	c.vmID = result.ID
	c.lastVMID = result.ID
	c.state = stateCreated
	c.mu.Unlock()

	return result.ID, nil
}

// Launch is a thin adapter reading options from a Sandbox builder.
func (c *Client) Launch(ctx context.Context, sandbox *Sandbox) (string, error) {
	return c.Create(ctx, sandbox.Options())
}

func (c *Client) requireVM() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vmID == "" {
		return "", newClientError("operation requires an active sandbox; call Create first")
	}
	return c.vmID, nil
}

// Close idempotently tears the session down: it attempts a graceful close
// RPC, stops the local hook server, and force-terminates the subprocess
// after grace if needed. A grace of zero or less uses the configured
// CloseGrace. Safe to call from any state and more than once.
func (c *Client) Close(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = c.cfg.CloseGrace
	}
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateClosing || c.state == stateNew {
		prior := c.state
		c.state = stateClosed
		c.mu.Unlock()
		if prior == stateNew {
			return nil
		}
		return nil
	}
	c.state = stateClosing
	mux := c.mux
	proc := c.proc
	c.mu.Unlock()

	if mux != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = c.call(closeCtx, "close", map[string]float64{"timeout_seconds": grace.Seconds()}, nil)
		cancel()
		mux.Stop()
	}

	c.networkMu.Lock()
	if c.hookServer != nil {
		c.hookServer.Stop()
		c.hookServer = nil
	}
	c.networkMu.Unlock()

	if proc != nil {
		if err := proc.Close(grace); err != nil {
			log.Printf("matchlock: subprocess close: %v", err)
		}
	}

	if c.callLog != nil {
		if err := c.callLog.Close(); err != nil {
			log.Printf("matchlock: call log close: %v", err)
		}
	}

	c.mu.Lock()
	c.vmID = ""
	c.state = stateClosed
	c.mu.Unlock()
	return nil
}

// Remove closes the session (if not already closed) and then invokes the
// manager CLI to delete the last known vm id.
func (c *Client) Remove(ctx context.Context) error {
	_ = c.Close(ctx, 0)

	c.mu.Lock()
	vmID := c.lastVMID
	c.mu.Unlock()
	if vmID == "" {
		return newClientError("Remove called with no known vm id")
	}

	out, err := exec.CommandContext(ctx, c.cfg.ResolveBinary(), "rm", vmID).CombinedOutput()
	if err != nil {
		return wrapClientError(err, "manager rm failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func buildCreateParams(opts CreateOptions, vfsWire []hookcompile.VFSCompiled, emitEvents bool, netWire []hookcompile.NetworkCompiled, server *hookserver.Server) map[string]any {
	params := map[string]any{
		"image": opts.Image,
	}

	if opts.Resources != nil {
		params["resources"] = map[string]any{
			"cpus":            opts.Resources.CPUs,
			"memory_mb":       opts.Resources.MemoryMB,
			"disk_size_mb":    opts.Resources.DiskSizeMB,
			"timeout_seconds": opts.Resources.TimeoutSeconds,
		}
	}

	if net := buildNetworkParams(opts, netWire, server); net != nil {
		params["network"] = net
	}

	if vfs := buildVFSParams(opts, vfsWire, emitEvents); vfs != nil {
		params["vfs"] = vfs
	}

	if len(opts.Env) > 0 {
		params["env"] = opts.Env
	}

	if opts.ImageConfig != nil {
		ic := map[string]any{}
		if len(opts.ImageConfig.Entrypoint) > 0 {
			ic["entrypoint"] = opts.ImageConfig.Entrypoint
		}
		if len(opts.ImageConfig.Cmd) > 0 {
			ic["cmd"] = opts.ImageConfig.Cmd
		}
		if len(opts.ImageConfig.Env) > 0 {
			ic["env"] = opts.ImageConfig.Env
		}
		if opts.ImageConfig.WorkingDir != "" {
			ic["working_dir"] = opts.ImageConfig.WorkingDir
		}
		params["image_config"] = ic
	}

	return params
}

// buildNetworkParams implements the block_private_ips backward-compat
// quirk: if the caller did not explicitly set it, it defaults to true
// whenever any other network field is present.
func buildNetworkParams(opts CreateOptions, netWire []hookcompile.NetworkCompiled, server *hookserver.Server) map[string]any {
	if opts.NoNetwork {
		net := map[string]any{"no_network": true}
		if len(opts.DNSServers) > 0 {
			net["dns_servers"] = opts.DNSServers
		}
		if opts.Hostname != "" {
			net["hostname"] = opts.Hostname
		}
		return net
	}

	hasAnyField := len(opts.AllowedHosts) > 0 || len(opts.Secrets) > 0 || opts.ForceInterception ||
		len(netWire) > 0 || len(opts.DNSServers) > 0 || opts.Hostname != "" || opts.NetworkMTU > 0 || server != nil

	if !hasAnyField {
		return nil
	}

	net := map[string]any{}
	if len(opts.AllowedHosts) > 0 {
		net["allowed_hosts"] = opts.AllowedHosts
	}

	blockPrivateIPs := true
	if opts.BlockPrivateIPs != nil {
		blockPrivateIPs = *opts.BlockPrivateIPs
	}
	net["block_private_ips"] = blockPrivateIPs

	if opts.ForceInterception || len(netWire) > 0 {
		net["intercept"] = true
	}
	if len(netWire) > 0 || server != nil {
		interception := map[string]any{"rules": netWire}
		if server != nil {
			interception["callback_socket"] = server.SocketPath()
		}
		net["interception"] = interception
	}
	if len(opts.Secrets) > 0 {
		secrets := map[string]any{}
		for name, s := range opts.Secrets {
			secrets[name] = map[string]any{"value": s.Value, "hosts": s.Hosts}
		}
		net["secrets"] = secrets
	}
	if len(opts.DNSServers) > 0 {
		net["dns_servers"] = opts.DNSServers
	}
	if opts.Hostname != "" {
		net["hostname"] = opts.Hostname
	}
	if opts.NetworkMTU > 0 {
		net["mtu"] = opts.NetworkMTU
	}
	return net
}

func buildVFSParams(opts CreateOptions, vfsWire []hookcompile.VFSCompiled, emitEvents bool) map[string]any {
	hasAnyField := len(opts.Mounts) > 0 || opts.Workspace != "" || len(vfsWire) > 0 || emitEvents
	if !hasAnyField {
		return nil
	}

	vfs := map[string]any{}
	if len(opts.Mounts) > 0 {
		mounts := make([]map[string]any, len(opts.Mounts))
		for i, m := range opts.Mounts {
			mounts[i] = map[string]any{"host_path": m.HostPath, "guest_path": m.GuestPath, "read_only": m.ReadOnly}
		}
		vfs["mounts"] = mounts
	}
	if opts.Workspace != "" {
		vfs["workspace"] = opts.Workspace
	}
	if len(vfsWire) > 0 || emitEvents {
		vfs["interception"] = map[string]any{"rules": vfsWire, "emit_events": emitEvents}
	}
	return vfs
}

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func base64Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (s sessionState) String() string {
	switch s {
	case stateNew:
		return "NEW"
	case stateStarted:
		return "STARTED"
	case stateCreated:
		return "CREATED"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
