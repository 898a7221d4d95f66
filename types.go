package matchlock

import "github.com/kestrel-sh/matchlock/internal/secretsfile"

// Resources describes the VM resource quotas requested at create time.
type Resources struct {
	CPUs           int
	MemoryMB       int
	DiskSizeMB     int
	TimeoutSeconds int
}

// MountConfig describes one workspace mount.
type MountConfig struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// Secret is a sandbox secret value and the hosts it may be sent to over
// the network (empty Hosts means available to the whole sandbox).
type Secret struct {
	Value string
	Hosts []string
}

// ImageConfig overrides the OCI image's default entrypoint/cmd/env/workdir.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
}

// CreateOptions aggregates sandbox configuration passed to Create/Launch.
type CreateOptions struct {
	Image string

	Resources *Resources

	AllowedHosts []string
	// BlockPrivateIPs is a tri-state override: nil means "resolve the
	// default", which is true whenever any network field is set, unless
	// explicitly overridden here.
	BlockPrivateIPs *bool
	Secrets         map[string]Secret

	Mounts    []MountConfig
	Env       map[string]string
	Workspace string

	DNSServers []string
	Hostname   string
	NetworkMTU int

	Privileged        bool
	NoNetwork         bool
	ForceInterception bool

	VFSHooks     []VFSHookRule
	NetworkHooks []NetworkHookRule

	ImageConfig *ImageConfig
	// LaunchEntrypoint asks for the image's configured entrypoint to run
	// instead of leaving the sandbox idle for exec calls. Create does not
	// include it in the create request, so the manager never receives it.
	LaunchEntrypoint bool
}

// Validate checks CreateOptions invariants that must hold before any rule
// compilation or RPC is attempted.
func (o *CreateOptions) Validate() error {
	if o.Image == "" {
		return newClientError("CreateOptions.Image must not be empty")
	}
	if o.NetworkMTU < 0 {
		return newClientError("CreateOptions.NetworkMTU must be >= 0, got %d", o.NetworkMTU)
	}
	if o.NoNetwork {
		if len(o.AllowedHosts) > 0 {
			return newClientError("CreateOptions.NoNetwork is mutually exclusive with AllowedHosts")
		}
		if len(o.Secrets) > 0 {
			return newClientError("CreateOptions.NoNetwork is mutually exclusive with Secrets")
		}
		if o.ForceInterception {
			return newClientError("CreateOptions.NoNetwork is mutually exclusive with ForceInterception")
		}
		if len(o.NetworkHooks) > 0 {
			return newClientError("CreateOptions.NoNetwork is mutually exclusive with NetworkHooks")
		}
	}
	return nil
}

// LoadSecretsFile decrypts the encrypted secrets file at secretsFilePath
// (using the master key at masterKeyPath, generated on first use) and
// merges each entry into o.Secrets, scoped to hosts. Entries already
// present in o.Secrets are left untouched. This lets a caller keep
// values like ANTHROPIC_API_KEY=... at rest instead of in a shell
// environment or a checked-in .env file.
func (o *CreateOptions) LoadSecretsFile(masterKeyPath, secretsFilePath string, hosts ...string) error {
	store, err := secretsfile.NewStore(masterKeyPath)
	if err != nil {
		return wrapClientError(err, "open secrets file master key")
	}
	decrypted, err := store.Load(secretsFilePath)
	if err != nil {
		return wrapClientError(err, "load secrets file")
	}
	if o.Secrets == nil {
		o.Secrets = make(map[string]Secret, len(decrypted))
	}
	for name, value := range decrypted {
		if _, exists := o.Secrets[name]; exists {
			continue
		}
		o.Secrets[name] = Secret{Value: value, Hosts: hosts}
	}
	return nil
}

// ExecResult is the outcome of a completed exec/exec_stream call. A
// non-zero ExitCode is not itself an error: only a transport-level
// failure returns a non-nil error from Exec/ExecStream.
type ExecResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
}

// FileInfo describes one directory entry returned by ListFiles.
type FileInfo struct {
	Name  string
	Size  int64
	Mode  uint32
	IsDir bool
}

// VolumeInfo describes a named persistent volume.
type VolumeInfo struct {
	Name string
	Size int64
	Path string
}
