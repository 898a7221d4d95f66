package matchlock

// VFS operation names used in VFSHookRule.Ops and VFSHookEvent.Op.
const (
	VFSOpRead    = "read"
	VFSOpWrite   = "write"
	VFSOpReaddir = "readdir"
)

// VFSHookEvent is delivered to a safe or dangerous after-hook once the
// manager has performed a matching VFS operation.
type VFSHookEvent struct {
	Op   string
	Path string
	Size int64
	Mode uint32
	UID  int
	GID  int
}

// VFSHookFunc observes a completed VFS operation. It runs after the
// operation and cannot block or alter it.
type VFSHookFunc func(VFSHookEvent)

// VFSMutateRequest is passed to a mutate hook before a write is sent to
// the manager.
type VFSMutateRequest struct {
	Path    string
	Content []byte
	Mode    uint32
}

// VFSMutateFunc inspects (and may replace) the bytes of a pending write.
// It returns nil to pass Content through unchanged, a string (re-encoded
// as UTF-8) or a []byte to replace it, or an error to abort the write.
type VFSMutateFunc func(VFSMutateRequest) (any, error)

// VFSActionRequest is passed to an action hook before a VFS operation is
// sent to the manager.
type VFSActionRequest struct {
	Op   string
	Path string
}

// VFSActionFunc decides whether a pending VFS operation may proceed. It
// must return "allow", "block", or "" (equivalent to "allow").
type VFSActionFunc func(VFSActionRequest) (string, error)

// VFSHookRule configures interception of VFS operations matching Ops and
// PathGlob. At most one of Hook, DangerousHook, MutateHook, ActionHook may
// be set; each implies constraints on Phase and Action documented on the
// field itself.
type VFSHookRule struct {
	Name     string
	Ops      []string
	PathGlob string

	// Phase and Action describe the rule's declarative wire behavior.
	// Phase must be "after" for Hook/DangerousHook and "before" for
	// MutateHook/ActionHook. Action must be "" or "allow" for
	// Hook/DangerousHook; a declarative (callback-less) rule may use
	// "allow" or "block", and "mutate_write" is accepted only on a rule
	// with MutateHook set.
	Phase  string
	Action string

	TimeoutMs int

	Hook          VFSHookFunc
	DangerousHook VFSHookFunc
	MutateHook    VFSMutateFunc
	ActionHook    VFSActionFunc
}

// NetworkHookRequest describes one intercepted HTTP request/response the
// manager is asking the client to decide on.
type NetworkHookRequest struct {
	CallbackID      string              `json:"callback_id"`
	Phase           string              `json:"phase"`
	Host            string              `json:"host"`
	Method          string              `json:"method"`
	Path            string              `json:"path"`
	Query           map[string]string   `json:"query,omitempty"`
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	StatusCode      int                 `json:"status_code,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	IsSSE           bool                `json:"is_sse,omitempty"`
}

// BodyReplacement is one find/replace pair applied to a response body.
type BodyReplacement struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// NetworkHookRequestMutation edits the outgoing request when Action is
// "mutate" in the before phase.
type NetworkHookRequestMutation struct {
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Path    string            `json:"path,omitempty"`
}

// NetworkHookResponseMutation edits the response when Action is "mutate"
// in the after phase. SetBody marshals to set_body_base64 (encoding/json
// base64-encodes a []byte field automatically), matching the wire shape
// the manager expects for raw replacement bytes.
type NetworkHookResponseMutation struct {
	Headers          map[string]string `json:"headers,omitempty"`
	BodyReplacements []BodyReplacement `json:"body_replacements,omitempty"`
	SetBody          []byte            `json:"set_body_base64,omitempty"`
}

// NetworkHookResult is returned by a NetworkHookFunc.
type NetworkHookResult struct {
	Action   string                       `json:"action"` // "allow", "block", "mutate", or "" (equivalent to allow)
	Request  *NetworkHookRequestMutation  `json:"request,omitempty"`
	Response *NetworkHookResponseMutation `json:"response,omitempty"`
}

// NetworkHookFunc decides the outcome of one intercepted network request.
type NetworkHookFunc func(NetworkHookRequest) (NetworkHookResult, error)

// NetworkHookRule configures interception of outbound network requests
// matching HostGlobs/Methods/PathGlob. Only the first entry of HostGlobs
// and the first of Methods are compiled into the wire rule; later entries
// are ignored. A rule with Hook set must carry
// Action "" or "allow": the hook's return value, not the rule's
// declarative Action, determines the outcome for callback rules.
type NetworkHookRule struct {
	Name      string
	HostGlobs []string
	Methods   []string
	PathGlob  string

	Phase  string
	Action string // "allow", "block", "mutate", or "" for declarative rules

	TimeoutMs int

	SetHeaders             map[string]string
	DeleteHeaders          []string
	SetQuery               map[string]string
	DeleteQuery            []string
	RewritePath            string
	SetResponseHeaders     map[string]string
	DeleteResponseHeaders  []string
	BodyReplacements       []BodyReplacement

	Hook NetworkHookFunc
}
