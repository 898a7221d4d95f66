// Package hookcompile validates and compiles VFS and network hook rules
// into the wire configuration sent to the manager, enforcing the
// phase/action invariants each callback type requires.
package hookcompile

import (
	"fmt"
	"strings"
)

// CallbackKind classifies the local Go callback, if any, attached to a rule.
type CallbackKind int

const (
	// CallbackNone means the rule is purely declarative: it is sent to the
	// manager as-is and never invokes client-side Go code.
	CallbackNone CallbackKind = iota
	// CallbackHook is a safe after-phase callback: the manager performs the
	// operation, then emits an event the client dispatches asynchronously.
	CallbackHook
	// CallbackDangerousHook is an after-phase callback allowed to be
	// re-entrant (it may itself call back into the client while handling
	// the event).
	CallbackDangerousHook
	// CallbackMutateHook runs before a write, inline, and may replace the
	// bytes being written.
	CallbackMutateHook
	// CallbackActionHook runs before an operation, inline, and decides
	// allow/block.
	CallbackActionHook
)

// VFSRule is the compiler's view of one VFS hook rule. Kind describes
// whether/how a local Go callback is attached; the callback value
// itself is opaque to this package and stays with the caller.
type VFSRule struct {
	Ops    []string
	Path   string
	Phase  string // "", "before", "after"
	Action string // "", "allow", "block", "mutate_write"
	Kind   CallbackKind
}

// VFSCompiled is the wire-ready shape of one compiled VFS rule.
type VFSCompiled struct {
	Ops    []string `json:"ops,omitempty"`
	Path   string   `json:"path,omitempty"`
	Phase  string   `json:"phase,omitempty"`
	Action string   `json:"action,omitempty"`
}

// CompileVFS validates every rule's callback/phase/action combination and
// returns the wire-ready rule list plus whether the manager must emit VFS
// file events (required whenever any rule carries a hook or dangerous_hook
// callback).
func CompileVFS(rules []VFSRule) (wire []VFSCompiled, emitEvents bool, err error) {
	for i, r := range rules {
		switch r.Kind {
		case CallbackNone:
			if r.Action == "mutate_write" {
				return nil, false, fmt.Errorf("hookcompile: vfs rule %d: action %q requires a mutate_hook callback", i, r.Action)
			}
			wire = append(wire, VFSCompiled{Ops: r.Ops, Path: r.Path, Phase: r.Phase, Action: r.Action})
		case CallbackHook, CallbackDangerousHook:
			if r.Phase != "after" {
				return nil, false, fmt.Errorf("hookcompile: vfs rule %d: hook callback requires phase=after, got %q", i, r.Phase)
			}
			if r.Action != "" && r.Action != "allow" {
				return nil, false, fmt.Errorf("hookcompile: vfs rule %d: hook callback requires action in {\"\", allow}, got %q", i, r.Action)
			}
			emitEvents = true
		case CallbackMutateHook:
			if r.Phase != "before" {
				return nil, false, fmt.Errorf("hookcompile: vfs rule %d: mutate_hook requires phase=before, got %q", i, r.Phase)
			}
		case CallbackActionHook:
			if r.Phase != "before" {
				return nil, false, fmt.Errorf("hookcompile: vfs rule %d: action_hook requires phase=before, got %q", i, r.Phase)
			}
		default:
			return nil, false, fmt.Errorf("hookcompile: vfs rule %d: unknown callback kind %d", i, r.Kind)
		}
	}
	return wire, emitEvents, nil
}

// BodyReplacement is one find/replace pair applied to a response body.
type BodyReplacement struct {
	Find    string
	Replace string
}

// NetworkRule is the compiler's view of one network hook rule.
type NetworkRule struct {
	Method        string
	Host          string
	Path          string
	Phase         string
	Action        string
	HasCallback   bool
	TimeoutMs     int
	SetHeaders    map[string]string
	DeleteHeaders []string
	SetQuery      map[string]string
	DeleteQuery   []string
	RewritePath   string

	SetResponseHeaders    map[string]string
	DeleteResponseHeaders []string
	BodyReplacements       []BodyReplacement
}

// NetworkCompiled is the wire-ready shape of one compiled network rule.
type NetworkCompiled struct {
	Method        string            `json:"method,omitempty"`
	Host          string            `json:"host,omitempty"`
	Path          string            `json:"path,omitempty"`
	Phase         string            `json:"phase,omitempty"`
	Action        string            `json:"action,omitempty"`
	CallbackID    string            `json:"callback_id,omitempty"`
	TimeoutMs     int               `json:"timeout_ms,omitempty"`
	SetHeaders    map[string]string `json:"set_headers,omitempty"`
	DeleteHeaders []string          `json:"delete_headers,omitempty"`
	SetQuery      map[string]string `json:"set_query,omitempty"`
	DeleteQuery   []string          `json:"delete_query,omitempty"`
	RewritePath   string            `json:"rewrite_path,omitempty"`

	SetResponseHeaders    map[string]string `json:"set_response_headers,omitempty"`
	DeleteResponseHeaders []string          `json:"delete_response_headers,omitempty"`
	BodyReplacements      []BodyReplacement `json:"body_replacements,omitempty"`
}

// CompileNetwork validates rules and assigns sequential callback ids
// ("network_hook_1", "network_hook_2", ...) to every rule with a callback.
// The returned callbackIDs slice is parallel to rules: "" where the rule
// has no local callback.
func CompileNetwork(rules []NetworkRule) (wire []NetworkCompiled, callbackIDs []string, err error) {
	callbackIDs = make([]string, len(rules))
	n := 0
	for i, r := range rules {
		id := ""
		if r.HasCallback {
			if r.Action != "" && r.Action != "allow" {
				return nil, nil, fmt.Errorf("hookcompile: network rule %d: callback rule requires action in {\"\", allow}, got %q", i, r.Action)
			}
			n++
			id = fmt.Sprintf("network_hook_%d", n)
			callbackIDs[i] = id
		}
		wire = append(wire, NetworkCompiled{
			Method:                 r.Method,
			Host:                   r.Host,
			Path:                   r.Path,
			Phase:                  r.Phase,
			Action:                 r.Action,
			CallbackID:             id,
			TimeoutMs:              r.TimeoutMs,
			SetHeaders:             r.SetHeaders,
			DeleteHeaders:          r.DeleteHeaders,
			SetQuery:               r.SetQuery,
			DeleteQuery:            r.DeleteQuery,
			RewritePath:            r.RewritePath,
			SetResponseHeaders:     r.SetResponseHeaders,
			DeleteResponseHeaders:  r.DeleteResponseHeaders,
			BodyReplacements:       r.BodyReplacements,
		})
	}
	return wire, callbackIDs, nil
}

// NormalizeDecision trims and lower-cases a hook's returned decision string
// and validates it is one of the allowed action-hook outcomes.
func NormalizeDecision(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	switch d {
	case "", "allow", "block":
		return d, nil
	default:
		return "", fmt.Errorf("hookcompile: action hook returned invalid decision %q", raw)
	}
}
