package matchlock

import (
	"encoding/json"
	"fmt"

	"github.com/kestrel-sh/matchlock/internal/hookcompile"
	"github.com/kestrel-sh/matchlock/internal/hookserver"
	"github.com/kestrel-sh/matchlock/internal/vfsdispatch"
)

// compileVFSHooks splits the caller's VFS hook rules into the wire shape
// sent to the manager plus the Go-side state needed to act on them: event
// dispatch rules for hook/dangerous_hook, and the mutate/action rule lists
// consulted inline by WriteFile/ReadFile/ListFiles.
func compileVFSHooks(rules []VFSHookRule) (wire []hookcompile.VFSCompiled, emitEvents bool, dispatch []vfsdispatch.Rule, mutate []VFSHookRule, action []VFSHookRule, err error) {
	compileInput := make([]hookcompile.VFSRule, len(rules))
	for i, r := range rules {
		kind, kerr := classifyVFSRule(r)
		if kerr != nil {
			return nil, false, nil, nil, nil, kerr
		}
		compileInput[i] = hookcompile.VFSRule{Ops: r.Ops, Path: r.PathGlob, Phase: r.Phase, Action: r.Action, Kind: kind}
	}

	wire, emitEvents, err = hookcompile.CompileVFS(compileInput)
	if err != nil {
		return nil, false, nil, nil, nil, wrapClientError(err, "compile vfs hooks")
	}

	for _, r := range rules {
		switch {
		case r.Hook != nil:
			hook := r.Hook
			dispatch = append(dispatch, vfsdispatch.Rule{Ops: r.Ops, PathGlob: r.PathGlob, Dangerous: false, Callback: adaptVFSCallback(hook)})
		case r.DangerousHook != nil:
			hook := r.DangerousHook
			dispatch = append(dispatch, vfsdispatch.Rule{Ops: r.Ops, PathGlob: r.PathGlob, Dangerous: true, Callback: adaptVFSCallback(hook)})
		case r.MutateHook != nil:
			mutate = append(mutate, r)
		case r.ActionHook != nil:
			action = append(action, r)
		}
	}
	return wire, emitEvents, dispatch, mutate, action, nil
}

// adaptVFSCallback wraps a public VFSHookFunc as a vfsdispatch.Callback,
// translating the dispatcher's internal Event shape to the public
// VFSHookEvent shape at the boundary.
func adaptVFSCallback(fn VFSHookFunc) vfsdispatch.Callback {
	return func(ev vfsdispatch.Event) {
		fn(VFSHookEvent{Op: ev.Op, Path: ev.Path, Size: ev.Size, Mode: ev.Mode, UID: ev.UID, GID: ev.GID})
	}
}

func classifyVFSRule(r VFSHookRule) (hookcompile.CallbackKind, error) {
	set := 0
	var kind hookcompile.CallbackKind
	if r.Hook != nil {
		set++
		kind = hookcompile.CallbackHook
	}
	if r.DangerousHook != nil {
		set++
		kind = hookcompile.CallbackDangerousHook
	}
	if r.MutateHook != nil {
		set++
		kind = hookcompile.CallbackMutateHook
	}
	if r.ActionHook != nil {
		set++
		kind = hookcompile.CallbackActionHook
	}
	if set > 1 {
		return 0, newClientError("VFSHookRule %q: at most one of Hook/DangerousHook/MutateHook/ActionHook may be set", r.Name)
	}
	if set == 0 {
		return hookcompile.CallbackNone, nil
	}
	return kind, nil
}

// compileNetworkHooks splits network hook rules into their wire shape and a
// map of callback_id -> rule for every rule carrying a local Hook.
func compileNetworkHooks(rules []NetworkHookRule) (wire []hookcompile.NetworkCompiled, callbacks map[string]NetworkHookRule, err error) {
	compileInput := make([]hookcompile.NetworkRule, len(rules))
	for i, r := range rules {
		var bodyReplacements []hookcompile.BodyReplacement
		for _, br := range r.BodyReplacements {
			bodyReplacements = append(bodyReplacements, hookcompile.BodyReplacement{Find: br.Find, Replace: br.Replace})
		}
		compileInput[i] = hookcompile.NetworkRule{
			Method:                 joinOrFirst(r.Methods),
			Host:                   joinOrFirst(r.HostGlobs),
			Path:                   r.PathGlob,
			Phase:                  r.Phase,
			Action:                 r.Action,
			HasCallback:            r.Hook != nil,
			TimeoutMs:              r.TimeoutMs,
			SetHeaders:             r.SetHeaders,
			DeleteHeaders:          r.DeleteHeaders,
			SetQuery:               r.SetQuery,
			DeleteQuery:            r.DeleteQuery,
			RewritePath:            r.RewritePath,
			SetResponseHeaders:     r.SetResponseHeaders,
			DeleteResponseHeaders:  r.DeleteResponseHeaders,
			BodyReplacements:       bodyReplacements,
		}
	}

	wire, ids, err := hookcompile.CompileNetwork(compileInput)
	if err != nil {
		return nil, nil, wrapClientError(err, "compile network hooks")
	}

	callbacks = make(map[string]NetworkHookRule)
	for i, id := range ids {
		if id != "" {
			callbacks[id] = rules[i]
		}
	}
	return wire, callbacks, nil
}

// joinOrFirst returns the first of values, or "" when values is empty. The
// compiled wire rule carries a single host and a single method, so any
// further values are not sent to the manager.
func joinOrFirst(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// makeNetworkCallback adapts a NetworkHookRule's Hook into the JSON-level
// CallbackFunc the hook server dispatches to. The manager sends one flat
// {callback_id, phase, host, method, path, ...} line per request, which
// decodes directly into NetworkHookRequest.
func makeNetworkCallback(rule NetworkHookRule) hookserver.CallbackFunc {
	return func(raw json.RawMessage) (json.RawMessage, error) {
		var req NetworkHookRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode network hook request: %w", err)
		}

		result, err := rule.Hook(req)
		if err != nil {
			return nil, err
		}
		if result.Action == "" {
			result.Action = "allow"
		}

		reply, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode network hook result: %w", err)
		}
		return reply, nil
	}
}

// runActionHooks evaluates the action-hook chain for a pending VFS op,
// in declaration order, stopping at the first non-allow decision.
func runActionHooks(rules []VFSHookRule, op, path string) (string, error) {
	for _, r := range rules {
		if !ruleMatchesOp(r, op, path) {
			continue
		}
		raw, err := r.ActionHook(VFSActionRequest{Op: op, Path: path})
		if err != nil {
			return "", wrapClientError(err, "action hook %q failed", r.Name)
		}
		decision, err := hookcompile.NormalizeDecision(raw)
		if err != nil {
			return "", wrapClientError(err, "action hook %q", r.Name)
		}
		if decision == "block" {
			return "block", nil
		}
	}
	return "allow", nil
}

// runMutateHooks applies the mutate-hook chain to content in declaration
// order, each hook seeing the prior hook's output.
func runMutateHooks(rules []VFSHookRule, path string, content []byte, mode uint32) ([]byte, error) {
	for _, r := range rules {
		if !ruleMatchesOp(r, VFSOpWrite, path) {
			continue
		}
		out, err := r.MutateHook(VFSMutateRequest{Path: path, Content: content, Mode: mode})
		if err != nil {
			return nil, wrapClientError(err, "mutate hook %q failed", r.Name)
		}
		switch v := out.(type) {
		case nil:
			// unchanged
		case string:
			content = []byte(v)
		case []byte:
			content = v
		default:
			return nil, newClientError("mutate hook %q returned unsupported type %T", r.Name, out)
		}
	}
	return content, nil
}

func ruleMatchesOp(r VFSHookRule, op, path string) bool {
	if r.PathGlob != "" && !vfsdispatch.MatchPath(r.PathGlob, path) {
		return false
	}
	if len(r.Ops) == 0 {
		return true
	}
	for _, o := range r.Ops {
		if o == op {
			return true
		}
	}
	return false
}
