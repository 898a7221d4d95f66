package hookcompile

import "testing"

func TestCompileVFSHookRequiresAfterPhase(t *testing.T) {
	_, _, err := CompileVFS([]VFSRule{{Ops: []string{"write"}, Kind: CallbackHook, Phase: "before"}})
	if err == nil {
		t.Fatalf("expected error for hook callback with phase=before")
	}
}

func TestCompileVFSHookSetsEmitEvents(t *testing.T) {
	wireRules, emit, err := CompileVFS([]VFSRule{{Ops: []string{"write"}, Kind: CallbackHook, Phase: "after"}})
	if err != nil {
		t.Fatalf("CompileVFS: %v", err)
	}
	if !emit {
		t.Fatalf("expected emitEvents=true")
	}
	if len(wireRules) != 0 {
		t.Fatalf("a rule with a callback must be elided from the wire, got %v", wireRules)
	}
}

func TestCompileVFSMutateWriteWithoutCallbackRejected(t *testing.T) {
	_, _, err := CompileVFS([]VFSRule{{Ops: []string{"write"}, Kind: CallbackNone, Action: "mutate_write"}})
	if err == nil {
		t.Fatalf("expected error for declarative mutate_write without a mutate_hook")
	}
}

func TestCompileVFSDeclarativeRuleIsPreserved(t *testing.T) {
	wireRules, emit, err := CompileVFS([]VFSRule{{Ops: []string{"read"}, Path: "/etc/*", Kind: CallbackNone, Action: "block"}})
	if err != nil {
		t.Fatalf("CompileVFS: %v", err)
	}
	if emit {
		t.Fatalf("declarative-only rules must not force emitEvents")
	}
	if wireRules[0].Action != "block" || wireRules[0].Path != "/etc/*" {
		t.Fatalf("wireRules[0] = %+v", wireRules[0])
	}
}

func TestCompileVFSMutateHookRequiresBeforePhase(t *testing.T) {
	_, _, err := CompileVFS([]VFSRule{{Ops: []string{"write"}, Kind: CallbackMutateHook, Phase: "after"}})
	if err == nil {
		t.Fatalf("expected error for mutate_hook with phase=after")
	}
}

func TestCompileNetworkAssignsSequentialIDs(t *testing.T) {
	wireRules, ids, err := CompileNetwork([]NetworkRule{
		{Host: "a.example.com", HasCallback: true},
		{Host: "b.example.com"},
		{Host: "c.example.com", HasCallback: true},
	})
	if err != nil {
		t.Fatalf("CompileNetwork: %v", err)
	}
	if ids[0] != "network_hook_1" || ids[1] != "" || ids[2] != "network_hook_2" {
		t.Fatalf("ids = %v", ids)
	}
	if wireRules[0].CallbackID != "network_hook_1" {
		t.Fatalf("wireRules[0].CallbackID = %q", wireRules[0].CallbackID)
	}
}

func TestCompileNetworkCallbackRejectsNonAllowAction(t *testing.T) {
	_, _, err := CompileNetwork([]NetworkRule{{HasCallback: true, Action: "block"}})
	if err == nil {
		t.Fatalf("expected error for callback rule with action=block")
	}
}

func TestNormalizeDecision(t *testing.T) {
	cases := map[string]string{"Allow": "allow", "  BLOCK  ": "block", "": ""}
	for in, want := range cases {
		got, err := NormalizeDecision(in)
		if err != nil {
			t.Fatalf("NormalizeDecision(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeDecision(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := NormalizeDecision("maybe"); err == nil {
		t.Fatalf("expected error for invalid decision")
	}
}
