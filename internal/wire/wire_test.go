package wire

import (
	"encoding/json"
	"testing"
)

func TestClassifyResponse(t *testing.T) {
	kind, resp, notif, err := Classify([]byte(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}` + "\n"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if kind != KindResponse {
		t.Fatalf("kind = %v, want KindResponse", kind)
	}
	if notif != nil {
		t.Fatalf("notif should be nil")
	}
	if resp.ID == nil || *resp.ID != 3 {
		t.Fatalf("resp.ID = %v, want 3", resp.ID)
	}
}

func TestClassifyNotification(t *testing.T) {
	kind, resp, notif, err := Classify([]byte(`{"jsonrpc":"2.0","method":"event","params":{"x":1}}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if kind != KindNotification {
		t.Fatalf("kind = %v, want KindNotification", kind)
	}
	if resp != nil {
		t.Fatalf("resp should be nil")
	}
	if notif.Method != "event" {
		t.Fatalf("notif.Method = %q", notif.Method)
	}
}

func TestClassifyError(t *testing.T) {
	kind, resp, notif, err := Classify([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"vm failed"}}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if kind != KindResponse {
		t.Fatalf("kind = %v, want KindResponse", kind)
	}
	if notif != nil {
		t.Fatalf("notif should be nil")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeVMFailed {
		t.Fatalf("resp.Error = %+v", resp.Error)
	}
}

func TestClassifyMalformed(t *testing.T) {
	if _, _, _, err := Classify([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed line")
	}
	if _, _, _, err := Classify([]byte(``)); err == nil {
		t.Fatalf("expected error for empty line")
	}
}

func TestEncodeLineRoundTrip(t *testing.T) {
	req := NewRequest(7, "exec", map[string]string{"cmd": "ls"})
	line, err := EncodeLine(req)
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatalf("EncodeLine must terminate with newline")
	}
	var decoded Request
	if err := json.Unmarshal(line[:len(line)-1], &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Method != "exec" || decoded.ID != 7 {
		t.Fatalf("decoded = %+v", decoded)
	}
}
