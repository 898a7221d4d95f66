package hookserver

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"
)

type fakeRequestLine struct {
	CallbackID string `json:"callback_id"`
	Phase      string `json:"phase"`
	Host       string `json:"host"`
}

type fakeErrorReply struct {
	Error string `json:"error"`
}

func TestServerDispatchesByCallbackID(t *testing.T) {
	s := New()
	s.Register("network_hook_1", func(raw json.RawMessage) (json.RawMessage, error) {
		var req fakeRequestLine
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("Unmarshal request: %v", err)
		}
		if req.Phase != "before" {
			t.Fatalf("phase = %q, want before", req.Phase)
		}
		if req.Host != "example.com" {
			t.Fatalf("host = %q, want example.com", req.Host)
		}
		return json.RawMessage(`{"action":"allow"}`), nil
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("unix", s.SocketPath(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := fakeRequestLine{CallbackID: "network_hook_1", Phase: "before", Host: "example.com"}
	line, _ := json.Marshal(req)
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}

	var errReply fakeErrorReply
	if err := json.Unmarshal(reply, &errReply); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if errReply.Error != "" {
		t.Fatalf("unexpected error: %s", errReply.Error)
	}

	var result struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(reply, &result); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if result.Action != "allow" {
		t.Fatalf("action = %q, want allow", result.Action)
	}
}

func TestServerUnknownCallbackID(t *testing.T) {
	s := New()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("unix", s.SocketPath(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := fakeRequestLine{CallbackID: "nope"}
	line, _ := json.Marshal(req)
	line = append(line, '\n')
	conn.Write(line)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	var errReply fakeErrorReply
	json.Unmarshal(reply, &errReply)
	if errReply.Error == "" {
		t.Fatalf("expected error reply for unknown callback_id")
	}
}
