package calllog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestInsertAndCount(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "calllog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	err = db.Insert(Record{SessionID: "s1", CallID: 1, Method: "exec", StartedAt: time.Now(), DurationMs: 5, Outcome: "ok"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err = db.Insert(Record{SessionID: "s1", CallID: 2, Method: "create", StartedAt: time.Now(), DurationMs: 10, Outcome: "rpc_error", Detail: "vm failed"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := db.CountForSession("s1")
	if err != nil {
		t.Fatalf("CountForSession: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountForSession = %d, want 2", n)
	}
}

func TestExportAndRotateCompressesAndClears(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "calllog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := db.Insert(Record{SessionID: "s1", CallID: uint64(i), Method: "exec", StartedAt: time.Now(), DurationMs: 1, Outcome: "ok"}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	outPath := filepath.Join(dir, "export-1.ndjson.zst")
	n, err := db.ExportAndRotate("s1", outPath)
	if err != nil {
		t.Fatalf("ExportAndRotate: %v", err)
	}
	if n != 3 {
		t.Fatalf("exported = %d, want 3", n)
	}

	remaining, err := db.CountForSession("s1")
	if err != nil {
		t.Fatalf("CountForSession: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0 after rotation", remaining)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	decompressed, err := dec.DecodeAll(data, nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(decompressed) == 0 {
		t.Fatalf("expected non-empty decompressed export")
	}
}
