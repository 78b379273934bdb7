package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/medvault/medvault/internal/platform/audit"
)

func writeChain(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit")
	chain, err := audit.OpenChainSink(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, pid := range []string{"P-2026-047", "P-2026-048", "P-2026-047"} {
		e := audit.Entry{
			Actor:     "dr.rao@clinic.example",
			PatientID: pid,
			Action:    audit.ActionGatekeeper,
			Reason:    fmt.Sprintf("visit %d", i+1),
			At:        time.Date(2026, 3, 1, 9, i, 0, 0, time.UTC),
		}
		if _, err := chain.Record(context.Background(), e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := chain.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestRunAuditVerify(t *testing.T) {
	path := writeChain(t)
	var out bytes.Buffer
	if err := runAuditVerify(context.Background(), path, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "3 block(s) verified") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestRunAuditVerify_Tampered(t *testing.T) {
	path := writeChain(t)

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	key := []byte(fmt.Sprintf("block_%020d", 2))
	raw, err := db.Get(key, nil)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	var b audit.Block
	json.Unmarshal(raw, &b)
	b.Entry.Reason = "routine check"
	raw, _ = json.Marshal(b)
	db.Put(key, raw, nil)
	db.Close()

	var out bytes.Buffer
	err = runAuditVerify(context.Background(), path, &out)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if !strings.Contains(out.String(), "BROKEN after 1 good block(s)") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestRunAuditVerify_MissingChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nowhere")
	if err := runAuditVerify(context.Background(), path, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for a missing chain")
	}
}

func TestRunAuditList(t *testing.T) {
	path := writeChain(t)
	var out bytes.Buffer
	if err := runAuditList(context.Background(), path, audit.SearchParams{PatientID: "P-2026-047"}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "2 of 2 matching entries") {
		t.Errorf("unexpected summary: %q", text)
	}
	if strings.Contains(text, "P-2026-048") {
		t.Errorf("filter ignored: %q", text)
	}
	if strings.Index(text, "visit 3") > strings.Index(text, "visit 1") {
		t.Errorf("expected newest first: %q", text)
	}
}
