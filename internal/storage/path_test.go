package storage

import (
	"testing"
	"time"
)

func TestBuildAuditExportPath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 4, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildAuditExportPath("security_log", ts, "0b6f3c1e-5d2a-4f7e-9a61-3c2d1e0f9a88")
	if err != nil {
		t.Fatalf("BuildAuditExportPath() error = %v", err)
	}
	want := "audit/security_log/date=2026-02-19/hour=09/export-0b6f3c1e-5d2a-4f7e-9a61-3c2d1e0f9a88.parquet"
	if key != want {
		t.Fatalf("BuildAuditExportPath() = %q, want %q", key, want)
	}
}

func TestBuildAuditExportPathRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildAuditExportPath("../oops", time.Now(), "x1"); err == nil {
		t.Fatal("expected invalid dataset error")
	}
	if _, err := BuildAuditExportPath("security_log", time.Now(), "a/b"); err == nil {
		t.Fatal("expected invalid export id error")
	}
}
