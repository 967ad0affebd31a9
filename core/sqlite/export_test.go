package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/CDLUC3/naanreg/core/anvl"
	"github.com/CDLUC3/naanreg/core/naan"
)

func testRecords(t *testing.T) []naan.Record {
	t.Helper()
	p := anvl.NewParser()
	nblk, err := p.ParseBlock(`naa:
who: Example Organization (=) EO
what: 12345
when: 2021.03.04
where: https://example.org/
how: NP | (:unkn) unknown | 2001 |
!contact: Jane Smith ||| jane@example.org`)
	if err != nil {
		t.Fatalf("ParseBlock() error = %v", err)
	}
	n, err := naan.NAANFromBlock(nblk, nil)
	if err != nil {
		t.Fatalf("NAANFromBlock() error = %v", err)
	}
	sblk, err := p.ParseBlock(`naa:
what: ark:/12345/fk4
who: Example Organization (=) EO
when: 2022.11.30
where: https://shoulders.example.org/
how: NP | (:unkn) unknown | 2001 |`)
	if err != nil {
		t.Fatalf("ParseBlock() error = %v", err)
	}
	s, err := naan.ShoulderFromBlock(sblk, nil)
	if err != nil {
		t.Fatalf("ShoulderFromBlock() error = %v", err)
	}
	return []naan.Record{n, n.Public(), s}
}

func TestDriverInfo(t *testing.T) {
	info := GetInfo()
	if info.DriverName != DriverName() {
		t.Errorf("Info.DriverName = %q, want %q", info.DriverName, DriverName())
	}
	if info.IsCGO != IsCGO() {
		t.Errorf("Info.IsCGO = %v, want %v", info.IsCGO, IsCGO())
	}
	switch info.DriverType {
	case "purego", "cgo":
	default:
		t.Errorf("Info.DriverType = %q, want purego or cgo", info.DriverType)
	}
}

func TestExportRecords(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "naans.sqlite"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	records := testRecords(t)
	n, err := ExportRecords(ctx, db, records)
	if err != nil {
		t.Fatalf("ExportRecords() error = %v", err)
	}
	if n != len(records) {
		t.Errorf("ExportRecords() = %d, want %d", n, len(records))
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM naans").Scan(&count); err != nil {
		t.Fatalf("counting naans: %v", err)
	}
	// The public projection replaced the private row for the same key.
	if count != 1 {
		t.Errorf("naans count = %d, want 1", count)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM shoulders").Scan(&count); err != nil {
		t.Fatalf("counting shoulders: %v", err)
	}
	if count != 1 {
		t.Errorf("shoulders count = %d, want 1", count)
	}

	var targetURL string
	var httpCode int
	err = db.QueryRowContext(ctx,
		"SELECT target_url, target_http_code FROM naans WHERE what = ?", "12345").
		Scan(&targetURL, &httpCode)
	if err != nil {
		t.Fatalf("selecting naan row: %v", err)
	}
	if targetURL != "https://example.org/ark:/${content}" {
		t.Errorf("target_url = %q", targetURL)
	}
	if httpCode != 302 {
		t.Errorf("target_http_code = %d, want 302", httpCode)
	}

	var shoulderNAAN string
	err = db.QueryRowContext(ctx,
		"SELECT naan FROM shoulders WHERE what = ?", "12345/fk4").Scan(&shoulderNAAN)
	if err != nil {
		t.Fatalf("selecting shoulder row: %v", err)
	}
	if shoulderNAAN != "12345" {
		t.Errorf("shoulder naan = %q, want 12345", shoulderNAAN)
	}
}

func TestExportRecordsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "naans.sqlite"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	records := testRecords(t)
	for i := 0; i < 2; i++ {
		if _, err := ExportRecords(ctx, db, records); err != nil {
			t.Fatalf("ExportRecords() #%d error = %v", i, err)
		}
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM naans").Scan(&count); err != nil {
		t.Fatalf("counting naans: %v", err)
	}
	if count != 1 {
		t.Errorf("naans count = %d, want 1 after re-export", count)
	}
}
