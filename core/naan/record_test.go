package naan

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/CDLUC3/naanreg/core/anvl"
	"github.com/CDLUC3/naanreg/core/errors"
)

func mustParseBlock(t *testing.T, src string) *anvl.Block {
	t.Helper()
	blk, err := anvl.NewParser().ParseBlock(src)
	if err != nil {
		t.Fatalf("ParseBlock() error = %v", err)
	}
	return blk
}

const naanBlockSrc = `naa:
who: Example Organization (=) EO
what: 12345
when: 2021.03.04
where: https://example.org/ark:
how: NP | (:unkn) unknown | 2001 |
!why: ARK
!contact: Jane Smith ||| jane@example.org | +1 555 0100
!address: 123 Main Street, Anytown
!history: transferred from Other Org
!provider: hosting-co
`

const shoulderBlockSrc = `naa:
what: ark:/99999/fk4
who: Example Organization (=) EO
when: 2022.11.30
where: https://example.org/
how: NP | (:unkn) unknown | 2001 |
!note: test shoulder
`

func mustParseNAAN(t *testing.T, src string) *NAAN {
	t.Helper()
	blk := mustParseBlock(t, src)
	rec, err := NAANFromBlock(blk, nil)
	if err != nil {
		t.Fatalf("NAANFromBlock() error = %v", err)
	}
	return rec
}

func TestNAANFromBlock(t *testing.T) {
	rec := mustParseNAAN(t, naanBlockSrc)

	if rec.What != "12345" {
		t.Errorf("What = %q, want 12345", rec.What)
	}
	if rec.Identifier() != "12345" {
		t.Errorf("Identifier() = %q, want 12345", rec.Identifier())
	}
	if rec.Type() != TypeNAAN {
		t.Errorf("Type() = %q, want %q", rec.Type(), TypeNAAN)
	}
	wantWho := Who{Name: "Example Organization", Acronym: "EO", Address: "123 Main Street, Anytown"}
	if rec.Who != wantWho {
		t.Errorf("Who = %+v, want %+v", rec.Who, wantWho)
	}
	if want := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC); !rec.When.Time.Equal(want) {
		t.Errorf("When = %v, want %v", rec.When.Time, want)
	}
	if rec.Where != "https://example.org/ark:" {
		t.Errorf("Where = %q", rec.Where)
	}
	if want := "https://example.org/ark:${content}"; rec.Target.URL != want {
		t.Errorf("Target.URL = %q, want %q", rec.Target.URL, want)
	}
	if rec.Target.HTTPCode != 302 {
		t.Errorf("Target.HTTPCode = %d, want 302", rec.Target.HTTPCode)
	}
	wantPolicy := Policy{OrgType: "NP", Policy: "(:unkn) unknown", Tenure: "2001"}
	if rec.Policy != wantPolicy {
		t.Errorf("Policy = %+v, want %+v", rec.Policy, wantPolicy)
	}
	if rec.Contact == nil {
		t.Fatal("Contact = nil")
	}
	wantContact := Contact{Name: "Jane Smith", Email: "jane@example.org", Phone: "+1 555 0100"}
	if *rec.Contact != wantContact {
		t.Errorf("Contact = %+v, want %+v", *rec.Contact, wantContact)
	}
	if rec.Why != "ARK" {
		t.Errorf("Why = %q, want ARK", rec.Why)
	}
	if rec.Provider != "hosting-co" {
		t.Errorf("Provider = %q, want hosting-co", rec.Provider)
	}
	if rec.Purpose != "unspecified" {
		t.Errorf("Purpose = %q, want unspecified", rec.Purpose)
	}
	if len(rec.Comments) != 1 {
		t.Fatalf("Comments = %v, want one entry", rec.Comments)
	}
	if got := rec.Comments[0]["!history"]; got != "transferred from Other Org" {
		t.Errorf("Comments[0] = %v", rec.Comments[0])
	}
}

func TestNAANFromBlockErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "missing what", src: "naa:\nwho: X\nwhen: 2021.01.01"},
		{name: "flat block has no naa section", src: "who: X\nwhat: 12345"},
		{name: "bad date", src: "naa:\nwhat: 12345\nwhen: 2021-01-01"},
		{name: "short how", src: "naa:\nwhat: 12345\nhow: NP | none"},
		{name: "short contact", src: "naa:\nwhat: 12345\n!contact: name | unit"},
		{name: "unrecognized field", src: "naa:\nwhat: 12345\nbudget: large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NAANFromBlock(mustParseBlock(t, tt.src), nil)
			if err == nil {
				t.Fatal("NAANFromBlock() error = nil, want validation error")
			}
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("errors.Is(err, ErrInvalidInput) = false for %v", err)
			}
		})
	}
}

func TestShoulderFromBlock(t *testing.T) {
	rec, err := ShoulderFromBlock(mustParseBlock(t, shoulderBlockSrc), nil)
	if err != nil {
		t.Fatalf("ShoulderFromBlock() error = %v", err)
	}
	if rec.NAAN != "99999" || rec.Shoulder != "fk4" {
		t.Errorf("NAAN/Shoulder = %q/%q, want 99999/fk4", rec.NAAN, rec.Shoulder)
	}
	if rec.What != "99999/fk4" {
		t.Errorf("What = %q, want 99999/fk4", rec.What)
	}
	if rec.Identifier() != "99999/fk4" {
		t.Errorf("Identifier() = %q, want 99999/fk4", rec.Identifier())
	}
	if rec.Type() != TypeShoulder {
		t.Errorf("Type() = %q, want %q", rec.Type(), TypeShoulder)
	}
	if len(rec.Comments) != 1 {
		t.Errorf("Comments = %v, want the !note entry", rec.Comments)
	}
}

func TestShoulderFromBlockErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "non-ark scheme",
			src:  "naa:\nwhat: doi:/99999/fk4",
			want: "only ARK shoulders supported",
		},
		{
			name: "missing shoulder part",
			src:  "naa:\nwhat: ark:/99999",
			want: "expected an ark:/NAAN/SHOULDER value",
		},
		{
			name: "extra colon",
			src:  "naa:\nwhat: ark:/99999/fk4:x",
			want: "expected an ark:/NAAN/SHOULDER value",
		},
		{
			name: "no what at all",
			src:  "naa:\nwho: X\nwhen: 2022.01.01",
			want: "no 'shoulder' entry in block",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ShoulderFromBlock(mustParseBlock(t, tt.src), nil)
			if err == nil {
				t.Fatal("ShoulderFromBlock() error = nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestNAANPublicProjection(t *testing.T) {
	rec := mustParseNAAN(t, naanBlockSrc)
	pub, ok := rec.Public().(*PublicNAAN)
	if !ok {
		t.Fatalf("Public() = %T, want *PublicNAAN", rec.Public())
	}
	if pub.Type() != TypePublicNAAN {
		t.Errorf("Type() = %q, want %q", pub.Type(), TypePublicNAAN)
	}
	if pub.Who.Address != "" {
		t.Errorf("public Who.Address = %q, want empty", pub.Who.Address)
	}
	if pub.What != rec.What || pub.Target != rec.Target {
		t.Error("public projection lost core fields")
	}
	// Projecting again is the identity.
	if pub.Public() != Record(pub) {
		t.Error("Public() of a public record is not itself")
	}

	data, err := json.Marshal(pub)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, private := range []string{"address", "contact", "provider", "comments", "why"} {
		if strings.Contains(string(data), `"`+private+`"`) {
			t.Errorf("public JSON contains private field %q: %s", private, data)
		}
	}
}

func TestNAANMergeReplacesFieldsAndResetsWhen(t *testing.T) {
	existing := mustParseNAAN(t, naanBlockSrc)
	incoming := mustParseNAAN(t, strings.Replace(naanBlockSrc,
		"where: https://example.org/ark:", "where: https://relocated.example.org/", 1))

	before := time.Now().UTC().Add(-time.Second)
	merged, err := existing.Merge(incoming)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if merged.Where != "https://relocated.example.org/" {
		t.Errorf("Where = %q, not replaced", merged.Where)
	}
	if merged.When.Time.Before(before) {
		t.Errorf("When = %v, want reset to now", merged.When.Time)
	}
	// The source record is untouched.
	if existing.Where != "https://example.org/ark:" {
		t.Errorf("existing.Where mutated to %q", existing.Where)
	}
}

func TestNAANMergeFromPublicKeepsPrivateFields(t *testing.T) {
	existing := mustParseNAAN(t, naanBlockSrc)
	incoming := mustParseNAAN(t, naanBlockSrc).Public()

	merged, err := existing.Merge(incoming)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if merged.Contact == nil || merged.Contact.Name != "Jane Smith" {
		t.Errorf("Contact = %+v, want retained", merged.Contact)
	}
	if merged.Who.Address != "123 Main Street, Anytown" {
		t.Errorf("Who.Address = %q, want retained", merged.Who.Address)
	}
	if merged.Provider != "hosting-co" {
		t.Errorf("Provider = %q, want retained", merged.Provider)
	}
}

func TestNAANMergeKeyImmutable(t *testing.T) {
	existing := mustParseNAAN(t, naanBlockSrc)
	incoming := mustParseNAAN(t, strings.Replace(naanBlockSrc, "what: 12345", "what: 54321", 1))

	if _, err := existing.Merge(incoming); err == nil {
		t.Fatal("Merge() error = nil, want key mismatch")
	} else if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("errors.Is(err, ErrInvalidInput) = false for %v", err)
	}
	if existing.What != "12345" {
		t.Errorf("existing.What mutated to %q", existing.What)
	}
}

func TestShoulderMergeTakesIncomingWhen(t *testing.T) {
	existing, err := ShoulderFromBlock(mustParseBlock(t, shoulderBlockSrc), nil)
	if err != nil {
		t.Fatalf("ShoulderFromBlock() error = %v", err)
	}
	incoming, err := ShoulderFromBlock(mustParseBlock(t,
		strings.Replace(shoulderBlockSrc, "when: 2022.11.30", "when: 2023.06.15", 1)), nil)
	if err != nil {
		t.Fatalf("ShoulderFromBlock() error = %v", err)
	}

	merged, err := existing.Merge(incoming)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	want := time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)
	if !merged.When.Time.Equal(want) {
		t.Errorf("When = %v, want incoming %v", merged.When.Time, want)
	}
}

func TestShoulderMergeKeyImmutable(t *testing.T) {
	existing, _ := ShoulderFromBlock(mustParseBlock(t, shoulderBlockSrc), nil)
	incoming, _ := ShoulderFromBlock(mustParseBlock(t,
		strings.Replace(shoulderBlockSrc, "ark:/99999/fk4", "ark:/99999/zz9", 1)), nil)
	if _, err := existing.Merge(incoming); err == nil {
		t.Fatal("Merge() error = nil, want shoulder mismatch")
	}
	incoming2, _ := ShoulderFromBlock(mustParseBlock(t,
		strings.Replace(shoulderBlockSrc, "ark:/99999/fk4", "ark:/88888/fk4", 1)), nil)
	if _, err := existing.Merge(incoming2); err == nil {
		t.Fatal("Merge() error = nil, want naan mismatch")
	}
}

func TestShoulderFromNAAN(t *testing.T) {
	n := mustParseNAAN(t, naanBlockSrc)
	s := ShoulderFromNAAN(n, "fk4")
	if s.Identifier() != "12345/fk4" {
		t.Errorf("Identifier() = %q, want 12345/fk4", s.Identifier())
	}
	if s.Target != n.Target {
		t.Errorf("Target = %+v, want copied from NAAN", s.Target)
	}
	if s.Contact == nil || s.Contact == n.Contact {
		t.Error("Contact not deep copied")
	}
	// The copy is independent of the source record.
	s.Target.URL = "https://elsewhere.example.org/${pid}"
	if n.Target.URL == s.Target.URL {
		t.Error("mutating the shoulder target changed the NAAN target")
	}
}

func TestDecodeRecordDispatch(t *testing.T) {
	n := mustParseNAAN(t, naanBlockSrc)
	s, err := ShoulderFromBlock(mustParseBlock(t, shoulderBlockSrc), nil)
	if err != nil {
		t.Fatalf("ShoulderFromBlock() error = %v", err)
	}
	tests := []struct {
		name string
		rec  Record
	}{
		{name: "NAAN", rec: n},
		{name: "PublicNAAN", rec: n.Public()},
		{name: "NAANShoulder", rec: s},
		{name: "PublicNAANShoulder", rec: s.Public()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.rec)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			got, err := DecodeRecord(data)
			if err != nil {
				t.Fatalf("DecodeRecord() error = %v", err)
			}
			if got.Type() != tt.name {
				t.Errorf("Type() = %q, want %q", got.Type(), tt.name)
			}
			if got.Identifier() != tt.rec.Identifier() {
				t.Errorf("Identifier() = %q, want %q", got.Identifier(), tt.rec.Identifier())
			}
		})
	}
}

func TestDecodeRecordUnknownType(t *testing.T) {
	for _, src := range []string{`{"rtype":"Mystery"}`, `{"what":"12345"}`, `[1,2]`} {
		if _, err := DecodeRecord([]byte(src)); err == nil {
			t.Errorf("DecodeRecord(%s) error = nil, want validation error", src)
		}
	}
}
