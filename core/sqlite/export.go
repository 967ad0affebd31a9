package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/CDLUC3/naanreg/core/errors"
	"github.com/CDLUC3/naanreg/core/naan"
)

// schemaSQL defines the relational projection of the registry store. One
// row per NAAN and one row per shoulder, flattened for ad-hoc querying.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS naans (
	what             TEXT PRIMARY KEY,
	rtype            TEXT NOT NULL,
	name             TEXT,
	name_native      TEXT,
	acronym          TEXT,
	address          TEXT,
	where_url        TEXT,
	target_url       TEXT,
	target_http_code INTEGER,
	when_modified    TEXT,
	orgtype          TEXT,
	policy           TEXT,
	tenure           TEXT,
	policy_url       TEXT,
	why              TEXT,
	contact_name     TEXT,
	contact_email    TEXT,
	provider         TEXT,
	test_identifier  TEXT,
	service_provider TEXT,
	purpose          TEXT
);
CREATE TABLE IF NOT EXISTS shoulders (
	what             TEXT PRIMARY KEY,
	naan             TEXT NOT NULL,
	shoulder         TEXT NOT NULL,
	rtype            TEXT NOT NULL,
	name             TEXT,
	name_native      TEXT,
	acronym          TEXT,
	address          TEXT,
	where_url        TEXT,
	target_url       TEXT,
	target_http_code INTEGER,
	when_modified    TEXT,
	orgtype          TEXT,
	policy           TEXT,
	tenure           TEXT,
	policy_url       TEXT,
	contact_name     TEXT,
	contact_email    TEXT,
	provider         TEXT,
	test_identifier  TEXT
);
CREATE INDEX IF NOT EXISTS idx_shoulders_naan ON shoulders (naan);
`

const insertNAANSQL = `
INSERT OR REPLACE INTO naans (
	what, rtype, name, name_native, acronym, address, where_url,
	target_url, target_http_code, when_modified, orgtype, policy, tenure,
	policy_url, why, contact_name, contact_email, provider,
	test_identifier, service_provider, purpose
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertShoulderSQL = `
INSERT OR REPLACE INTO shoulders (
	what, naan, shoulder, rtype, name, name_native, acronym, address,
	where_url, target_url, target_http_code, when_modified, orgtype,
	policy, tenure, policy_url, contact_name, contact_email, provider,
	test_identifier
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InitSchema creates the export tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "creating export schema")
	}
	return nil
}

// ExportRecords writes the records into the naans and shoulders tables,
// replacing rows that share a key. Returns the number of rows written.
func ExportRecords(ctx context.Context, db *sql.DB, records []naan.Record) (int, error) {
	if err := InitSchema(ctx, db); err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "beginning export transaction")
	}
	defer tx.Rollback()

	n := 0
	for _, rec := range records {
		switch r := rec.(type) {
		case *naan.NAAN:
			err = insertNAAN(ctx, tx, &r.PublicNAAN, r.Why, r.Contact, r.Provider)
		case *naan.PublicNAAN:
			err = insertNAAN(ctx, tx, r, "", nil, "")
		case *naan.Shoulder:
			err = insertShoulder(ctx, tx, &r.PublicShoulder, r.Contact, r.Provider)
		case *naan.PublicShoulder:
			err = insertShoulder(ctx, tx, r, nil, "")
		}
		if err != nil {
			return n, errors.Wrapf(err, "exporting record %s", rec.Identifier())
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return n, errors.Wrap(err, "committing export transaction")
	}
	return n, nil
}

func insertNAAN(ctx context.Context, tx *sql.Tx, p *naan.PublicNAAN, why string, contact *naan.Contact, provider string) error {
	contactName, contactEmail := contactColumns(contact)
	_, err := tx.ExecContext(ctx, insertNAANSQL,
		p.What, p.RType, p.Who.Name, p.Who.NameNative, p.Who.Acronym,
		p.Who.Address, p.Where, p.Target.URL, p.Target.HTTPCode,
		whenColumn(p.When), p.Policy.OrgType, p.Policy.Policy,
		p.Policy.Tenure, p.Policy.PolicyURL, why, contactName, contactEmail,
		provider, p.TestIdentifier, p.ServiceProvider, p.Purpose)
	return err
}

func insertShoulder(ctx context.Context, tx *sql.Tx, p *naan.PublicShoulder, contact *naan.Contact, provider string) error {
	contactName, contactEmail := contactColumns(contact)
	_, err := tx.ExecContext(ctx, insertShoulderSQL,
		p.What, p.NAAN, p.Shoulder, p.RType, p.Who.Name, p.Who.NameNative,
		p.Who.Acronym, p.Who.Address, p.Where, p.Target.URL,
		p.Target.HTTPCode, whenColumn(p.When), p.Policy.OrgType,
		p.Policy.Policy, p.Policy.Tenure, p.Policy.PolicyURL, contactName,
		contactEmail, provider, p.TestIdentifier)
	return err
}

func contactColumns(c *naan.Contact) (name, email any) {
	if c == nil {
		return nil, nil
	}
	return c.Name, c.Email
}

func whenColumn(t naan.Timestamp) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
