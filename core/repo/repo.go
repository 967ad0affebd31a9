// Package repo implements the on-disk repository for NAAN records.
//
// Records are stored in a single JSON document that may contain NAAN records
// and shoulder records for NAANs. A corresponding NAAN record must be
// present for shoulders, hence NAANs should be loaded first.
package repo

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/CDLUC3/naanreg/core/anvl"
	"github.com/CDLUC3/naanreg/core/errors"
	"github.com/CDLUC3/naanreg/core/naan"
)

// Version identifies the store document layout.
const Version = "1.0"

const defaultDescription = "Public NAAN records and Shoulder information."

// legacyTargetOverrides pins targets for NAANs whose resolution is still
// managed by legacy N2T. At least one record (19156) has shoulders known
// only to n2t; until a proper shoulder entry exists its traffic goes to the
// legacy resolver.
var legacyTargetOverrides = map[string]string{
	"19156": "https://legacy-n2t.n2t.net/ark:/${content}",
}

// Metadata describes a store document.
type Metadata struct {
	Version      string         `json:"version"`
	CreatedDate  naan.Timestamp `json:"created_date"`
	ModifiedDate naan.Timestamp `json:"modified_date"`
	Description  string         `json:"description"`
}

// document is the JSON layout of the store file.
type document struct {
	Metadata Metadata          `json:"metadata"`
	Data     []json.RawMessage `json:"data"`
}

// Repository is an in-memory collection of registry records backed by a
// single JSON file.
type Repository struct {
	path    string
	log     *slog.Logger
	records []naan.Record
	index   map[string]int
	meta    Metadata
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger used for repository diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(r *Repository) {
		r.log = log
	}
}

// New creates a repository backed by the JSON file at path. The file is not
// touched until Load or Store is called.
func New(path string, opts ...Option) *Repository {
	r := &Repository{
		path:  path,
		log:   slog.Default(),
		index: make(map[string]int),
		meta: Metadata{
			Version:     Version,
			CreatedDate: naan.Now(),
			Description: defaultDescription,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Len returns the number of records held.
func (r *Repository) Len() int {
	return len(r.records)
}

// Path returns the store file path.
func (r *Repository) Path() string {
	return r.path
}

// Metadata returns the current store metadata.
func (r *Repository) Metadata() Metadata {
	return r.meta
}

// Index returns a copy of the identifier index: key is the NAAN or
// "naan/shoulder" value, value is the record offset.
func (r *Repository) Index() map[string]int {
	return maps.Clone(r.index)
}

func (r *Repository) reindex() {
	r.index = make(map[string]int, len(r.records))
	for i, rec := range r.records {
		r.index[rec.Identifier()] = i
	}
}

func (r *Repository) touch() {
	r.meta.ModifiedDate = naan.Now()
}

// Load replaces the in-memory records with the contents of the store file.
// A record with an unknown type is logged and skipped; a missing or corrupt
// file is an error.
func (r *Repository) Load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return errors.NewIO("read", r.path, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrapf(err, "parsing store file %s", r.path)
	}
	records := make([]naan.Record, 0, len(doc.Data))
	for _, entry := range doc.Data {
		rec, err := naan.DecodeRecord(entry)
		if err != nil {
			r.log.Warn("unable to parse stored record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	r.records = records
	r.meta = doc.Metadata
	r.reindex()
	r.log.Info("loaded records", "count", r.Len(), "path", r.path)
	return nil
}

// Store writes the records to the store file. The write goes through a
// temporary file in the same directory followed by a rename, so a crash
// never leaves a partially written store. With asPublic set, records are
// projected to their public views first.
func (r *Repository) Store(asPublic bool) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewIO("mkdir", dir, err)
	}

	doc := document{
		Metadata: r.meta,
		Data:     make([]json.RawMessage, 0, len(r.records)),
	}
	for _, rec := range r.records {
		if asPublic {
			rec = rec.Public()
		}
		entry, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "encoding record %s", rec.Identifier())
		}
		doc.Data = append(doc.Data, entry)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding store document")
	}

	tmp, err := os.CreateTemp(dir, ".naanreg-*.json")
	if err != nil {
		return errors.NewIO("create", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewIO("write", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewIO("close", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return errors.NewIO("chmod", tmpName, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return errors.NewIO("rename", r.path, err)
	}
	r.log.Info("saved records", "count", r.Len(), "path", r.path)
	return nil
}

// Insert adds a new record. A record with the same identifier must not
// already exist.
func (r *Repository) Insert(entry naan.Record) (string, error) {
	id := entry.Identifier()
	if _, ok := r.index[id]; ok {
		return "", errors.NewDuplicate("record", id)
	}
	r.records = append(r.records, entry)
	r.index[id] = len(r.records) - 1
	r.touch()
	return id, nil
}

// Update merges the incoming record into the existing record with the same
// identifier. Key fields are immutable; mismatches and unknown identifiers
// are errors and leave the store unchanged.
func (r *Repository) Update(entry naan.Record) (string, error) {
	id := entry.Identifier()
	i, ok := r.index[id]
	if !ok {
		return "", errors.NewNotFound("record", id)
	}
	merged, err := mergeRecords(r.records[i], entry)
	if err != nil {
		return "", err
	}
	r.records[i] = merged
	r.touch()
	return merged.Identifier(), nil
}

// Upsert inserts the record, falling back to update when the identifier is
// already present.
func (r *Repository) Upsert(entry naan.Record) (string, error) {
	id, err := r.Insert(entry)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errors.ErrAlreadyExists) {
		return "", err
	}
	return r.Update(entry)
}

// Delete removes the record with the given key.
func (r *Repository) Delete(key string) error {
	i, ok := r.index[key]
	if !ok {
		return errors.NewNotFound("record", key)
	}
	r.records = append(r.records[:i], r.records[i+1:]...)
	r.reindex()
	r.touch()
	return nil
}

// Read retrieves the record with an exact match of "NAAN" or
// "NAAN/shoulder". With asPublic set, only public information is returned.
func (r *Repository) Read(key string, asPublic bool) (naan.Record, error) {
	i, ok := r.index[key]
	if !ok {
		return nil, errors.NewNotFound("record", key)
	}
	return r.Get(i, asPublic)
}

// Get retrieves the record at offset i.
func (r *Repository) Get(i int, asPublic bool) (naan.Record, error) {
	if i < 0 || i >= len(r.records) {
		return nil, errors.NewNotFound("record", fmt.Sprintf("offset %d", i))
	}
	rec := r.records[i]
	if asPublic {
		return rec.Public(), nil
	}
	return rec, nil
}

// Records returns the held records in store order.
func (r *Repository) Records() []naan.Record {
	return r.records
}

func mergeRecords(existing, incoming naan.Record) (naan.Record, error) {
	switch e := existing.(type) {
	case *naan.NAAN:
		return e.Merge(incoming)
	case *naan.PublicNAAN:
		return e.Merge(incoming)
	case *naan.Shoulder:
		return e.Merge(incoming)
	case *naan.PublicShoulder:
		return e.Merge(incoming)
	}
	return nil, errors.NewValidation("rtype", existing.Type(), "unknown record type")
}

// LoadNAANRegistry upserts NAAN records parsed from ANVL-formatted source
// text, the full contents of a main_naans file. Malformed blocks are logged
// and skipped; key-integrity failures abort the load. Returns the number of
// records loaded.
func (r *Repository) LoadNAANRegistry(src string, asPublic bool) (int, error) {
	log := r.log.With("run_id", uuid.NewString(), "registry", "main_naans")
	parser := anvl.NewParser(anvl.WithLogger(log))
	n := 0
	for blk, err := range parser.Blocks(src) {
		if err != nil {
			log.Warn("skipping malformed block", "error", err)
			continue
		}
		rec, err := naan.NAANFromBlock(blk, log)
		if err != nil {
			log.Warn("could not parse block as NAAN", "error", err)
			continue
		}
		if url, ok := legacyTargetOverrides[rec.What]; ok {
			rec.Target.URL = url
		}
		var entry naan.Record = rec
		if asPublic {
			entry = rec.Public()
		}
		if _, err := r.Upsert(entry); err != nil {
			return n, err
		}
		n++
	}
	log.Info("loaded NAAN records", "count", n)
	return n, nil
}

// LoadShoulderRegistry upserts shoulder records parsed from ANVL-formatted
// source text, the full contents of a shoulder_registry file.
func (r *Repository) LoadShoulderRegistry(src string, asPublic bool) (int, error) {
	log := r.log.With("run_id", uuid.NewString(), "registry", "shoulder_registry")
	parser := anvl.NewParser(anvl.WithLogger(log))
	n := 0
	for blk, err := range parser.Blocks(src) {
		if err != nil {
			log.Warn("skipping malformed block", "error", err)
			continue
		}
		rec, err := naan.ShoulderFromBlock(blk, log)
		if err != nil {
			log.Warn("could not parse block as shoulder", "error", err)
			continue
		}
		var entry naan.Record = rec
		if asPublic {
			entry = rec.Public()
		}
		if _, err := r.Upsert(entry); err != nil {
			return n, err
		}
		n++
	}
	log.Info("loaded shoulder records", "count", n)
	return n, nil
}
