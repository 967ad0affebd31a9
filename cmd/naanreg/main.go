// Command naanreg manages the NAAN registry: it converts the legacy
// ANVL registry files to the JSON store, applies EZID overrides,
// exports to SQLite, and handles candidate NAAN allocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/CDLUC3/naanreg/core/repo"
	"github.com/CDLUC3/naanreg/core/sqlite"
	"github.com/CDLUC3/naanreg/internal/archive"
	"github.com/CDLUC3/naanreg/internal/candidates"
	"github.com/CDLUC3/naanreg/internal/ezid"
	"github.com/CDLUC3/naanreg/internal/fileutil"
	"github.com/CDLUC3/naanreg/internal/ghissue"
	"github.com/CDLUC3/naanreg/internal/logging"
	"github.com/CDLUC3/naanreg/internal/validation"
)

const version = "0.1.0"

// CLI defines the command-line interface for naanreg.
var CLI struct {
	// Global flags
	Registry  string `name:"registry" short:"r" help:"Path to the JSON registry store" default:"naan_records.json" type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)" default:"info"`
	LogFormat string `name:"log-format" help:"Log format (text, json)" default:"text"`

	// Command groups (noun-first organization)
	Naans     NaansCmd       `cmd:"" help:"Ingest a legacy NAAN ANVL file into the registry"`
	Shoulders ShouldersCmd   `cmd:"" help:"Ingest a legacy shoulder ANVL file into the registry"`
	Ezid      EzidGroup      `cmd:"" help:"EZID shoulder list synchronization"`
	Export    ExportGroup    `cmd:"" help:"Export the registry to other stores"`
	Archive   ArchiveGroup   `cmd:"" help:"Registry snapshot archives"`
	Candidate CandidateGroup `cmd:"" help:"Candidate NAAN allocation"`
	Issue     IssueGroup     `cmd:"" help:"Registry records embedded in GitHub issues"`
	Version   VersionCmd     `cmd:"" help:"Print version information"`
}

// EzidGroup contains EZID synchronization operations.
type EzidGroup struct {
	Sync    EzidSyncCmd    `cmd:"" help:"Fetch the EZID shoulder list and apply overrides"`
	Patches EzidPatchesCmd `cmd:"" help:"Apply record patch files to the registry"`
}

// ExportGroup contains registry export operations.
type ExportGroup struct {
	Sqlite ExportSqliteCmd `cmd:"" help:"Export registry records to a SQLite database"`
}

// ArchiveGroup contains snapshot archive operations.
type ArchiveGroup struct {
	Create   ArchiveCreateCmd   `cmd:"" help:"Create a snapshot archive of the registry store"`
	Restore  ArchiveRestoreCmd  `cmd:"" help:"Restore a registry store from a snapshot archive"`
	Manifest ArchiveManifestCmd `cmd:"" help:"Print the manifest of a snapshot archive"`
}

// CandidateGroup contains candidate NAAN operations.
type CandidateGroup struct {
	Next     CandidateNextCmd     `cmd:"" help:"Show the next available candidate NAAN"`
	Allocate CandidateAllocateCmd `cmd:"" help:"Allocate the next candidate NAAN"`
}

// IssueGroup contains GitHub issue operations.
type IssueGroup struct {
	Extract IssueExtractCmd `cmd:"" help:"Extract a registry record from an issue body file"`
	Fetch   IssueFetchCmd   `cmd:"" help:"Fetch a registry record from a GitHub issue"`
}

func logger() *slog.Logger {
	format := logging.FormatText
	if CLI.LogFormat == "json" {
		format = logging.FormatJSON
	}
	return logging.New(os.Stderr, logging.ParseLevel(CLI.LogLevel), format)
}

// openRegistry returns the repository at the global registry path,
// loading existing records when the store file is present.
func openRegistry(log *slog.Logger) (*repo.Repository, error) {
	r := repo.New(CLI.Registry, repo.WithLogger(log))
	if _, err := os.Stat(CLI.Registry); err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	if err := r.Load(); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return r, nil
}

// backupRegistry copies the store file aside before a destructive
// write. Missing stores are not an error.
func backupRegistry() error {
	if _, err := os.Stat(CLI.Registry); os.IsNotExist(err) {
		return nil
	}
	return fileutil.CopyFile(CLI.Registry, CLI.Registry+".bak")
}

// readSourceFile validates and reads an ANVL source file. Files larger
// than the registry file limit are rejected before the read.
func readSourceFile(path string) ([]byte, error) {
	if err := validation.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("invalid input path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > validation.MaxFileSize {
		return nil, fmt.Errorf("%s: exceeds the %d byte file limit", path, validation.MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// NaansCmd ingests a legacy NAAN ANVL registry file.
type NaansCmd struct {
	Path   string `arg:"" help:"Path to the main_naans ANVL file" type:"existingfile"`
	Public bool   `help:"Store only the public view of each record"`
}

func (c *NaansCmd) Run() error {
	log := logger()
	if err := validation.ValidatePath(CLI.Registry); err != nil {
		return fmt.Errorf("invalid registry path: %w", err)
	}
	data, err := readSourceFile(c.Path)
	if err != nil {
		return err
	}
	r, err := openRegistry(log)
	if err != nil {
		return err
	}
	count, err := r.LoadNAANRegistry(string(data), c.Public)
	if err != nil {
		return fmt.Errorf("failed to ingest NAAN registry: %w", err)
	}
	if err := backupRegistry(); err != nil {
		return fmt.Errorf("failed to back up registry: %w", err)
	}
	if err := r.Store(c.Public); err != nil {
		return fmt.Errorf("failed to store registry: %w", err)
	}
	fmt.Printf("Ingested: %s\n", c.Path)
	fmt.Printf("  Records loaded: %d\n", count)
	fmt.Printf("  Registry total: %d\n", r.Len())
	fmt.Printf("  Store: %s\n", CLI.Registry)
	return nil
}

// ShouldersCmd ingests a legacy shoulder ANVL registry file.
type ShouldersCmd struct {
	Path   string `arg:"" help:"Path to the main_shoulders ANVL file" type:"existingfile"`
	Public bool   `help:"Store only the public view of each record"`
}

func (c *ShouldersCmd) Run() error {
	log := logger()
	if err := validation.ValidatePath(CLI.Registry); err != nil {
		return fmt.Errorf("invalid registry path: %w", err)
	}
	data, err := readSourceFile(c.Path)
	if err != nil {
		return err
	}
	r, err := openRegistry(log)
	if err != nil {
		return err
	}
	count, err := r.LoadShoulderRegistry(string(data), c.Public)
	if err != nil {
		return fmt.Errorf("failed to ingest shoulder registry: %w", err)
	}
	if err := backupRegistry(); err != nil {
		return fmt.Errorf("failed to back up registry: %w", err)
	}
	if err := r.Store(c.Public); err != nil {
		return fmt.Errorf("failed to store registry: %w", err)
	}
	fmt.Printf("Ingested: %s\n", c.Path)
	fmt.Printf("  Records loaded: %d\n", count)
	fmt.Printf("  Registry total: %d\n", r.Len())
	fmt.Printf("  Store: %s\n", CLI.Registry)
	return nil
}

// EzidSyncCmd fetches the EZID shoulder list and rewrites the records
// it names to resolve through EZID.
type EzidSyncCmd struct {
	URL      string `help:"Shoulder list URL" default:"${shoulder_list_url}"`
	Fallback string `help:"Local shoulder list used when the fetch fails" type:"path"`
	Public   bool   `help:"Store only the public view of each record"`
}

func (c *EzidSyncCmd) Run() error {
	log := logger()
	r, err := openRegistry(log)
	if err != nil {
		return err
	}
	opts := []ezid.ClientOption{ezid.WithLogger(log)}
	if c.Fallback != "" {
		opts = append(opts, ezid.WithFallbackPath(c.Fallback))
	}
	client := ezid.NewClient(opts...)
	entries, err := client.FetchShoulderList(context.Background(), c.URL)
	if err != nil {
		return fmt.Errorf("failed to fetch shoulder list: %w", err)
	}
	if err := ezid.ApplyOverrides(r, entries, log); err != nil {
		return fmt.Errorf("failed to apply EZID overrides: %w", err)
	}
	if err := backupRegistry(); err != nil {
		return fmt.Errorf("failed to back up registry: %w", err)
	}
	if err := r.Store(c.Public); err != nil {
		return fmt.Errorf("failed to store registry: %w", err)
	}
	fmt.Printf("Applied EZID overrides from %d shoulder list entries\n", len(entries))
	fmt.Printf("  Registry total: %d\n", r.Len())
	return nil
}

// EzidPatchesCmd applies JSON patch records from a directory.
type EzidPatchesCmd struct {
	Dir    string `arg:"" help:"Directory of record patch files" type:"existingdir"`
	Public bool   `help:"Store only the public view of each record"`
}

func (c *EzidPatchesCmd) Run() error {
	log := logger()
	r, err := openRegistry(log)
	if err != nil {
		return err
	}
	applied, err := ezid.ApplyMagicPatches(r, c.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to apply patches: %w", err)
	}
	if err := backupRegistry(); err != nil {
		return fmt.Errorf("failed to back up registry: %w", err)
	}
	if err := r.Store(c.Public); err != nil {
		return fmt.Errorf("failed to store registry: %w", err)
	}
	fmt.Printf("Applied %d patch records from %s\n", applied, c.Dir)
	return nil
}

// ExportSqliteCmd writes registry records to a SQLite database.
type ExportSqliteCmd struct {
	Out string `required:"" help:"Output database path" type:"path"`
}

func (c *ExportSqliteCmd) Run() error {
	log := logger()
	if err := validation.ValidatePath(c.Out); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	r, err := openRegistry(log)
	if err != nil {
		return err
	}
	if r.Len() == 0 {
		return fmt.Errorf("registry %s is empty", CLI.Registry)
	}
	db, err := sqlite.Open(c.Out)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := sqlite.InitSchema(ctx, db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	count, err := sqlite.ExportRecords(ctx, db, r.Records())
	if err != nil {
		return fmt.Errorf("failed to export records: %w", err)
	}
	fmt.Printf("Exported: %s\n", c.Out)
	fmt.Printf("  Records: %d\n", count)
	fmt.Printf("  Driver: %s (%s)\n", sqlite.DriverName(), sqlite.DriverType())
	return nil
}

// ArchiveCreateCmd creates a digest-verified snapshot archive.
type ArchiveCreateCmd struct {
	Out string `arg:"" help:"Output archive path (.tar.gz or .tar.xz)" type:"path"`
}

func (c *ArchiveCreateCmd) Run() error {
	if err := validation.ValidatePath(c.Out); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	manifest, err := archive.WriteSnapshot(CLI.Registry, c.Out)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	fmt.Printf("Created: %s\n", c.Out)
	for _, f := range manifest.Files {
		fmt.Printf("  %s (%d bytes)\n", f.Name, f.Size)
		fmt.Printf("    SHA-256: %s\n", f.SHA256)
		fmt.Printf("    BLAKE3: %s\n", f.Blake3)
	}
	return nil
}

// ArchiveRestoreCmd restores a registry store from a snapshot.
type ArchiveRestoreCmd struct {
	Archive string `arg:"" help:"Snapshot archive path" type:"existingfile"`
	Dest    string `required:"" help:"Destination directory" type:"path"`
}

func (c *ArchiveRestoreCmd) Run() error {
	f, err := os.Open(c.Archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	_, typeErr := validation.ValidateFileType(f, c.Archive)
	f.Close()
	if typeErr != nil {
		return fmt.Errorf("refusing to restore: %w", typeErr)
	}
	manifest, err := archive.RestoreSnapshot(c.Archive, c.Dest)
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	fmt.Printf("Restored: %s\n", c.Archive)
	fmt.Printf("  Files: %d (digests verified)\n", len(manifest.Files))
	fmt.Printf("  Destination: %s\n", c.Dest)
	return nil
}

// ArchiveManifestCmd prints a snapshot manifest.
type ArchiveManifestCmd struct {
	Archive string `arg:"" help:"Snapshot archive path" type:"existingfile"`
}

func (c *ArchiveManifestCmd) Run() error {
	manifest, err := archive.ReadManifest(c.Archive)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// CandidateNextCmd shows the next available candidate NAAN.
type CandidateNextCmd struct {
	File string `arg:"" help:"Candidate NAAN list file" type:"existingfile"`
}

func (c *CandidateNextCmd) Run() error {
	list := candidates.New(c.File, candidates.WithLogger(logger()))
	next, err := list.NextNAAN()
	if err != nil {
		return err
	}
	fmt.Println(next)
	return nil
}

// CandidateAllocateCmd allocates the next candidate NAAN.
type CandidateAllocateCmd struct {
	File    string `arg:"" help:"Candidate NAAN list file" type:"existingfile"`
	Message string `required:"" help:"Allocation message recorded in the list"`
}

func (c *CandidateAllocateCmd) Run() error {
	list := candidates.New(c.File, candidates.WithLogger(logger()))
	naanValue, err := list.AllocateNextNAAN(c.Message)
	if err != nil {
		return err
	}
	fmt.Printf("Allocated: %s\n", naanValue)
	return nil
}

// IssueExtractCmd extracts a record from a saved issue body.
type IssueExtractCmd struct {
	File string `arg:"" help:"File containing the issue markdown" type:"existingfile"`
}

func (c *IssueExtractCmd) Run() error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.File, err)
	}
	rec, err := ghissue.RecordFromMarkdown(string(data))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// IssueFetchCmd fetches a record from a live GitHub issue and
// optionally applies it to the registry.
type IssueFetchCmd struct {
	Owner  string `required:"" help:"Repository owner"`
	Repo   string `required:"" help:"Repository name"`
	Number int    `arg:"" help:"Issue number"`
	Apply  bool   `help:"Upsert the record into the registry"`
	Public bool   `help:"Store only the public view of each record"`
}

func (c *IssueFetchCmd) Run() error {
	log := logger()
	client := ghissue.NewClient(ghissue.WithLogger(log))
	rec, err := client.GetRecordFromIssue(context.Background(), c.Owner, c.Repo, c.Number)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !c.Apply {
		return nil
	}
	r, err := openRegistry(log)
	if err != nil {
		return err
	}
	key, err := r.Upsert(rec)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	if err := backupRegistry(); err != nil {
		return fmt.Errorf("failed to back up registry: %w", err)
	}
	if err := r.Store(c.Public); err != nil {
		return fmt.Errorf("failed to store registry: %w", err)
	}
	fmt.Printf("Applied: %s\n", key)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("naanreg %s\n", version)
	info := sqlite.GetInfo()
	fmt.Printf("  sqlite driver: %s (%s)\n", info.DriverName, info.DriverType)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("naanreg"),
		kong.Description("NAAN registry management tools"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"shoulder_list_url": ezid.DefaultShoulderListURL,
		},
	)
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
