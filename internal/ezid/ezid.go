// Package ezid reconciles the registry with NAANs and shoulders whose
// resolution is managed by the EZID service. EZID publishes its shoulder
// list as plain text; entries found there get their targets rewritten to
// point at the EZID resolver.
//
// Ideally the authoritative NAAN and Shoulder records would carry this
// information themselves; the override exists until the source registries
// are updated.
package ezid

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/CDLUC3/naanreg/core/errors"
	"github.com/CDLUC3/naanreg/core/naan"
	"github.com/CDLUC3/naanreg/core/repo"
)

// DefaultShoulderListURL is the published EZID shoulder list.
const DefaultShoulderListURL = "https://ezid.cdlib.org/static/info/shoulder-list.txt"

// resolverTarget is the EZID resolution endpoint substituted into managed
// records.
const resolverTarget = "https://ezid.cdlib.org/ark:/${content}"

// exceptions lists prefixes advertised by the EZID shoulder list that are
// not actually managed by EZID.
var exceptions = map[string]bool{
	"21549": true,
}

// arkPattern matches one shoulder-list line: an ARK with an optional
// shoulder value, followed by the organization name.
var arkPattern = regexp.MustCompile(`(?im)\bark:/?(?P<prefix>[0-9]{5,10})/(?P<value>\S+)?\s+(?P<name>.*)`)

// Entry is one parsed shoulder-list line.
type Entry struct {
	Prefix string
	Value  string
	Name   string
}

// ParseShoulderList extracts the ARK entries from shoulder-list text.
func ParseShoulderList(text string) []Entry {
	var entries []Entry
	for _, m := range arkPattern.FindAllStringSubmatch(text, -1) {
		entries = append(entries, Entry{
			Prefix: m[1],
			Value:  m[2],
			Name:   m[3],
		})
	}
	return entries
}

// Client fetches the EZID shoulder list, falling back to a local copy when
// the service is unreachable.
type Client struct {
	http         *http.Client
	fallbackPath string
	log          *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used to fetch the shoulder list.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithFallbackPath sets the local shoulder-list copy used when the remote
// fetch fails.
func WithFallbackPath(path string) ClientOption {
	return func(c *Client) {
		c.fallbackPath = path
	}
}

// WithLogger sets the logger used for fetch diagnostics.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a shoulder-list client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http: &http.Client{Timeout: 10 * time.Second},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchShoulderList retrieves and parses the shoulder list from url. On any
// transport or HTTP failure it falls back to the local copy.
func (c *Client) FetchShoulderList(ctx context.Context, url string) ([]Entry, error) {
	text, err := c.fetch(ctx, url)
	if err != nil {
		c.log.Error("failed to retrieve shoulder list", "url", url, "error", err)
		text, err = c.fallback()
		if err != nil {
			return nil, err
		}
	} else {
		c.log.Info("shoulder list retrieved", "url", url)
	}
	return ParseShoulderList(text), nil
}

func (c *Client) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "building shoulder list request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetching shoulder list")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(errors.ErrInternal, "shoulder list returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading shoulder list")
	}
	return string(body), nil
}

func (c *Client) fallback() (string, error) {
	if c.fallbackPath == "" {
		return "", errors.Wrap(errors.ErrNotFound, "no local shoulder list fallback configured")
	}
	c.log.Info("falling back to local copy of shoulder list", "path", c.fallbackPath)
	data, err := os.ReadFile(c.fallbackPath)
	if err != nil {
		return "", errors.NewIO("read", c.fallbackPath, err)
	}
	return string(data), nil
}

// ApplyOverrides rewrites the targets of records named in the shoulder list
// to the EZID resolver. An entry without a shoulder value updates its NAAN
// record; an entry with one updates or creates the shoulder record. The
// repository must already hold the NAAN records.
func ApplyOverrides(r *repo.Repository, entries []Entry, log *slog.Logger) error {
	if r.Len() == 0 {
		return errors.NewValidation("repository", "", "must load NAANs and shoulders before applying overrides")
	}
	if len(entries) == 0 {
		return errors.NewValidation("entries", "", "shoulder list is empty")
	}
	for _, entry := range entries {
		if exceptions[entry.Prefix] {
			continue
		}
		rec, err := r.Read(entry.Prefix, false)
		if err != nil {
			return errors.Wrapf(err, "shoulder list names unknown NAAN %s", entry.Prefix)
		}
		if entry.Value == "" {
			if err := overrideNAAN(r, rec, entry, log); err != nil {
				return err
			}
			continue
		}
		if err := overrideShoulder(r, rec, entry, log); err != nil {
			return err
		}
	}
	return nil
}

func overrideNAAN(r *repo.Repository, rec naan.Record, entry Entry, log *slog.Logger) error {
	var previous string
	var updated naan.Record
	switch n := rec.(type) {
	case *naan.NAAN:
		clone := *n
		previous = clone.Target.URL
		clone.Target.URL = resolverTarget
		clone.Who.Name = entry.Name
		clone.Who.NameNative = ""
		updated = &clone
	case *naan.PublicNAAN:
		clone := *n
		previous = clone.Target.URL
		clone.Target.URL = resolverTarget
		clone.Who.Name = entry.Name
		clone.Who.NameNative = ""
		updated = &clone
	default:
		return errors.NewValidation("rtype", rec.Type(), "shoulder list prefix does not name a NAAN record")
	}
	if _, err := r.Update(updated); err != nil {
		return err
	}
	log.Info("updated naan target", "naan", entry.Prefix, "previous", previous, "target", resolverTarget)
	return nil
}

func overrideShoulder(r *repo.Repository, naanRec naan.Record, entry Entry, log *slog.Logger) error {
	key := entry.Prefix + "/" + entry.Value
	rec, err := r.Read(key, false)
	if errors.Is(err, errors.ErrNotFound) {
		log.Info("creating shoulder", "key", key)
		rec, err = synthesizeShoulder(naanRec, entry.Value)
	}
	if err != nil {
		return err
	}

	var previous string
	var updated naan.Record
	switch s := rec.(type) {
	case *naan.Shoulder:
		clone := *s
		previous = clone.Target.URL
		clone.Target.URL = resolverTarget
		clone.Who.Name = entry.Name
		clone.Who.NameNative = ""
		updated = &clone
	case *naan.PublicShoulder:
		clone := *s
		previous = clone.Target.URL
		clone.Target.URL = resolverTarget
		clone.Who.Name = entry.Name
		clone.Who.NameNative = ""
		updated = &clone
	default:
		return errors.NewValidation("rtype", rec.Type(), "shoulder list entry does not name a shoulder record")
	}
	if _, err := r.Upsert(updated); err != nil {
		return err
	}
	log.Info("updated shoulder target", "shoulder", key, "previous", previous, "target", resolverTarget)
	return nil
}

func synthesizeShoulder(naanRec naan.Record, shoulder string) (naan.Record, error) {
	switch n := naanRec.(type) {
	case *naan.NAAN:
		return naan.ShoulderFromNAAN(n, shoulder), nil
	case *naan.PublicNAAN:
		return naan.PublicShoulderFromNAAN(n, shoulder), nil
	}
	return nil, errors.NewValidation("rtype", naanRec.Type(), "cannot synthesize a shoulder from this record")
}

// ApplyMagicPatches upserts the JSON record patches found in dir. Patches
// are complete stored records keyed by rtype, maintained by hand for cases
// the source registries do not yet cover. Returns the number of patches
// applied.
func ApplyMagicPatches(r *repo.Repository, dir string, log *slog.Logger) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, errors.NewIO("glob", dir, err)
	}
	n := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return n, errors.NewIO("read", path, err)
		}
		rec, err := naan.DecodeRecord(data)
		if err != nil {
			return n, errors.Wrapf(err, "decoding patch %s", path)
		}
		if _, err := r.Upsert(rec); err != nil {
			return n, err
		}
		log.Info("applied magic patch", "record", rec.Identifier(), "path", path)
		n++
	}
	return n, nil
}
