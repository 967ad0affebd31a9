// Package ghissue handles registry records embedded as JSON blocks in
// GitHub issue bodies. NAAN requests arrive as issues whose description
// carries a fenced ```json block with the proposed record.
package ghissue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/CDLUC3/naanreg/core/errors"
	"github.com/CDLUC3/naanreg/core/naan"
)

// DefaultAPIURL is the GitHub REST endpoint root.
const DefaultAPIURL = "https://api.github.com"

var jsonBlockPattern = regexp.MustCompile("(?s)```json(.*?)```")

// ExtractJSONBlock returns the contents of the first fenced ```json
// block in markdown, or nil when the document has none. The block body
// must be valid JSON.
func ExtractJSONBlock(markdown string) (json.RawMessage, error) {
	m := jsonBlockPattern.FindStringSubmatch(markdown)
	if m == nil {
		return nil, nil
	}
	body := strings.TrimSpace(m[1])
	if !json.Valid([]byte(body)) {
		return nil, errors.NewValidation("body", body, "fenced json block is not valid JSON")
	}
	return json.RawMessage(body), nil
}

// RecordFromMarkdown extracts the JSON block from an issue body and
// decodes it into a registry record.
func RecordFromMarkdown(markdown string) (naan.Record, error) {
	raw, err := ExtractJSONBlock(markdown)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NewValidation("body", "", "no fenced json block found")
	}
	return naan.DecodeRecord(raw)
}

// Issue is the subset of the GitHub issue payload the registry needs.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Client fetches issues and posts comments through the GitHub REST API.
type Client struct {
	http   *http.Client
	apiURL string
	token  string
	log    *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithAPIURL points the client at a different API root, typically a
// test server or a GitHub Enterprise instance.
func WithAPIURL(url string) ClientOption {
	return func(c *Client) {
		c.apiURL = strings.TrimRight(url, "/")
	}
}

// WithToken sets the bearer token. When unset the client falls back to
// the GITHUB_TOKEN environment variable.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient returns a GitHub client for the given repository.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		apiURL: DefaultAPIURL,
		token:  os.Getenv("GITHUB_TOKEN"),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "ghissue: %s %s", method, url)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "ghissue: reading response for %s", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ghissue: %s %s: unexpected status %d", method, url, resp.StatusCode)
	}
	return raw, nil
}

// GetIssue fetches a single issue.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.apiURL, owner, repo, number)
	raw, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(raw, &issue); err != nil {
		return nil, errors.Wrapf(err, "ghissue: decoding issue %d", number)
	}
	return &issue, nil
}

// GetRecordFromIssue fetches an issue and decodes the registry record
// embedded in its body.
func (c *Client) GetRecordFromIssue(ctx context.Context, owner, repo string, number int) (naan.Record, error) {
	issue, err := c.GetIssue(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	rec, err := RecordFromMarkdown(issue.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "ghissue: issue %d", number)
	}
	c.log.Info("decoded record from issue",
		"issue", number, "id", rec.Identifier(), "rtype", rec.Type())
	return rec, nil
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, comment string) error {
	payload, err := json.Marshal(map[string]string{"body": comment})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.apiURL, owner, repo, number)
	_, err = c.do(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	return err
}
