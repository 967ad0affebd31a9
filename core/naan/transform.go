package naan

import (
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CDLUC3/naanreg/core/anvl"
	"github.com/CDLUC3/naanreg/core/errors"
)

// whoDelimiter separates the name / native-name / acronym parts of a
// registry "who" value, e.g. "Example Organization (=) EO".
var whoDelimiter = regexp.MustCompile(`\s\(=\)\s`)

// targetHostRewrites maps legacy resolver hosts to their replacements. The
// legacy N2T resolver no longer handles per-identifier resolution, so
// registered targets pointing at it are redirected to arks.org.
var targetHostRewrites = map[string]string{
	"n2t.net": "arks.org",
}

// placeholderRewrites normalizes the placeholder spellings that registry
// authors used over the years to the canonical ${pid} (full ARK),
// ${content} (NAAN/suffix) and ${value} (suffix only) markers. Order
// matters: the first spelling found in a path wins.
var placeholderRewrites = []struct{ old, new string }{
	{"$pid", "${pid}"},
	{"$arkpid", "${pid}"},
	{"${arkpid}", "${pid}"},
	{"$id", "${content}"},
	{"${id}", "${content}"},
	{"$arkid", "${pid}"},
	{"${arkid}", "${pid}"},
	{"$nlid", "${value}"},
	{"${nlid}", "${value}"},
}

// SplitWho parses a raw "who" value into its organization parts. One part is
// a bare name, two parts are name and acronym, three parts are native name,
// name, and acronym. Any other shape keeps the raw string as the name.
func SplitWho(v anvl.Value) Who {
	who := v.String()
	parts := whoDelimiter.Split(who, -1)
	switch len(parts) {
	case 2:
		return Who{Name: parts[0], Acronym: parts[1]}
	case 3:
		return Who{NameNative: parts[0], Name: parts[1], Acronym: parts[2]}
	default:
		return Who{Name: who}
	}
}

// ParseDate converts the registry's yyyy.mm.dd date format to a UTC
// timestamp.
func ParseDate(s string) (Timestamp, error) {
	t, err := time.Parse("2006.01.02", s)
	if err != nil {
		return Timestamp{}, errors.NewValidation("when", s, "expected yyyy.mm.dd date")
	}
	return Timestamp{Time: t.UTC()}, nil
}

// DeriveTarget computes the normalized redirect target from a raw registry
// "where" value. The value may carry a leading HTTP status code, a
// query-style resolver endpoint, or a URL using any of the legacy
// placeholder spellings. When includeSlash is true an appended placeholder
// takes the "ark:/" form, otherwise "ark:". A nil log suppresses
// diagnostics.
func DeriveTarget(where string, includeSlash bool, log *slog.Logger) (Target, error) {
	httpCode := 302
	s := strings.TrimSpace(where)
	fields := strings.Fields(s)
	if len(fields) > 1 {
		if code, err := strconv.Atoi(fields[0]); err == nil {
			httpCode = code
		} else if log != nil {
			log.Warn("invalid status code in where value", "token", fields[0])
		}
		s = fields[1]
	}

	// Query-style resolvers take the full identifier as a parameter value.
	if strings.Contains(s, "?") && (strings.HasSuffix(s, "=") || strings.HasSuffix(s, "?")) {
		return Target{URL: s + "${pid}", HTTPCode: httpCode}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Target{}, errors.NewValidation("where", s, "not a parseable URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	host := strings.ToLower(u.Host)
	if replacement, ok := targetHostRewrites[host]; ok {
		host = replacement
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(adjustPath(u.Path, includeSlash))
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return Target{URL: b.String(), HTTPCode: httpCode}, nil
}

// adjustPath rewrites a target path so it carries exactly one canonical
// placeholder.
func adjustPath(path string, includeSlash bool) string {
	p := strings.TrimSpace(path)
	for _, r := range placeholderRewrites {
		if strings.Contains(p, r.old) {
			return strings.ReplaceAll(p, r.old, r.new)
		}
	}
	// A few registry entries end with a literal ark: prefix.
	if strings.HasSuffix(p, "ark:") || strings.HasSuffix(p, "ark:/") {
		return p + "${content}"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	if includeSlash {
		return p + "ark:/${content}"
	}
	return p + "ark:${content}"
}
