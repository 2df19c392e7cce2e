package hvpdb

import (
	"net/url"
	"strings"

	"github.com/8w6s/hvpdb/internal/hvperrors"
)

// ConnectionInfo is the parsed form of an "hvp://" connection string
// (SPEC_FULL §D.1, grounded on original_source/hvpdb/uri.py). Shards are
// accepted for parity with the original's cluster-addressing syntax, but
// the cluster (".hvdb") storage variant itself is out of scope (spec §4.6
// "may be left as a future variant").
type ConnectionInfo struct {
	Scheme   string
	Username string
	Password string
	Cluster  string
	Shards   []string
	Database string
	Options  map[string]string
}

// ParseURI parses a connection string of the form:
//
//	hvp://[user[:password]@]host[~shard1,shard2]/database[?k=v&...]
func ParseURI(uri string) (ConnectionInfo, error) {
	const scheme = "hvp://"
	if !strings.HasPrefix(uri, scheme) {
		return ConnectionInfo{}, hvperrors.InvalidArgumentf("invalid scheme: URI must start with %q", scheme)
	}
	rest := uri[len(scheme):]

	info := ConnectionInfo{Scheme: "hvp", Options: make(map[string]string)}

	if at := strings.Index(rest, "@"); at >= 0 {
		authPart := rest[:at]
		rest = rest[at+1:]
		if colon := strings.Index(authPart, ":"); colon >= 0 {
			info.Username = mustUnescape(authPart[:colon])
			info.Password = mustUnescape(authPart[colon+1:])
		} else {
			info.Password = mustUnescape(authPart)
		}
	}

	var hostPart, pathQuery string
	if slash := strings.Index(rest, "/"); slash >= 0 {
		hostPart = rest[:slash]
		pathQuery = rest[slash+1:]
	} else {
		hostPart = rest
	}

	if tilde := strings.Index(hostPart, "~"); tilde >= 0 {
		info.Cluster = hostPart[:tilde]
		info.Shards = strings.Split(hostPart[tilde+1:], ",")
	} else {
		info.Cluster = hostPart
	}

	if q := strings.Index(pathQuery, "?"); q >= 0 {
		info.Database = pathQuery[:q]
		for _, pair := range strings.Split(pathQuery[q+1:], "&") {
			if eq := strings.Index(pair, "="); eq >= 0 {
				info.Options[pair[:eq]] = pair[eq+1:]
			}
		}
	} else {
		info.Database = pathQuery
	}

	if info.Database == "" {
		info.Database = "default"
	}

	return info, nil
}

// ConnectionString reconstructs a (password-redacted) connection string,
// for logging.
func (c ConnectionInfo) ConnectionString() string {
	var b strings.Builder
	b.WriteString(c.Scheme)
	b.WriteString("://")
	if c.Username != "" {
		b.WriteString(c.Username)
		b.WriteString(":****@")
	}
	b.WriteString(c.Cluster)
	if len(c.Shards) > 0 {
		b.WriteString("~")
		b.WriteString(strings.Join(c.Shards, ","))
	}
	b.WriteString("/")
	b.WriteString(c.Database)
	if len(c.Options) > 0 {
		b.WriteString("?")
		first := true
		for k, v := range c.Options {
			if !first {
				b.WriteString("&")
			}
			first = false
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	return b.String()
}

func mustUnescape(s string) string {
	unescaped, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return unescaped
}
