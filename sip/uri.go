package sip

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/errorutil"
	"github.com/sipward/sipward/internal/util"
)

// URI is a parsed SIP or SIPS URI in the shape the engine needs:
// scheme, user, host, port, URI parameters and embedded headers.
// Wire-level escaping beyond the embedded headers is the parser
// collaborator's business; the engine only splits and rebuilds.
type URI struct {
	Scheme  string `json:"scheme"`
	User    string `json:"user,omitempty"`
	Host    string `json:"host"`
	Port    uint16 `json:"port,omitempty"`
	Params  Values `json:"params,omitempty"`
	Headers Values `json:"headers,omitempty"`
}

const (
	URISchemeSIP  = "sip"
	URISchemeSIPS = "sips"
)

// ErrInvalidURI is returned when a URI string cannot be split.
const ErrInvalidURI errorutil.Error = "invalid uri"

// ParseURI splits a textual SIP URI into its engine-visible parts.
// It accepts "sip:user@host:port;params?headers" shapes and tolerates
// surrounding angle brackets and whitespace.
func ParseURI(s string) (URI, error) {
	s = util.TrimSP(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")

	var u URI
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return u, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, s))
	}
	scheme = util.LCase(scheme)
	if scheme != URISchemeSIP && scheme != URISchemeSIPS {
		return u, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, s))
	}
	u.Scheme = scheme

	if hdrs, found := cutTail(&rest, "?"); found {
		u.Headers = parseKVs(hdrs, "&")
	}
	if params, found := cutTail(&rest, ";"); found {
		u.Params = parseKVs(params, ";")
	}
	if user, hostport, found := strings.Cut(rest, "@"); found {
		u.User = user
		rest = hostport
	}
	host, port, found := strings.Cut(rest, ":")
	if host == "" {
		return URI{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, s))
	}
	u.Host = host
	if found {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return URI{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, s))
		}
		u.Port = uint16(p)
	}
	return u, nil
}

// cutTail cuts *s at the first occurrence of sep and returns the tail.
func cutTail(s *string, sep string) (string, bool) {
	head, tail, found := strings.Cut(*s, sep)
	if found {
		*s = head
	}
	return tail, found
}

func parseKVs(s, sep string) Values {
	vals := make(Values)
	for _, kv := range strings.Split(s, sep) {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		vals.Append(util.TrimSP(k), util.TrimSP(v))
	}
	if len(vals) == 0 {
		return nil
	}
	return vals
}

// IsZero reports whether the URI is empty.
func (u URI) IsZero() bool { return u.Scheme == "" && u.Host == "" }

// IsSIPS reports whether the URI uses the sips scheme.
func (u URI) IsSIPS() bool { return util.EqFold(u.Scheme, URISchemeSIPS) }

// Clone returns a deep copy of the URI.
func (u URI) Clone() URI {
	u.Params = u.Params.Clone()
	u.Headers = u.Headers.Clone()
	return u
}

// Equal checks whether the URI equals another URI.
func (u URI) Equal(val any) bool {
	var other URI
	switch v := val.(type) {
	case URI:
		other = v
	case *URI:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return util.EqFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		util.EqFold(u.Host, other.Host) &&
		u.Port == other.Port
}

func (u URI) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(u.Port), 10))
	}
	for k, vs := range u.Params {
		for _, v := range vs {
			sb.WriteByte(';')
			sb.WriteString(k)
			if v != "" {
				sb.WriteByte('=')
				sb.WriteString(v)
			}
		}
	}
	first := true
	for k, vs := range u.Headers {
		for _, v := range vs {
			if first {
				sb.WriteByte('?')
				first = false
			} else {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (u URI) LogValue() slog.Value { return slog.StringValue(u.String()) }

// asRequestURI strips the fields that must not appear in a request-URI:
// the method parameter and any embedded headers except Route, which the
// fork launcher consumes with embeddedRoutes before the final strip.
func (u URI) asRequestURI() URI {
	u = u.Clone()
	if u.Params.Has("method") {
		u.Params.Del("method")
	}
	if routes := u.Headers.Get("Route"); len(routes) > 0 {
		hdrs := make(Values)
		for _, r := range routes {
			hdrs.Append("route", r)
		}
		u.Headers = hdrs
	} else {
		u.Headers = nil
	}
	return u
}

// bareRequestURI drops every embedded header, the final shape allowed in
// a request-URI.
func (u URI) bareRequestURI() URI {
	u = u.Clone()
	u.Headers = nil
	return u
}

// embeddedRoutes returns the Route set carried in the URI's embedded
// headers, URL-decoded and parsed. A value that does not parse is
// skipped.
func (u URI) embeddedRoutes() []NameAddr {
	var routes []NameAddr
	for _, raw := range u.Headers.Get("Route") {
		dec, err := url.QueryUnescape(raw)
		if err != nil {
			continue
		}
		for _, part := range splitCommaList(dec) {
			ru, err := ParseURI(part)
			if err != nil {
				continue
			}
			routes = append(routes, NameAddr{URI: ru})
		}
	}
	return routes
}

// splitCommaList splits a comma-separated list, ignoring empty items.
func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = util.TrimSP(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
