package sip

import (
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/sipward/sipward/internal/types"
	"github.com/sipward/sipward/internal/util"
)

// TransportProto names the transport family a message travels over.
type TransportProto string

const (
	TransportUDP TransportProto = "udp"
	TransportTCP TransportProto = "tcp"
	TransportTLS TransportProto = "tls"
	TransportWS  TransportProto = "ws"
)

// Via is one entry of the Via header stack.
type Via struct {
	Proto  TransportProto `json:"proto"`
	SentBy string         `json:"sent_by"`
	Params Values         `json:"params,omitempty"`
}

// Branch returns the branch parameter of the Via entry.
func (v Via) Branch() string {
	b, _ := v.Params.First("branch")
	return b
}

// Clone returns a deep copy of the Via entry.
func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

// NameAddr is a display-name + URI + parameters triple, the shape of
// From, To, Route, Record-Route, Path and Contact entries.
type NameAddr struct {
	Display string `json:"display,omitempty"`
	URI     URI    `json:"uri"`
	Params  Values `json:"params,omitempty"`
}

// Tag returns the tag parameter.
func (na NameAddr) Tag() string {
	t, _ := na.Params.First("tag")
	return t
}

// WithTag returns a copy with the tag parameter set.
func (na NameAddr) WithTag(tag string) NameAddr {
	na = na.Clone()
	if na.Params == nil {
		na.Params = make(Values)
	}
	na.Params.Set("tag", tag)
	return na
}

// Clone returns a deep copy.
func (na NameAddr) Clone() NameAddr {
	na.URI = na.URI.Clone()
	na.Params = na.Params.Clone()
	return na
}

// CSeq is the CSeq header value.
type CSeq struct {
	Seq    uint32        `json:"seq"`
	Method RequestMethod `json:"method"`
}

// HeaderField is one extra header as name/value text.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is a parsed SIP request as handed to the engine by the parser
// collaborator, plus the engine-minted message id.
type Request struct {
	Method       RequestMethod   `json:"method"`
	URI          URI             `json:"uri"`
	Via          []Via           `json:"via,omitempty"` // top first
	From         NameAddr        `json:"from"`
	To           NameAddr        `json:"to"`
	CallID       string          `json:"call_id"`
	CSeq         CSeq            `json:"cseq"`
	MaxForwards  *int            `json:"max_forwards,omitempty"`
	Routes       []NameAddr      `json:"routes,omitempty"`
	RecordRoutes []NameAddr      `json:"record_routes,omitempty"`
	Contacts     []NameAddr      `json:"contacts,omitempty"`
	Paths        []NameAddr      `json:"paths,omitempty"`
	Expires      *int            `json:"expires,omitempty"`
	ProxyRequire []string        `json:"proxy_require,omitempty"`
	Require      []string        `json:"require,omitempty"`
	Supported    []string        `json:"supported,omitempty"`
	Headers      []HeaderField   `json:"headers,omitempty"`
	Body         []byte          `json:"body,omitempty"`
	Proto        TransportProto  `json:"proto,omitempty"`
	// Flow is the handle of the connection the request arrived over,
	// when the transport pinned one.
	Flow  FlowHandle `json:"flow,omitempty"`
	MsgID string     `json:"msg_id,omitempty"`
}

// NewMsgID mints a fresh engine-unique message id.
func NewMsgID() string { return uuid.NewString() }

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.URI = r.URI.Clone()
	r2.Via = cloneSlice(r.Via)
	r2.From = r.From.Clone()
	r2.To = r.To.Clone()
	r2.MaxForwards = clonePtr(r.MaxForwards)
	r2.Routes = cloneSlice(r.Routes)
	r2.RecordRoutes = cloneSlice(r.RecordRoutes)
	r2.Contacts = cloneSlice(r.Contacts)
	r2.Paths = cloneSlice(r.Paths)
	r2.Expires = clonePtr(r.Expires)
	r2.ProxyRequire = slices.Clone(r.ProxyRequire)
	r2.Require = slices.Clone(r.Require)
	r2.Supported = slices.Clone(r.Supported)
	r2.Headers = slices.Clone(r.Headers)
	r2.Body = slices.Clone(r.Body)
	return &r2
}

// TopVia returns the topmost Via entry.
func (r *Request) TopVia() (Via, bool) {
	if r == nil || len(r.Via) == 0 {
		return Via{}, false
	}
	return r.Via[0], true
}

// HeaderValue returns the first extra header with the name, or "".
func (r *Request) HeaderValue(name string) string {
	for _, h := range r.Headers {
		if util.EqFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// SupportsExtension reports whether the request advertises the option
// tag in its Supported header.
func (r *Request) SupportsExtension(tag string) bool {
	return slices.ContainsFunc(r.Supported, func(s string) bool { return util.EqFold(s, tag) })
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("method", string(r.Method)),
		slog.Any("uri", r.URI),
		slog.String("call_id", r.CallID),
		slog.String("msg_id", r.MsgID),
	)
}

// Response is a parsed SIP response plus engine bookkeeping. Synthetic
// marks responses minted locally (transport failure, timeout, reply
// synthesis) rather than received from the wire.
type Response struct {
	Status    ResponseStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Via       []Via          `json:"via,omitempty"` // top first
	From      NameAddr       `json:"from"`
	To        NameAddr       `json:"to"`
	CallID    string         `json:"call_id"`
	CSeq      CSeq           `json:"cseq"`
	Contacts  []NameAddr     `json:"contacts,omitempty"`
	Headers   []HeaderField  `json:"headers,omitempty"`
	Body      []byte         `json:"body,omitempty"`
	Proto     TransportProto `json:"proto,omitempty"`
	MsgID     string         `json:"msg_id,omitempty"`
	Synthetic bool           `json:"synthetic,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.Via = cloneSlice(r.Via)
	r2.From = r.From.Clone()
	r2.To = r.To.Clone()
	r2.Contacts = cloneSlice(r.Contacts)
	r2.Headers = slices.Clone(r.Headers)
	r2.Body = slices.Clone(r.Body)
	return &r2
}

// ToTag returns the To header tag.
func (r *Response) ToTag() string {
	if r == nil {
		return ""
	}
	return r.To.Tag()
}

// TopVia returns the topmost Via entry.
func (r *Response) TopVia() (Via, bool) {
	if r == nil || len(r.Via) == 0 {
		return Via{}, false
	}
	return r.Via[0], true
}

// HeaderValues collects the values of every extra header with the name.
func (r *Response) HeaderValues(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if util.EqFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// RemoveHeaders drops every extra header with the name.
func (r *Response) RemoveHeaders(name string) {
	r.Headers = slices.DeleteFunc(r.Headers, func(h HeaderField) bool {
		return util.EqFold(h.Name, name)
	})
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("status", uint(r.Status)),
		slog.String("call_id", r.CallID),
		slog.String("to_tag", r.ToTag()),
		slog.Bool("synthetic", r.Synthetic),
	)
}

func cloneSlice[T types.Cloneable[T]](src []T) []T {
	if src == nil {
		return nil
	}
	dst := make([]T, len(src))
	for i := range src {
		dst[i] = src[i].Clone()
	}
	return dst
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
