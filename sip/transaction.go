package sip

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/errorutil"
	"github.com/sipward/sipward/internal/util"
)

// TransactionID identifies a transaction or fork within its Call.
// IDs are minted from the Call's monotonic counter and never reused.
type TransactionID int64

func (id TransactionID) String() string { return strconv.FormatInt(int64(id), 10) }

// TransactionStatus is the UAC state machine state.
type TransactionStatus string

const (
	StatusInviteCalling    TransactionStatus = "invite_calling"
	StatusInviteProceeding TransactionStatus = "invite_proceeding"
	StatusInviteAccepted   TransactionStatus = "invite_accepted"
	StatusInviteCompleted  TransactionStatus = "invite_completed"
	StatusTrying           TransactionStatus = "trying"
	StatusProceeding       TransactionStatus = "proceeding"
	StatusCompleted        TransactionStatus = "completed"
	StatusFinished         TransactionStatus = "finished"
	StatusAck              TransactionStatus = "ack"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusAck
}

// initialStatus returns the state a fresh UAC starts in for the method.
func initialStatus(method RequestMethod) TransactionStatus {
	switch {
	case method.Equal(RequestMethodAck):
		return StatusAck
	case method.Equal(RequestMethodInvite):
		return StatusInviteCalling
	default:
		return StatusTrying
	}
}

// CancelState tracks CANCEL progress on an INVITE UAC.
type CancelState string

const (
	CancelNone      CancelState = "none"
	CancelToCancel  CancelState = "to_cancel"
	CancelCancelled CancelState = "cancelled"
)

// OriginKind discriminates where a UAC's responses are routed.
type OriginKind string

const (
	OriginKindNone OriginKind = "none"
	OriginKindUser OriginKind = "user"
	OriginKindFork OriginKind = "fork"
)

// Origin records who launched a UAC and therefore where its responses
// go. Forks are referenced by id, never by pointer.
type Origin struct {
	Kind OriginKind `json:"kind"`
	Fork TransactionID `json:"fork,omitempty"`
	User *Options      `json:"-"`
}

// NoOrigin is the origin of engine-internal requests (CANCEL).
func NoOrigin() Origin { return Origin{Kind: OriginKindNone} }

// UserOrigin routes responses to a user callback described by opts.
func UserOrigin(opts *Options) Origin { return Origin{Kind: OriginKindUser, User: opts} }

// ForkOrigin routes responses to the fork with the id.
func ForkOrigin(id TransactionID) Origin { return Origin{Kind: OriginKindFork, Fork: id} }

// LogValue implements [slog.LogValuer].
func (o Origin) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(o.Kind)),
		slog.String("fork", o.Fork.String()),
	)
}

// TransactionKey matches inbound responses to the UAC that sent the
// corresponding request. Derivation depends only on the application id,
// Call-ID, CSeq method and top Via branch.
//
//nolint:recvcheck
type TransactionKey struct {
	AppID  string        `json:"app_id"`
	CallID string        `json:"call_id"`
	Method RequestMethod `json:"method"`
	Branch string        `json:"branch"`
}

var zeroTxKey TransactionKey

// FillFromRequest populates the key fields from an outbound request.
func (k *TransactionKey) FillFromRequest(appID string, req *Request) error {
	if req == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid request"))
	}
	via, ok := req.TopVia()
	if !ok {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("request without via"))
	}
	k.AppID = appID
	k.CallID = req.CallID
	k.Method = req.CSeq.Method.ToUpper()
	k.Branch = via.Branch()
	return nil
}

// FillFromResponse populates the key fields from an inbound response.
func (k *TransactionKey) FillFromResponse(appID string, res *Response) error {
	if res == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid response"))
	}
	via, ok := res.TopVia()
	if !ok {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("response without via"))
	}
	k.AppID = appID
	k.CallID = res.CallID
	k.Method = res.CSeq.Method.ToUpper()
	k.Branch = via.Branch()
	return nil
}

// Equal checks whether the key is equal to another key.
func (k TransactionKey) Equal(val any) bool {
	var other TransactionKey
	switch v := val.(type) {
	case TransactionKey:
		other = v
	case *TransactionKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return k.AppID == other.AppID &&
		k.CallID == other.CallID &&
		util.EqFold(k.Method, other.Method) &&
		k.Branch == other.Branch
}

// IsValid checks whether the key is valid.
func (k TransactionKey) IsValid() bool {
	return k.CallID != "" && k.Method != "" && k.Branch != ""
}

// LogValue returns a [slog.Value] for the key.
func (k TransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", k.CallID),
		slog.String("method", string(k.Method)),
		slog.String("branch", k.Branch),
	)
}

func (k TransactionKey) MarshalBinary() ([]byte, error) {
	method := util.UCase(string(k.Method))

	size := util.SizePrefixedString(k.AppID) +
		util.SizePrefixedString(k.CallID) +
		util.SizePrefixedString(method) +
		util.SizePrefixedString(k.Branch)

	buf := make([]byte, 0, size)
	buf = util.AppendPrefixedString(buf, k.AppID)
	buf = util.AppendPrefixedString(buf, k.CallID)
	buf = util.AppendPrefixedString(buf, method)
	buf = util.AppendPrefixedString(buf, k.Branch)
	return buf, nil
}

func (k *TransactionKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid data"))
	}

	var (
		rest = data
		err  error
		key  TransactionKey
	)
	if key.AppID, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(err)
	}
	if key.CallID, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(err)
	}
	var method string
	if method, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(err)
	}
	key.Method = RequestMethod(method)
	if key.Branch, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(err)
	}

	if len(rest) != 0 {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("unexpected trailing data"))
	}

	*k = key
	return nil
}

func (k TransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

func (k TransactionKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		f.Write([]byte(k.String()))
		return
	case 'q':
		f.Write([]byte(strconv.Quote(k.String())))
		return
	default:
		if !f.Flag('+') && !f.Flag('#') {
			f.Write([]byte(k.String()))
			return
		}

		type hideMethods TransactionKey
		type TransactionKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), TransactionKey(k))
		return
	}
}

// NewBranch mints an engine-unique Via branch token.
func NewBranch() string {
	return MagicCookie + "." + util.RandString(24)
}
