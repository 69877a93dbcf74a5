package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/sipward/sipward/internal/errorutil"
	"github.com/sipward/sipward/internal/log"
	"github.com/sipward/sipward/internal/syncutil"
	"github.com/sipward/sipward/metrics"
)

// Config carries the application-wide engine configuration.
// The zero value of every field has a usable default.
type Config struct {
	// AppID names this proxy application inside transaction keys.
	AppID string
	// Timings is the SIP timing config used for all transactions.
	Timings TimingConfig
	// Supported lists the option tags this application implements,
	// checked against inbound Proxy-Require.
	Supported []string
	// Allow lists the methods advertised in OPTIONS replies.
	Allow []RequestMethod
	// MaxAuthRetries bounds the authentication retry chain per
	// transaction lineage. If 0, 5 is used.
	MaxAuthRetries int
	// Logger is the logger. If nil, [log.Def] is used.
	Logger *slog.Logger
	// Metrics receives engine instrumentation. If nil, metrics are off.
	Metrics *metrics.Metrics
}

func (c *Config) appID() string {
	if c == nil {
		return ""
	}
	return c.AppID
}

func (c *Config) timings() TimingConfig {
	if c == nil {
		return defTimingCfg
	}
	return c.Timings
}

func (c *Config) supported() []string {
	if c == nil {
		return nil
	}
	return c.Supported
}

func (c *Config) allow() []RequestMethod {
	if c == nil {
		return nil
	}
	return c.Allow
}

func (c *Config) maxAuthRetries() int {
	if c == nil || c.MaxAuthRetries == 0 {
		return 5
	}
	return c.MaxAuthRetries
}

func (c *Config) log() *slog.Logger {
	if c == nil || c.Logger == nil {
		return log.Def
	}
	return c.Logger
}

func (c *Config) metrics() *metrics.Metrics {
	if c == nil {
		return nil
	}
	return c.Metrics
}

// Collaborators is the set of external subsystems the engine drives.
// Transport, Dialog, Auth and UAS are mandatory; SessionTimer is
// optional.
type Collaborators struct {
	Transport    Transport
	Dialog       Dialog
	Auth         Auth
	UAS          UASBridge
	SessionTimer SessionTimerFilter
}

func (c Collaborators) validate() error {
	var errs []error
	if c.Transport == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("invalid transport"))
	}
	if c.Dialog == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("invalid dialog layer"))
	}
	if c.Auth == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("invalid auth layer"))
	}
	if c.UAS == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("invalid uas bridge"))
	}
	return errtrace.Wrap(errorutil.JoinPrefix("invalid collaborators", errs...))
}

// Engine owns every live [Call] of the process, keyed by Call-ID.
// Parallelism exists only across calls; inside one Call all events are
// serialized.
type Engine struct {
	cfg   *Config
	col   Collaborators
	calls *syncutil.ShardMap[string, *Call]
	log   *slog.Logger
}

// NewEngine creates a new Engine. cfg may be nil for defaults.
func NewEngine(col Collaborators, cfg *Config) (*Engine, error) {
	if err := col.validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Engine{
		cfg:   cfg,
		col:   col,
		calls: syncutil.NewShardMap[string, *Call](),
		log:   cfg.log(),
	}, nil
}

// Call returns the live Call for the Call-ID, creating it when absent.
func (e *Engine) Call(callID string) *Call {
	if c, ok := e.calls.Get(callID); ok {
		return c
	}
	c := &Call{
		engine:     e,
		appID:      e.cfg.appID(),
		id:         callID,
		globalID:   uuid.NewString(),
		cfg:        e.cfg,
		transByID:  make(map[TransactionID]*UAC),
		transByKey: make(map[string]TransactionID),
		forksByID:  make(map[TransactionID]*Fork),
		msgByID:    make(map[string]msgIndexEntry),
		log:        e.log.With(slog.String("call_id", callID)),
	}
	e.calls.Set(callID, c)
	if m := e.cfg.metrics(); m != nil {
		m.ActiveCalls.Inc()
	}
	return c
}

// LookupCall returns the live Call for the Call-ID, if any.
func (e *Engine) LookupCall(callID string) (*Call, bool) {
	return e.calls.Get(callID)
}

// RecvResponse routes an inbound response to the Call owning its
// transaction. Responses for unknown calls are logged and dropped.
func (e *Engine) RecvResponse(ctx context.Context, res *Response) error {
	call, ok := e.calls.Get(res.CallID)
	if !ok {
		e.log.LogAttrs(ctx, slog.LevelDebug, "response for unknown call dropped", slog.Any("response", res))
		return nil
	}
	return errtrace.Wrap(call.UACResponse(ctx, res))
}

// dropIfEmpty removes the Call from the registry once its garbage pass
// reports no live state.
func (e *Engine) dropIfEmpty(call *Call) {
	if !call.empty() {
		return
	}
	e.calls.Del(call.id)
	if m := e.cfg.metrics(); m != nil {
		m.ActiveCalls.Dec()
	}
}
