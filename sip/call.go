package sip

import (
	"log/slog"
	"sync"
	"time"
)

// msgIndexEntry maps an engine message id to the transaction and dialog
// it belongs to. The index is append-only within a Call.
type msgIndexEntry struct {
	MsgID  string        `json:"msg_id"`
	Trans  TransactionID `json:"trans"`
	Dialog string        `json:"dialog,omitempty"`
}

// Call is the single in-memory aggregate owning all state for one
// Call-ID: transactions, forks and the message index. Exactly one
// goroutine at a time mutates it; every externally-driven event takes
// the Call mutex first, so the state machines themselves need no
// locking. Parallelism exists only across different Call-IDs.
type Call struct {
	engine   *Engine
	appID    string
	id       string
	globalID string
	cfg      *Config
	log      *slog.Logger

	mu         sync.Mutex
	next       TransactionID
	trans      []*UAC
	transByID  map[TransactionID]*UAC
	transByKey map[string]TransactionID
	forks      []*Fork
	forksByID  map[TransactionID]*Fork
	msgIndex   []msgIndexEntry
	msgByID    map[string]msgIndexEntry
	hibernate  bool
}

// ID returns the Call-ID.
func (c *Call) ID() string { return c.id }

// GlobalID returns the engine-unique id of this Call instance.
func (c *Call) GlobalID() string { return c.globalID }

// LogValue implements [slog.LogValuer].
func (c *Call) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("call_id", c.id),
		slog.String("global_id", c.globalID),
	)
}

// Hibernate marks the Call as a candidate for passivation once idle.
func (c *Call) Hibernate() {
	c.mu.Lock()
	c.hibernate = true
	c.mu.Unlock()
}

// nextID mints a fresh transaction id. Ids are unique within the Call
// and never reused. Caller must hold the mutex.
func (c *Call) nextID() TransactionID {
	c.next++
	return c.next
}

// addTransaction registers the UAC. Caller must hold the mutex.
func (c *Call) addTransaction(tx *UAC) {
	c.trans = append(c.trans, tx)
	c.transByID[tx.id] = tx
	if tx.key.IsValid() {
		c.transByKey[tx.key.String()] = tx.id
	}
}

// transactionByKey resolves the UAC owning the key.
// Caller must hold the mutex.
func (c *Call) transactionByKey(key TransactionKey) (*UAC, bool) {
	id, ok := c.transByKey[key.String()]
	if !ok {
		return nil, false
	}
	tx, ok := c.transByID[id]
	return tx, ok
}

// transaction resolves a UAC by id. Caller must hold the mutex.
func (c *Call) transaction(id TransactionID) (*UAC, bool) {
	tx, ok := c.transByID[id]
	return tx, ok
}

// addFork registers the fork. Caller must hold the mutex.
func (c *Call) addFork(f *Fork) {
	c.forks = append(c.forks, f)
	c.forksByID[f.id] = f
}

// fork resolves a fork by id. Caller must hold the mutex.
func (c *Call) fork(id TransactionID) (*Fork, bool) {
	f, ok := c.forksByID[id]
	return f, ok
}

// removeFork drops the fork. Caller must hold the mutex.
func (c *Call) removeFork(id TransactionID) {
	delete(c.forksByID, id)
	for i, f := range c.forks {
		if f.id == id {
			c.forks = append(c.forks[:i], c.forks[i+1:]...)
			break
		}
	}
}

// indexMsg appends a message index entry. Caller must hold the mutex.
func (c *Call) indexMsg(msgID string, trans TransactionID, dialog string) {
	if msgID == "" {
		return
	}
	entry := msgIndexEntry{MsgID: msgID, Trans: trans, Dialog: dialog}
	c.msgIndex = append(c.msgIndex, entry)
	c.msgByID[msgID] = entry
}

// LookupMsg resolves a message id to its transaction and dialog ids.
func (c *Call) LookupMsg(msgID string) (TransactionID, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.msgByID[msgID]
	return entry.Trans, entry.Dialog, ok
}

// collect is the garbage pass: terminal transactions are removed (forks
// remove themselves in forkDelete). Caller must hold the mutex.
func (c *Call) collect() {
	kept := c.trans[:0]
	for _, tx := range c.trans {
		if tx.Status().IsTerminal() {
			tx.stopTimers()
			delete(c.transByID, tx.id)
			if tx.key.IsValid() {
				delete(c.transByKey, tx.key.String())
			}
			continue
		}
		kept = append(kept, tx)
	}
	c.trans = kept
}

// empty reports whether the Call holds no live state.
func (c *Call) empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trans) == 0 && len(c.forks) == 0
}

// now is the Call's clock; a seam for tests.
var now = time.Now
