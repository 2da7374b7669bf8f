// Package signal provides the process-wide lifecycle signal registry for the
// ODM. Signals are named notifiers; receivers are context-aware callables
// that are invoked, and waited on, one by one when a signal is sent.
package signal

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Receiver is a signal receiver. sender is the document class name the
// signal fired for; payload carries the document (or documents) and any
// operation keyword data.
type Receiver func(ctx context.Context, sender string, payload Payload) (any, error)

// Payload carries the signal arguments.
type Payload struct {
	// Document is the single document the operation touched, when there
	// is one.
	Document any
	// Documents is the batch for bulk operations.
	Documents []any
	// Kwargs holds operation keyword data (created flag, loaded flag, …).
	Kwargs map[string]any
}

// Result pairs a receiver identity with its return value.
type Result struct {
	ReceiverID uuid.UUID
	Value      any
	Err        error
}

type registration struct {
	id     uuid.UUID
	sender string // empty means any sender
	fn     Receiver
}

// Signal is a named notifier with an ordered receiver list.
type Signal struct {
	name string

	mu        sync.RWMutex
	receivers []registration
}

// Name returns the signal's name.
func (s *Signal) Name() string { return s.name }

// Connect registers a receiver for every sender and returns its identity.
func (s *Signal) Connect(fn Receiver) uuid.UUID {
	return s.ConnectSender("", fn)
}

// ConnectSender registers a receiver that only fires for the named sender.
func (s *Signal) ConnectSender(sender string, fn Receiver) uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.receivers = append(s.receivers, registration{id: id, sender: sender, fn: fn})
	s.mu.Unlock()
	return id
}

// Disconnect removes a receiver by identity. It reports whether a receiver
// was removed.
func (s *Signal) Disconnect(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.receivers {
		if r.id == id {
			s.receivers = append(s.receivers[:i], s.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// HasReceivers reports whether any receiver would fire for the sender.
func (s *Signal) HasReceivers(sender string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.receivers {
		if r.sender == "" || r.sender == sender {
			return true
		}
	}
	return false
}

// Send invokes every matching receiver in registration order, waiting on
// each, and returns the collected results. The first receiver error aborts
// the remaining receivers and is returned alongside the results gathered so
// far.
func (s *Signal) Send(ctx context.Context, sender string, payload Payload) ([]Result, error) {
	s.mu.RLock()
	regs := make([]registration, len(s.receivers))
	copy(regs, s.receivers)
	s.mu.RUnlock()

	var results []Result
	for _, r := range regs {
		if r.sender != "" && r.sender != sender {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		v, err := r.fn(ctx, sender, payload)
		results = append(results, Result{ReceiverID: r.id, Value: v, Err: err})
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Registry holds the named signals. One process-wide registry is created by
// Init and reachable through Default.
type Registry struct {
	PreInit               *Signal
	PostInit              *Signal
	PreSave               *Signal
	PreSavePostValidation *Signal
	PostSave              *Signal
	PreDelete             *Signal
	PostDelete            *Signal
	PreBulkInsert         *Signal
	PostBulkInsert        *Signal
}

// NewRegistry builds an isolated registry. Tests use this to avoid leaking
// receivers across cases.
func NewRegistry() *Registry {
	return &Registry{
		PreInit:               &Signal{name: "pre_init"},
		PostInit:              &Signal{name: "post_init"},
		PreSave:               &Signal{name: "pre_save"},
		PreSavePostValidation: &Signal{name: "pre_save_post_validation"},
		PostSave:              &Signal{name: "post_save"},
		PreDelete:             &Signal{name: "pre_delete"},
		PostDelete:            &Signal{name: "post_delete"},
		PreBulkInsert:         &Signal{name: "pre_bulk_insert"},
		PostBulkInsert:        &Signal{name: "post_bulk_insert"},
	}
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry()
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// Init replaces the process-wide registry with a fresh one and returns it.
// Call at startup, or from tests that need a clean slate.
func Init() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
	return defaultRegistry
}

// Shutdown drops all receivers by replacing the process-wide registry.
func Shutdown() {
	Init()
}
