package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrHandlerExists     = errors.New("signal handler already registered")
	ErrInvalidSignalType = errors.New("invalid signal type")
)

// Request is one inbound signal from an active connection.
type Request struct {
	ConnID string
	Signal Signal
	// Notify delivers a message to the sender immediately, ahead of the
	// handler's returned deliveries. Used for progress updates.
	Notify func(Message)
}

// Delivery is one outbound message and who receives it.
type Delivery struct {
	To []string
	// Broadcast sends to every active connection except Except.
	Broadcast bool
	Except    string
	Message   Message
}

// To addresses a message to specific connections.
func To(msg Message, connIDs ...string) Delivery {
	return Delivery{To: connIDs, Message: msg}
}

// SignalHandler handles one signal type and returns the messages to send.
type SignalHandler func(ctx context.Context, req Request) []Delivery

// Dispatcher maps signal types to exactly one handler each. Register never
// overwrites; Replace and Remove are the explicit ways to change a slot.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]SignalHandler
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]SignalHandler)}
}

// Register installs h for signalType. It fails if a handler is already present.
func (d *Dispatcher) Register(signalType string, h SignalHandler) error {
	if signalType == "" || h == nil {
		return ErrInvalidSignalType
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[signalType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, signalType)
	}
	d.handlers[signalType] = h
	return nil
}

// Replace installs h and returns the handler it displaced, if any.
func (d *Dispatcher) Replace(signalType string, h SignalHandler) (SignalHandler, error) {
	if signalType == "" || h == nil {
		return nil, ErrInvalidSignalType
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.handlers[signalType]
	d.handlers[signalType] = h
	return prev, nil
}

// Remove clears the slot for signalType.
func (d *Dispatcher) Remove(signalType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[signalType]; !exists {
		return false
	}
	delete(d.handlers, signalType)
	return true
}

// Lookup returns the handler for signalType.
func (d *Dispatcher) Lookup(signalType string) (SignalHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[signalType]
	return h, ok
}
