package messaging

import (
	"context"
	"sync"

	"github.com/glimte/mmate-gateway/contracts"
)

// Port is a transport adapter. A port is owned by the Registry from Initialize
// to Shutdown.
//
// SendMessage performs exactly one delivery attempt and never retries. Failures
// are reported as *TransientDeliveryError or *PermanentDeliveryError; anything
// else is treated as transient by the router.
type Port interface {
	Name() string
	Initialize(ctx context.Context, cfg AdapterConfig) error
	SendMessage(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (*contracts.Receipt, error)
	// Shutdown releases the port's resources. It must be safe to call more than once.
	Shutdown(ctx context.Context) error
}

// InboundPort is a port that also produces messages. Receive pushes received
// messages to out until ctx is done or the transport fails.
type InboundPort interface {
	Port
	Receive(ctx context.Context, out chan<- *contracts.Message) error
}

// HealthPort is implemented by ports that can cheaply probe their transport.
type HealthPort interface {
	Ping(ctx context.Context) error
}

// Factory constructs an uninitialized port for an adapter config.
type Factory func(cfg AdapterConfig) (Port, error)

// Lifecycle tracks the initialize/shutdown state of a port. Adapters embed it.
type Lifecycle struct {
	mu          sync.RWMutex
	name        string
	initialized bool
	shutdown    bool
}

// SetName records the adapter name used in lifecycle errors.
func (l *Lifecycle) SetName(name string) {
	l.mu.Lock()
	l.name = name
	l.mu.Unlock()
}

// MarkInitialized records a successful Initialize.
func (l *Lifecycle) MarkInitialized() {
	l.mu.Lock()
	l.initialized = true
	l.shutdown = false
	l.mu.Unlock()
}

// Initialized reports whether the port is usable.
func (l *Lifecycle) Initialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initialized && !l.shutdown
}

// CheckInitialized returns a *NotInitializedError for op when the port is not usable.
func (l *Lifecycle) CheckInitialized(op string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.initialized || l.shutdown {
		return &NotInitializedError{Adapter: l.name, Op: op}
	}
	return nil
}

// MarkShutdown flips the port to shut down. It returns true only on the first
// call after initialization, so Shutdown bodies run once.
func (l *Lifecycle) MarkShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown || !l.initialized {
		l.shutdown = true
		return false
	}
	l.shutdown = true
	return true
}
