package voice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
)

// ControllerFactory builds a controller for one destination from its live
// stream source and sink factory.
type ControllerFactory func(dest DestinationID, source StreamSource, sinks SinkFactory) (*Controller, error)

// Manager keeps one controller per destination.
type Manager struct {
	newController ControllerFactory
	log           logging.Logger
	metrics       *metrics.Metrics

	mu          sync.Mutex
	controllers map[DestinationID]*Controller
}

func NewManager(factory ControllerFactory, log logging.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Manager{
		newController: factory,
		log:           log,
		metrics:       m,
		controllers:   make(map[DestinationID]*Controller),
	}
}

// Join returns the destination's controller, creating it when absent.
func (m *Manager) Join(dest DestinationID, source StreamSource, sinks SinkFactory) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.controllers[dest]; ok {
		return c, nil
	}
	c, err := m.newController(dest, source, sinks)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", dest, err)
	}
	m.controllers[dest] = c
	m.metrics.ActiveDestinations.Set(float64(len(m.controllers)))
	m.log.Infow("manager: joined", "destination", dest)
	return c, nil
}

func (m *Manager) Get(dest DestinationID) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[dest]
	return c, ok
}

// Speak plays text on dest. It fails with ErrClosed when the destination has
// no controller.
func (m *Manager) Speak(ctx context.Context, dest DestinationID, text string) error {
	c, ok := m.Get(dest)
	if !ok {
		return fmt.Errorf("%w: not joined to %s", ErrClosed, dest)
	}
	return c.Speak(ctx, text)
}

// Leave tears down dest's controller. Leaving an unknown destination is a
// no-op.
func (m *Manager) Leave(dest DestinationID) error {
	m.mu.Lock()
	c, ok := m.controllers[dest]
	delete(m.controllers, dest)
	m.metrics.ActiveDestinations.Set(float64(len(m.controllers)))
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.log.Infow("manager: leaving", "destination", dest)
	return c.Close()
}

// Close tears down every controller and joins their errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := m.controllers
	m.controllers = make(map[DestinationID]*Controller)
	m.metrics.ActiveDestinations.Set(0)
	m.mu.Unlock()

	var result *multierror.Error
	for dest, c := range all {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", dest, err))
		}
	}
	return result.ErrorOrNil()
}

// Destinations lists joined destinations in sorted order.
func (m *Manager) Destinations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.controllers))
	for dest := range m.controllers {
		out = append(out, string(dest))
	}
	sort.Strings(out)
	return out
}
