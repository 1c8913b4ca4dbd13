package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownEngine is returned by New for names nobody registered.
var ErrUnknownEngine = errors.New("unknown engine")

// Options is passed to an engine Factory.
type Options struct {
	Info ConnectInfo
	// Source is engine specific, e.g. the recording a replay engine plays.
	Source string
	Loop   bool
	Logger *slog.Logger
}

// Factory builds an engine session.
type Factory func(Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an engine available under name. It panics when called twice
// with the same name or with a nil factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("engine: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("engine: Register called twice for " + name)
	}
	registry[name] = factory
}

// New creates an engine session using the factory registered under name.
func New(name string, opts Options) (Engine, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownEngine, "%q (available: %v)", name, Names())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	eng, err := factory(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s engine", name)
	}
	return eng, nil
}

// Names returns the registered engine names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
