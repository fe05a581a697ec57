package engine

import (
	"fmt"
	"sort"
	"sync"
)

type SynthesizerFactory func(cfg EngineConfig) (Synthesizer, error)

type ConverterFactory func(cfg EngineConfig) (Converter, error)

var (
	registryMu   sync.RWMutex
	synthesizers = make(map[string]SynthesizerFactory)
	converters   = make(map[string]ConverterFactory)
)

func RegisterSynthesizer(name string, factory SynthesizerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("engine: RegisterSynthesizer factory is nil")
	}
	if _, dup := synthesizers[name]; dup {
		panic("engine: RegisterSynthesizer called twice for " + name)
	}
	synthesizers[name] = factory
}

func RegisterConverter(name string, factory ConverterFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("engine: RegisterConverter factory is nil")
	}
	if _, dup := converters[name]; dup {
		panic("engine: RegisterConverter called twice for " + name)
	}
	converters[name] = factory
}

func NewSynthesizer(name string, cfg EngineConfig) (Synthesizer, error) {
	registryMu.RLock()
	factory, ok := synthesizers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown synthesizer %q (registered: %v)", name, ListSynthesizers())
	}
	cfg.Backend = name
	return factory(cfg)
}

func NewConverter(name string, cfg EngineConfig) (Converter, error) {
	registryMu.RLock()
	factory, ok := converters[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown converter %q (registered: %v)", name, ListConverters())
	}
	cfg.Backend = name
	return factory(cfg)
}

func ListSynthesizers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(synthesizers))
	for name := range synthesizers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ListConverters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(converters))
	for name := range converters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
