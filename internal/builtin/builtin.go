// Package builtin ships a handful of pure-Go reference plugins
// implementing the plugin capability interfaces directly, so the host
// runs end-to-end without any LV2 bundle installed. They are small but
// real: the gain exercises audio I/O, monitored outputs, presets, and
// state; the tone generator exercises MIDI input, bypass, and a
// transport-hinted event port; the convolver exercises the worker
// offload and patch:Set properties.
package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/mod-host-go/modhostd/internal/plugin"
)

const (
	// GainURI identifies the reference gain plugin.
	GainURI = "http://modhostd.local/plugins/gain"
	// ToneGenURI identifies the reference tone generator.
	ToneGenURI = "http://modhostd.local/plugins/tonegen"
	// ConvolverURI identifies the reference convolver, the one builtin
	// that declares a worker interface.
	ConvolverURI = "http://modhostd.local/plugins/convolver"
)

type entry struct {
	describe    func() *plugin.Descriptor
	instantiate func(opts plugin.InstantiateOptions) plugin.Instance
}

// Registry resolves builtin plugin URIs, implementing plugin.Discovery
// without any external loader.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewRegistry returns a Registry preloaded with the three reference
// plugins.
func NewRegistry() *Registry {
	r := &Registry{entries: map[string]entry{}}
	r.entries[GainURI] = entry{gainDescriptor, newGain}
	r.entries[ToneGenURI] = entry{toneGenDescriptor, newToneGen}
	r.entries[ConvolverURI] = entry{convolverDescriptor, newConvolver}
	return r
}

// Lookup implements plugin.Discovery.
func (r *Registry) Lookup(_ context.Context, uri string) (*plugin.Descriptor, bool, error) {
	r.mu.Lock()
	e, ok := r.entries[uri]
	r.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return e.describe(), true, nil
}

// Instantiate implements plugin.Discovery.
func (r *Registry) Instantiate(desc *plugin.Descriptor, opts plugin.InstantiateOptions) (plugin.Instance, error) {
	r.mu.Lock()
	e, ok := r.entries[desc.URI]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("builtin: unknown plugin URI %q", desc.URI)
	}
	return e.instantiate(opts), nil
}
