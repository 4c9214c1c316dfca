package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Credentials carries what the built-in adapters need to connect.
type Credentials struct {
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
}

type Factory func(Credentials) (Provider, error)

// Registry resolves provider names to adapters. Each adapter is built once
// and reused for the life of the registry.
type Registry struct {
	creds     Credentials
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Provider
}

func NewRegistry(creds Credentials) *Registry {
	r := &Registry{
		creds:     creds,
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
	r.RegisterFactory(openAIName, func(c Credentials) (Provider, error) {
		return NewOpenAIProvider(c.OpenAIAPIKey, c.OpenAIBaseURL)
	})
	r.RegisterFactory(anthropicName, func(c Credentials) (Provider, error) {
		return NewAnthropicProvider(c.AnthropicAPIKey, c.AnthropicBaseURL)
	})
	r.RegisterFactory(bedrockName, func(c Credentials) (Provider, error) {
		return NewBedrockProvider(c.AWSRegion, c.AWSAccessKeyID, c.AWSSecretAccessKey, c.AWSSessionToken)
	})
	return r
}

// Register installs a ready-made adapter under name, replacing any factory.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[name] = p
	delete(r.factories, name)
}

func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.instances, name)
}

// Resolve returns the adapter for name. Unknown names and construction
// failures are fatal ProviderErrors.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, Fatal(name, fmt.Sprintf("unknown provider %q", name), nil)
	}
	p, err := f(r.creds)
	if err != nil {
		return nil, err
	}
	r.instances[name] = p
	return p, nil
}

// Names lists every provider the registry can resolve.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for n := range r.factories {
		seen[n] = true
	}
	for n := range r.instances {
		seen[n] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
