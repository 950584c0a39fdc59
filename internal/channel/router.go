package channel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultChannel is the channel every message routes to when no routing file
// is configured.
const DefaultChannel = "log"

// routingFile is the on-disk YAML shape of the routing table.
//
//	channels:
//	  - name: push
//	    type: webhook
//	    url: https://push.internal/hook
//	    timeout: 5s
//	  - name: audit
//	    type: log
//	routes:
//	  default: [push, audit]
//	  conversations:
//	    conv-vip: [push]
type routingFile struct {
	Channels []channelSpec `yaml:"channels"`
	Routes   struct {
		Default       []string            `yaml:"default"`
		Conversations map[string][]string `yaml:"conversations"`
	} `yaml:"routes"`
}

type channelSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

func (s channelSpec) timeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("channel %q: invalid timeout %q: %w", s.Name, s.Timeout, err)
	}
	return d, nil
}

// Router resolves the channel set for a conversation and owns the adapter
// for each configured channel.
type Router struct {
	adapters     map[string]Adapter
	defaultRoute []string
	overrides    map[string][]string
}

// NewRouter builds a router from an already-parsed channel list and routes.
// Adapters are wrapped in circuit breakers.
func NewRouter(specs []channelSpec, defaultRoute []string, overrides map[string][]string) (*Router, error) {
	adapters := make(map[string]Adapter, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("channel with empty name")
		}
		if _, dup := adapters[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate channel %q", spec.Name)
		}
		var inner Adapter
		switch spec.Type {
		case "webhook":
			if spec.URL == "" {
				return nil, fmt.Errorf("channel %q: webhook requires url", spec.Name)
			}
			timeout, err := spec.timeout()
			if err != nil {
				return nil, err
			}
			inner = NewWebhookAdapter(spec.Name, spec.URL, timeout)
		case "log", "":
			inner = NewLogAdapter(spec.Name)
		default:
			return nil, fmt.Errorf("channel %q: unknown type %q", spec.Name, spec.Type)
		}
		adapters[spec.Name] = NewBreakerAdapter(inner)
	}

	check := func(route []string, where string) error {
		for _, name := range route {
			if _, ok := adapters[name]; !ok {
				return fmt.Errorf("%s references unknown channel %q", where, name)
			}
		}
		return nil
	}
	if err := check(defaultRoute, "routes.default"); err != nil {
		return nil, err
	}
	for conv, route := range overrides {
		if err := check(route, fmt.Sprintf("routes.conversations[%s]", conv)); err != nil {
			return nil, err
		}
	}
	if len(defaultRoute) == 0 {
		return nil, fmt.Errorf("routes.default must list at least one channel")
	}

	return &Router{
		adapters:     adapters,
		defaultRoute: defaultRoute,
		overrides:    overrides,
	}, nil
}

// LoadRouter reads the routing table from a YAML file. An empty path returns
// a router with a single always-succeeding log channel.
func LoadRouter(path string) (*Router, error) {
	if path == "" {
		return NewRouter(
			[]channelSpec{{Name: DefaultChannel, Type: "log"}},
			[]string{DefaultChannel},
			nil,
		)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing file: %w", err)
	}
	var file routingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing routing file %s: %w", path, err)
	}
	router, err := NewRouter(file.Channels, file.Routes.Default, file.Routes.Conversations)
	if err != nil {
		return nil, fmt.Errorf("routing file %s: %w", path, err)
	}
	return router, nil
}

// Resolve returns the channel set for a conversation. Overrides win; anything
// else gets the default route. The returned slice is a copy.
func (r *Router) Resolve(conversationID string) []string {
	route := r.defaultRoute
	if override, ok := r.overrides[conversationID]; ok {
		route = override
	}
	out := make([]string, len(route))
	copy(out, route)
	return out
}

// Adapter returns the adapter for a channel name.
func (r *Router) Adapter(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Channels returns the names of all configured channels.
func (r *Router) Channels() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
