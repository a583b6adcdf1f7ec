// Package channel models delivery mediums as pluggable adapters. One Adapter
// exists per channel, selected through a Registry keyed on the channel
// identifier; the engine never special-cases a concrete medium.
package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Channel identifies one delivery medium.
type Channel string

const (
	Email   Channel = "email"
	Webhook Channel = "webhook"
	Chat    Channel = "chat"
)

// Class buckets a send result for retry classification.
type Class int

const (
	ClassSuccess Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result is the outcome of a single Send call.
type Result struct {
	Class      Class
	Detail     string
	StatusCode int // provider status when applicable, 0 otherwise
}

// Content is the rendered notification handed to an adapter.
type Content struct {
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Adapter is the capability contract for one delivery medium. The recipient
// argument is the channel-native address (email address, webhook URL, chat
// handle) resolved from preferences, not an internal recipient id.
type Adapter interface {
	Channel() Channel
	Send(ctx context.Context, recipient string, content Content) Result
	CheckConnectivity(ctx context.Context) error
}

// Registry maps channel identifiers to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Channel]Adapter)}
}

// Register installs the adapter under its own channel identifier,
// replacing any previous adapter for that channel.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
}

// Lookup returns the adapter for ch.
func (r *Registry) Lookup(ch Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %q", ch)
	}
	return a, nil
}

// Channels returns the registered channel identifiers.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}

// ClassifyHTTP maps a transport error / HTTP status pair onto a result class
// plus a short reason label for metrics. Network faults, timeouts and
// provider 5xx are transient; 4xx-class rejections are permanent.
func ClassifyHTTP(err error, status int) (Class, string) {
	if err != nil {
		errLower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(errLower, "context deadline exceeded"), strings.Contains(errLower, "timeout"):
			return ClassTransient, "timeout"
		case strings.Contains(errLower, "connection refused"):
			return ClassTransient, "connection_refused"
		case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
			return ClassTransient, "dns_error"
		default:
			return ClassTransient, "network"
		}
	}
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess, "ok"
	case status == 429:
		return ClassTransient, "http_429"
	case status >= 500:
		return ClassTransient, "http_5xx"
	case status >= 400:
		return ClassPermanent, "http_4xx"
	default:
		return ClassTransient, "other"
	}
}
