package mcppool

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Kind distinguishes tool servers started as a child process from servers
// reached over the network.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Transport selects the wire protocol for a remote server.
type Transport string

const (
	// TransportAuto picks SSE when the URL path ends in /sse and plain
	// HTTP otherwise.
	TransportAuto Transport = ""
	TransportHTTP Transport = "http"
	TransportSSE  Transport = "sse"
)

// Descriptor configures one external tool server. Secrets in Env and
// Headers are expected to be decrypted already.
type Descriptor struct {
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"kind" yaml:"kind"`

	// Local servers.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Remote servers.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Transport Transport         `json:"transport,omitempty" yaml:"transport,omitempty"`
}

// Validate reports whether d is complete enough to connect.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("tool server name is required")
	}
	switch d.Kind {
	case KindLocal:
		if d.Command == "" {
			return fmt.Errorf("tool server %s: command is required", d.Name)
		}
	case KindRemote:
		u, err := url.Parse(d.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("tool server %s: invalid url %q", d.Name, d.URL)
		}
		switch d.Transport {
		case TransportAuto, TransportHTTP, TransportSSE:
		default:
			return fmt.Errorf("tool server %s: unknown transport %q", d.Name, d.Transport)
		}
	default:
		return fmt.Errorf("tool server %s: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// RemoteTransport resolves the transport for a remote descriptor.
func (d Descriptor) RemoteTransport() Transport {
	if d.Transport != TransportAuto {
		return d.Transport
	}
	u, err := url.Parse(d.URL)
	if err == nil && strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sse") {
		return TransportSSE
	}
	return TransportHTTP
}

// environ renders Env as KEY=VALUE pairs in key order.
func (d Descriptor) environ() []string {
	if len(d.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}
