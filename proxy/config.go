package proxy

import (
	"fmt"
	"net/url"

	"github.com/kamilstanek/wiretap/internal/auth"
)

// Mode selects which intake grammar a listener uses.
type Mode int

const (
	ModeExplicit Mode = iota
	ModeTransparent
	ModeReverse
)

func (m Mode) String() string {
	switch m {
	case ModeTransparent:
		return "transparent"
	case ModeReverse:
		return "reverse"
	default:
		return "explicit"
	}
}

// ReverseTarget is the fixed upstream a reverse-mode listener forwards
// every request to, parsed from "scheme://host[:port]".
type ReverseTarget struct {
	Scheme string
	Host   string
	Port   int
}

// ParseReverseTarget parses the --reverse flag value.
func ParseReverseTarget(spec string) (ReverseTarget, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return ReverseTarget{}, fmt.Errorf("invalid --reverse value %q: %w", spec, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ReverseTarget{}, fmt.Errorf("invalid --reverse scheme %q: must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return ReverseTarget{}, fmt.Errorf("invalid --reverse value %q: missing host", spec)
	}
	host := u.Hostname()
	port := defaultPortFor(u.Scheme)
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return ReverseTarget{}, fmt.Errorf("invalid --reverse port in %q: %w", spec, err)
		}
	}
	return ReverseTarget{Scheme: u.Scheme, Host: host, Port: port}, nil
}

func defaultPortFor(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// TransparentConfig holds transparent-mode-only settings.
type TransparentConfig struct {
	TLSPorts []int
}

// DefaultTransparentTLSPorts lists the well-known ports transparent mode
// treats as TLS without waiting to sniff the first bytes.
var DefaultTransparentTLSPorts = []int{443, 8443}

// Config is the immutable-after-startup snapshot every handler shares.
type Config struct {
	Addr string
	Mode Mode

	Reverse     ReverseTarget
	Transparent TransparentConfig

	CertPath           string // user-provided cert+key, overrides forgery
	ClientCertsDir     string
	DummyCertsDir      string
	CACertPath         string
	NoUpstreamCert     bool
	InsecureSkipVerify bool
	UpstreamProxy      *url.URL // chain every upstream connection through this SOCKS5/HTTPS proxy

	BodySizeLimit int64

	Authenticator *auth.Authenticator

	ReadTimeoutSeconds  int
	WriteTimeoutSeconds int
}

func (c *Config) isTransparentTLSPort(port int) bool {
	ports := c.Transparent.TLSPorts
	if len(ports) == 0 {
		ports = DefaultTransparentTLSPorts
	}
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}
