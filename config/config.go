// Package config defines the operator's configuration for a firmhack
// run: access point identity, tool paths, interception proxy and the
// address mappings served by the proxy addon.
//
// A *Config returned by [Load] has been validated and must be treated
// as read-only.  Re-loading is the only way to change it.
package config

import (
	"net"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"firmhack/util"
)

// Config holds every tuneable for a single firmhack run.
type Config struct {
	General   GeneralConfig   `json:"general" toml:"general" yaml:"general"`
	AP        APConfig        `json:"ap" toml:"ap" yaml:"ap"`
	Proxy     ProxyConfig     `json:"proxy" toml:"proxy" yaml:"proxy"`
	Addresses []AddressConfig `json:"addresses" toml:"addresses" yaml:"addresses"`
}

// GeneralConfig holds tool paths and host-level switches.
type GeneralConfig struct {
	HostapdManaCmd string   `json:"hostapdmanacmd" toml:"hostapdmanacmd" yaml:"hostapdmanacmd"`
	ProxychainsCmd string   `json:"proxychainscmd" toml:"proxychainscmd" yaml:"proxychainscmd"` // empty: run the AP unwrapped
	DnsmasqCmd     string   `json:"dnsmasqcmd" toml:"dnsmasqcmd" yaml:"dnsmasqcmd"`
	MitmdumpCmd    string   `json:"mitmdumpcmd" toml:"mitmdumpcmd" yaml:"mitmdumpcmd"`
	NM             bool     `json:"nm" toml:"nm" yaml:"nm"`                   // stop NetworkManager for the run
	Upstream       string   `json:"upstream" toml:"upstream" yaml:"upstream"` // upstream interface; empty: no bridging
	Workdir        string   `json:"workdir" toml:"workdir" yaml:"workdir"`
	Grace          Duration `json:"grace" toml:"grace" yaml:"grace"` // per-service terminate grace period
	Verbose        int      `json:"verbose" toml:"verbose" yaml:"verbose"`
}

// APConfig describes the rogue access point.
type APConfig struct {
	Interface string       `json:"interface" toml:"interface" yaml:"interface"`
	Loud      bool         `json:"loud" toml:"loud" yaml:"loud"`
	Type      SecurityMode `json:"type" toml:"type" yaml:"type"`
	Name      string       `json:"name" toml:"name" yaml:"name"` // SSID
	Password  string       `json:"password" toml:"password" yaml:"password"`
	Channel   int          `json:"channel" toml:"channel" yaml:"channel"`

	Address   string `json:"address" toml:"address" yaml:"address"`
	Netmask   string `json:"netmask" toml:"netmask" yaml:"netmask"`
	DHCPStart string `json:"dhcp_start" toml:"dhcp_start" yaml:"dhcp_start"`
	DHCPEnd   string `json:"dhcp_end" toml:"dhcp_end" yaml:"dhcp_end"`

	// Enterprise (802.1X) only.
	CACert      string `json:"ca_cert" toml:"ca_cert" yaml:"ca_cert"`
	ServerCert  string `json:"server_cert" toml:"server_cert" yaml:"server_cert"`
	PrivateKey  string `json:"private_key" toml:"private_key" yaml:"private_key"`
	EAPUser     string `json:"eap_user" toml:"eap_user" yaml:"eap_user"`
	EAPPassword string `json:"eap_password" toml:"eap_password" yaml:"eap_password"`
}

// ProxyConfig selects how client traffic is intercepted.
type ProxyConfig struct {
	LogFile   string          `json:"logfile" toml:"logfile" yaml:"logfile"`
	Burp      int             `json:"burp" toml:"burp" yaml:"burp"` // external proxy port; 0 means internal
	Mode      ProxyMode       `json:"mode" toml:"mode" yaml:"mode"`
	Port      int             `json:"port" toml:"port" yaml:"port"` // internal interceptor listening port
	Intercept InterceptPolicy `json:"intercept" toml:"intercept" yaml:"intercept"`
	Allow     string          `json:"allow" toml:"allow" yaml:"allow"` // allow-hosts pattern
	Script    string          `json:"script" toml:"script" yaml:"script"`
}

// AddressConfig maps a URL to a local file served by the proxy addon.
type AddressConfig struct {
	Address string            `json:"address" toml:"address" yaml:"address"`
	File    string            `json:"file" toml:"file" yaml:"file"`
	Headers map[string]string `json:"headers" toml:"headers" yaml:"headers"`
}

// ── Enumerations ─────────────────────────────────────────────────────

// SecurityMode is the AP authentication mode.
type SecurityMode string

const (
	SecurityOpen       SecurityMode = "open"
	SecurityEnterprise SecurityMode = "enterprise"
)

// ProxyMode selects who listens for redirected traffic.
type ProxyMode string

const (
	ProxyInternal ProxyMode = "internal" // firmhack launches mitmdump
	ProxyExternal ProxyMode = "external" // an operator-run proxy (e.g. Burp)
)

// InterceptPolicy decides when ports 80/443 are redirected.
type InterceptPolicy string

const (
	InterceptBridged InterceptPolicy = "bridged" // only with an upstream interface
	InterceptAlways  InterceptPolicy = "always"
)

// ── Derived values ───────────────────────────────────────────────────

// EffectiveProxyMode resolves an empty Mode from the Burp port.
func (c *Config) EffectiveProxyMode() ProxyMode {
	if c.Proxy.Mode != "" {
		return c.Proxy.Mode
	}
	if c.Proxy.Burp != 0 {
		return ProxyExternal
	}
	return ProxyInternal
}

// InterceptPort is the local port that redirected traffic is steered to.
func (c *Config) InterceptPort() int {
	if c.EffectiveProxyMode() == ProxyExternal {
		return c.Proxy.Burp
	}
	return c.Proxy.Port
}

// Redirects reports whether ports 80/443 should be redirected.
func (c *Config) Redirects() bool {
	return c.General.Upstream != "" || c.Proxy.Intercept == InterceptAlways
}

// Enterprise reports whether the AP runs 802.1X.
func (c *Config) Enterprise() bool { return c.AP.Type == SecurityEnterprise }

// Subnet returns the AP's private network.
func (c *Config) Subnet() (*net.IPNet, error) {
	return util.Subnet(c.AP.Address, c.AP.Netmask)
}

// Path resolves name inside the working directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.General.Workdir, name)
}

// ── Duration ─────────────────────────────────────────────────────────

// Duration is a time.Duration that decodes from strings like "5s" in
// every supported config format.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler (JSON and TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
