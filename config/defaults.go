package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	DefaultHostapdManaCmd = "hostapd-mana"
	DefaultProxychainsCmd = "proxychains"
	DefaultDnsmasqCmd     = "dnsmasq"
	DefaultMitmdumpCmd    = "mitmdump"

	DefaultInterface = "wlan0"
	DefaultSSID      = "My WiFi"
	DefaultPassword  = "mypasswd"
	DefaultChannel   = 6

	// DefaultAddress and DefaultNetmask give the AP interface
	// 10.0.0.1/24.
	DefaultAddress = "10.0.0.1"
	DefaultNetmask = "255.255.255.0"

	// DefaultProxyPort is where the internal interceptor listens.
	DefaultProxyPort = 1337

	DefaultLogFile = "firmhack.log"
	DefaultScript  = "proxy.py"

	// DefaultGracePeriod is how long Terminate waits after SIGTERM
	// before escalating to SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// dhcpOffsetStart and dhcpOffsetEnd place the default lease range
	// inside the subnet, clear of the AP address.
	dhcpOffsetStart = 10
	dhcpOffsetEnd   = 5
)

// Defaults returns a Config populated with every default value.  The
// DHCP range is left empty and derived from the subnet during Load.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			HostapdManaCmd: DefaultHostapdManaCmd,
			ProxychainsCmd: DefaultProxychainsCmd,
			DnsmasqCmd:     DefaultDnsmasqCmd,
			MitmdumpCmd:    DefaultMitmdumpCmd,
			NM:             true,
			Workdir:        ".",
			Grace:          Duration{DefaultGracePeriod},
			Verbose:        1,
		},
		AP: APConfig{
			Interface: DefaultInterface,
			Loud:      true,
			Type:      SecurityOpen,
			Name:      DefaultSSID,
			Password:  DefaultPassword,
			Channel:   DefaultChannel,
			Address:   DefaultAddress,
			Netmask:   DefaultNetmask,
		},
		Proxy: ProxyConfig{
			LogFile:   DefaultLogFile,
			Port:      DefaultProxyPort,
			Intercept: InterceptBridged,
			Script:    DefaultScript,
		},
	}
}
