package config

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	ferrors "firmhack/internal/errors"
	"firmhack/util"
)

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.  It
// returns the first problem found as a *errors.ValidationError.
func (c *Config) Validate() error {
	if c.AP.Interface == "" {
		return &ferrors.ValidationError{
			Field:   "ap.interface",
			Message: "required",
			Hint:    "name the wireless adapter to run the AP on, e.g. wlan0",
		}
	}
	if c.General.Upstream != "" && c.General.Upstream == c.AP.Interface {
		return ferrors.Invalid("general.upstream", c.General.Upstream, "must differ from ap.interface")
	}
	if c.General.HostapdManaCmd == "" {
		return ferrors.Invalid("general.hostapdmanacmd", nil, "required")
	}
	if c.General.DnsmasqCmd == "" {
		return ferrors.Invalid("general.dnsmasqcmd", nil, "required")
	}
	if c.General.Grace.Duration <= 0 {
		return ferrors.Invalid("general.grace", c.General.Grace.Duration, "must be positive")
	}

	if err := c.validateLines(); err != nil {
		return err
	}
	if err := c.validateAP(); err != nil {
		return err
	}
	if err := c.validateAddressing(); err != nil {
		return err
	}
	if err := c.validateProxy(); err != nil {
		return err
	}

	for i, a := range c.Addresses {
		if a.Address == "" {
			return ferrors.Invalid(indexed("addresses", i, "address"), nil, "required")
		}
		if a.File == "" {
			return ferrors.Invalid(indexed("addresses", i, "file"), nil, "required")
		}
	}
	return nil
}

func (c *Config) validateAP() error {
	switch c.AP.Type {
	case SecurityOpen, SecurityEnterprise:
	default:
		return &ferrors.ValidationError{
			Field:   "ap.type",
			Value:   c.AP.Type,
			Message: "unknown security mode",
			Hint:    `use "open" or "enterprise"`,
		}
	}
	if n := len(c.AP.Name); n == 0 || n > 32 {
		return ferrors.Invalid("ap.name", c.AP.Name, "SSID must be 1-32 bytes")
	}
	if p := c.AP.Password; p != "" && (len(p) < 8 || len(p) > 63) {
		return &ferrors.ValidationError{
			Field:   "ap.password",
			Message: "WPA passphrase must be 8-63 characters",
			Hint:    "leave it empty for an open network",
		}
	}
	if c.AP.Channel < 1 || c.AP.Channel > 14 {
		return ferrors.Invalid("ap.channel", c.AP.Channel, "must be a 2.4 GHz channel 1-14")
	}
	if c.Enterprise() {
		if c.AP.ServerCert == "" {
			return ferrors.Invalid("ap.server_cert", nil, "required in enterprise mode")
		}
		if c.AP.PrivateKey == "" {
			return ferrors.Invalid("ap.private_key", nil, "required in enterprise mode")
		}
	}
	return nil
}

// validateLines rejects control characters in values written into the
// line-oriented hostapd, dnsmasq and proxychains files, where a newline
// would start a new directive.
func (c *Config) validateLines() error {
	fields := []struct {
		name, value string
		secret      bool
	}{
		{"ap.interface", c.AP.Interface, false},
		{"general.upstream", c.General.Upstream, false},
		{"ap.name", c.AP.Name, false},
		{"ap.password", c.AP.Password, true},
		{"ap.ca_cert", c.AP.CACert, false},
		{"ap.server_cert", c.AP.ServerCert, false},
		{"ap.private_key", c.AP.PrivateKey, false},
		{"ap.eap_user", c.AP.EAPUser, false},
		{"ap.eap_password", c.AP.EAPPassword, true},
	}
	for _, f := range fields {
		if strings.IndexFunc(f.value, unicode.IsControl) < 0 {
			continue
		}
		ve := &ferrors.ValidationError{Field: f.name, Message: "must not contain control characters"}
		if !f.secret {
			ve.Value = strconv.Quote(f.value)
		}
		return ve
	}
	return nil
}

func (c *Config) validateAddressing() error {
	addr, err := util.ParseIPv4(c.AP.Address)
	if err != nil {
		return ferrors.Invalid("ap.address", c.AP.Address, "%v", err)
	}
	if _, err := util.PrefixLen(c.AP.Netmask); err != nil {
		return ferrors.Invalid("ap.netmask", c.AP.Netmask, "%v", err)
	}
	subnet, _ := c.Subnet()

	start, err := util.ParseIPv4(c.AP.DHCPStart)
	if err != nil {
		return ferrors.Invalid("ap.dhcp_start", c.AP.DHCPStart, "%v", err)
	}
	end, err := util.ParseIPv4(c.AP.DHCPEnd)
	if err != nil {
		return ferrors.Invalid("ap.dhcp_end", c.AP.DHCPEnd, "%v", err)
	}
	if !subnet.Contains(start) || !subnet.Contains(end) {
		return &ferrors.ValidationError{
			Field:   "ap.dhcp_start",
			Value:   c.AP.DHCPStart + "-" + c.AP.DHCPEnd,
			Message: "DHCP range outside " + subnet.String(),
		}
	}
	if bytes.Compare(start, end) > 0 {
		return ferrors.Invalid("ap.dhcp_start", c.AP.DHCPStart+"-"+c.AP.DHCPEnd, "range start after end")
	}
	if bytes.Compare(start, addr) <= 0 && bytes.Compare(addr, end) <= 0 {
		return ferrors.Invalid("ap.address", c.AP.Address, "inside the DHCP range")
	}
	return nil
}

func (c *Config) validateProxy() error {
	switch c.Proxy.Mode {
	case "", ProxyInternal, ProxyExternal:
	default:
		return &ferrors.ValidationError{
			Field:   "proxy.mode",
			Value:   c.Proxy.Mode,
			Message: "unknown proxy mode",
			Hint:    `use "internal" or "external"`,
		}
	}
	switch c.Proxy.Intercept {
	case InterceptBridged, InterceptAlways:
	default:
		return &ferrors.ValidationError{
			Field:   "proxy.intercept",
			Value:   c.Proxy.Intercept,
			Message: "unknown intercept policy",
			Hint:    `use "bridged" or "always"`,
		}
	}
	if c.Proxy.Burp < 0 || c.Proxy.Burp > 65535 {
		return ferrors.Invalid("proxy.burp", c.Proxy.Burp, "out of range 0-65535")
	}
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return ferrors.Invalid("proxy.port", c.Proxy.Port, "out of range 1-65535")
	}
	if c.EffectiveProxyMode() == ProxyExternal && c.Proxy.Burp == 0 {
		return &ferrors.ValidationError{
			Field:   "proxy.burp",
			Message: "required with an external proxy",
			Hint:    "set proxy.burp to the port your proxy listens on",
		}
	}
	if c.EffectiveProxyMode() == ProxyInternal && c.General.MitmdumpCmd == "" {
		return ferrors.Invalid("general.mitmdumpcmd", nil, "required with the internal proxy")
	}
	if c.Proxy.Allow != "" {
		if _, err := regexp.Compile(c.Proxy.Allow); err != nil {
			return ferrors.Invalid("proxy.allow", c.Proxy.Allow, "%v", err)
		}
	}
	return nil
}

func indexed(list string, i int, field string) string {
	return list + "[" + strconv.Itoa(i) + "]." + field
}
