package config

// loader.go - configuration loading from files and environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/)
//   2. Environment variables
//   3. Config file (.json, .toml, .yaml)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	ferrors "firmhack/internal/errors"
)

// Load reads path on top of the defaults, overlays the environment,
// fills derived values and validates the result.  An empty path loads
// defaults and environment only.  Every failure is a
// *errors.ValidationError.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	if err := Finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize fills derived values and validates cfg.  Callers that
// overlay CLI flags after Load call it again.
func Finalize(cfg *Config) error {
	if err := fillDHCPRange(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// DecodeFile decodes path into cfg, choosing the format from the file
// extension.  Unknown keys are rejected so typos surface early.
func DecodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ferrors.ValidationError{Message: "reading " + path, Err: err}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	case ".toml":
		var md toml.MetaData
		md, err = toml.Decode(string(data), cfg)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown key %q", undecoded[0].String())
			}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(cfg)
	default:
		return &ferrors.ValidationError{
			Message: fmt.Sprintf("unsupported config format %q", ext),
			Hint:    "use a .json, .toml or .yaml file",
		}
	}
	if err != nil {
		return &ferrors.ValidationError{Message: "parsing " + path, Err: err}
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the FIRMHACK_ prefix.  Boolean values
// accept "1", "true", "yes" and "0", "false", "no" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FIRMHACK_INTERFACE"); v != "" {
		cfg.AP.Interface = v
	}
	if v := os.Getenv("FIRMHACK_SSID"); v != "" {
		cfg.AP.Name = v
	}
	if v, ok := os.LookupEnv("FIRMHACK_PASSWORD"); ok {
		cfg.AP.Password = v // empty is meaningful: open network
	}
	if v := os.Getenv("FIRMHACK_TYPE"); v != "" {
		cfg.AP.Type = SecurityMode(strings.ToLower(v))
	}
	if v := os.Getenv("FIRMHACK_UPSTREAM"); v != "" {
		cfg.General.Upstream = v
	}
	if v := os.Getenv("FIRMHACK_WORKDIR"); v != "" {
		cfg.General.Workdir = v
	}
	if v, ok := envBool("FIRMHACK_NM"); ok {
		cfg.General.NM = v
	}
	if v := envInt("FIRMHACK_BURP"); v > 0 {
		cfg.Proxy.Burp = v
	}
	if v := envInt("FIRMHACK_PROXY_PORT"); v > 0 {
		cfg.Proxy.Port = v
	}
	if v := os.Getenv("FIRMHACK_INTERCEPT"); v != "" {
		cfg.Proxy.Intercept = InterceptPolicy(strings.ToLower(v))
	}
	if v := os.Getenv("FIRMHACK_LOGFILE"); v != "" {
		cfg.Proxy.LogFile = v
	}
	if v := envInt("FIRMHACK_GRACE"); v > 0 {
		cfg.General.Grace = Duration{secondsDuration(v)}
	}
	if v := envInt("FIRMHACK_VERBOSE"); v > 0 {
		cfg.General.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) (value, ok bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// fillDHCPRange derives an unset lease range from the AP subnet.
func fillDHCPRange(cfg *Config) error {
	if cfg.AP.DHCPStart != "" && cfg.AP.DHCPEnd != "" {
		return nil
	}
	subnet, err := cfg.Subnet()
	if err != nil {
		return &ferrors.ValidationError{Field: "ap.address", Value: cfg.AP.Address, Message: err.Error()}
	}
	ones, bits := subnet.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	if size < dhcpOffsetStart+dhcpOffsetEnd+2 {
		return &ferrors.ValidationError{
			Field:   "ap.netmask",
			Value:   cfg.AP.Netmask,
			Message: "subnet too small to derive a DHCP range",
			Hint:    "set ap.dhcp_start and ap.dhcp_end explicitly",
		}
	}
	base := binary.BigEndian.Uint32(subnet.IP.To4())
	if cfg.AP.DHCPStart == "" {
		cfg.AP.DHCPStart = uint32ToIP(base + dhcpOffsetStart).String()
	}
	if cfg.AP.DHCPEnd == "" {
		cfg.AP.DHCPEnd = uint32ToIP(base + size - 1 - dhcpOffsetEnd).String()
	}
	return nil
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
