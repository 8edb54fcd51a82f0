package orchestrator

import (
	"strconv"

	"firmhack/config"
	"firmhack/internal/supervisor"
	"firmhack/render"
	"firmhack/util"
)

// Service names.
const (
	ServiceDnsmasq  = "dnsmasq"
	ServiceMitmdump = "mitmdump"
	ServiceHostapd  = "hostapd-mana"
)

// AddressesEnv tells the proxy addon where the address map lives.
const AddressesEnv = "FIRMHACK_ADDRESSES"

// Plan returns the services cfg needs in launch order: the DHCP/DNS
// responder, the interception proxy when it runs internally, and the AP
// daemon last.  The AP daemon is the primary.
func Plan(cfg *config.Config) []supervisor.ServiceSpec {
	specs := []supervisor.ServiceSpec{{
		Name:            ServiceDnsmasq,
		Path:            cfg.General.DnsmasqCmd,
		Args:            []string{"--conf-file=" + cfg.Path(render.DnsmasqFile), "--no-daemon"},
		Dir:             cfg.General.Workdir,
		LogPath:         serviceLog(cfg, ServiceDnsmasq),
		RequiresNetwork: true,
	}}

	if cfg.EffectiveProxyMode() == config.ProxyInternal {
		args := []string{
			"--mode", "transparent",
			"--showhost",
			"--listen-port", strconv.Itoa(cfg.Proxy.Port),
		}
		if cfg.Proxy.Allow != "" {
			args = append(args, "--allow-hosts", cfg.Proxy.Allow)
		}
		if cfg.Proxy.Script != "" {
			args = append(args, "-s", cfg.Proxy.Script)
		}
		specs = append(specs, supervisor.ServiceSpec{
			Name:            ServiceMitmdump,
			Path:            cfg.General.MitmdumpCmd,
			Args:            args,
			Env:             []string{AddressesEnv + "=" + cfg.Path(render.AddressesFile)},
			Dir:             cfg.General.Workdir,
			LogPath:         serviceLog(cfg, ServiceMitmdump),
			RequiresNetwork: true,
			ReadyAddr:       util.FormatAddr("127.0.0.1", cfg.Proxy.Port),
		})
	}

	ap := supervisor.ServiceSpec{
		Name:            ServiceHostapd,
		Path:            cfg.General.HostapdManaCmd,
		Args:            []string{cfg.Path(render.HostapdFile)},
		Dir:             cfg.General.Workdir,
		LogPath:         serviceLog(cfg, ServiceHostapd),
		Primary:         true,
		RequiresNetwork: true,
	}
	if cfg.General.ProxychainsCmd != "" {
		ap.Path = cfg.General.ProxychainsCmd
		ap.Args = []string{
			"-f", cfg.Path(render.ProxychainsFile),
			cfg.General.HostapdManaCmd, cfg.Path(render.HostapdFile),
		}
	}
	return append(specs, ap)
}

func serviceLog(cfg *config.Config, name string) string {
	return cfg.Path(name + ".service.log")
}
