// Package netstate applies and reverts the kernel network state an
// access point run needs: wireless management, interface addressing,
// IP forwarding, NAT and port redirection.
//
// Apply returns a *Token recording exactly what it changed.  Revert
// undoes only that, in reverse order, and keeps going when a step
// fails.
package netstate

import (
	"context"
	"strconv"
	"time"

	"firmhack/config"
	ferrors "firmhack/internal/errors"
	"firmhack/internal/metrics"
	"firmhack/util"
)

const (
	// DefaultRadioService is the host service that manages Wi-Fi.
	DefaultRadioService = "NetworkManager"

	// commandTimeout bounds each command.  Neither Apply nor Revert may
	// hang the run.
	commandTimeout = 10 * time.Second

	forwardKey = "net.ipv4.ip_forward"
)

// Manager mutates host network state through a util.Runner.
type Manager struct {
	runner       util.Runner
	logger       *util.Logger
	metrics      *metrics.Collector
	radioService string
}

// New creates a Manager.  The metrics collector may be nil.
func New(runner util.Runner, logger *util.Logger, m *metrics.Collector) *Manager {
	return &Manager{
		runner:       runner,
		logger:       logger,
		metrics:      m,
		radioService: DefaultRadioService,
	}
}

// Apply brings the host into AP mode for cfg.  Failure to stop wireless
// management is logged and tolerated.  Addressing, forwarding and rule
// failures abort Apply.  The returned token is never nil and always
// reflects the steps that completed, so Revert may be called on it
// unconditionally.
//
// Cancelling ctx never interrupts a command in flight: a half-run
// command could change the host without the token recording it.
// Apply stops at the next step boundary instead.
func (m *Manager) Apply(ctx context.Context, cfg *config.Config) (*Token, error) {
	tok := &Token{}
	if err := interrupted(ctx, "radio"); err != nil {
		return tok, err
	}

	// (a) wireless management
	if cfg.General.NM {
		m.logger.Info("network: stopping %s", m.radioService)
		if _, err := m.run(ctx, "service", m.radioService, "stop"); err != nil {
			m.logger.Warn("network: could not stop %s: %v", m.radioService, err)
		} else {
			tok.RadioDisabled = true
			m.metrics.NetworkApplied()
		}
	}

	// (b) interface address
	if err := interrupted(ctx, "address"); err != nil {
		return tok, err
	}
	if err := m.address(ctx, cfg, tok); err != nil {
		return tok, ferrors.WrapNetwork("address", err)
	}

	// (c) forwarding, NAT and redirection
	if cfg.General.Upstream != "" {
		if err := interrupted(ctx, "forwarding"); err != nil {
			return tok, err
		}
		if err := m.enableForwarding(ctx, tok); err != nil {
			return tok, ferrors.WrapNetwork("forwarding", err)
		}
		subnet, err := cfg.Subnet()
		if err != nil {
			return tok, ferrors.WrapNetwork("nat", err)
		}
		for _, r := range natRules(cfg.AP.Interface, cfg.General.Upstream, subnet.String()) {
			if err := interrupted(ctx, "nat"); err != nil {
				return tok, err
			}
			if err := m.insert(ctx, tok, r); err != nil {
				return tok, ferrors.WrapNetwork("nat", err)
			}
		}
	}
	if cfg.Redirects() {
		for _, r := range redirectRules(cfg.AP.Interface, cfg.InterceptPort()) {
			if err := interrupted(ctx, "redirect"); err != nil {
				return tok, err
			}
			if err := m.insert(ctx, tok, r); err != nil {
				return tok, ferrors.WrapNetwork("redirect", err)
			}
		}
	} else {
		m.logger.Verbose("network: no upstream and intercept=%s, not redirecting 80/443", cfg.Proxy.Intercept)
	}

	m.logger.Info("network: applied %d step(s)", len(tok.Steps()))
	return tok, nil
}

func (m *Manager) address(ctx context.Context, cfg *config.Config, tok *Token) error {
	iface := cfg.AP.Interface
	cidr, err := util.CIDR(cfg.AP.Address, cfg.AP.Netmask)
	if err != nil {
		return err
	}

	m.logger.Info("network: assigning %s to %s", cidr, iface)
	if _, err := m.run(ctx, "ip", "link", "set", "dev", iface, "down"); err != nil {
		return err
	}
	tok.Interface = iface
	tok.CIDR = cidr

	steps := [][]string{
		{"addr", "flush", "dev", iface},
		{"addr", "add", cidr, "dev", iface},
		{"link", "set", "dev", iface, "up"},
	}
	for _, args := range steps {
		if _, err := m.run(ctx, "ip", args...); err != nil {
			return err
		}
	}
	m.metrics.NetworkApplied()
	return nil
}

func (m *Manager) enableForwarding(ctx context.Context, tok *Token) error {
	prev, err := m.run(ctx, "sysctl", "-n", forwardKey)
	if err != nil {
		return err
	}
	if prev == "1" {
		m.logger.Verbose("network: %s already enabled", forwardKey)
		return nil
	}
	if _, err := m.run(ctx, "sysctl", "-w", forwardKey+"=1"); err != nil {
		return err
	}
	tok.ForwardPrev = prev
	m.metrics.NetworkApplied()
	return nil
}

// insert adds r unless an identical rule already exists.  Pre-existing
// rules are not recorded, so Revert leaves them alone.
func (m *Manager) insert(ctx context.Context, tok *Token, r Rule) error {
	if _, err := m.run(ctx, "iptables", r.checkArgs()...); err == nil {
		m.logger.Verbose("network: rule already present: %s", r)
		return nil
	}
	if _, err := m.run(ctx, "iptables", r.addArgs()...); err != nil {
		return err
	}
	tok.Rules = append(tok.Rules, r)
	m.metrics.NetworkApplied()
	return nil
}

// Revert undoes every mutation recorded in tok in reverse order: rules
// first (last inserted first), then forwarding, then the interface, and
// wireless management last.  Failed steps are logged and joined into
// the returned error; later steps still run.  Reverted steps are
// cleared from tok.
func (m *Manager) Revert(tok *Token) error {
	if tok.Empty() {
		return nil
	}
	bg := context.Background()
	var errs []error
	fail := func(step string, err error) {
		m.logger.Warn("network: revert %s: %v", step, err)
		m.metrics.RevertError()
		errs = append(errs, ferrors.WrapNetwork(step, err))
	}

	for i := len(tok.Rules) - 1; i >= 0; i-- {
		r := tok.Rules[i]
		if _, err := m.run(bg, "iptables", r.deleteArgs()...); err != nil {
			fail("rule "+r.String(), err)
		} else {
			m.metrics.NetworkReverted()
		}
	}
	tok.Rules = nil

	if tok.ForwardPrev != "" {
		if _, err := m.run(bg, "sysctl", "-w", forwardKey+"="+tok.ForwardPrev); err != nil {
			fail("forwarding", err)
		} else {
			m.metrics.NetworkReverted()
		}
		tok.ForwardPrev = ""
	}

	if tok.Interface != "" {
		iface := tok.Interface
		if _, err := m.run(bg, "ip", "addr", "flush", "dev", iface); err != nil {
			fail("address", err)
		}
		if _, err := m.run(bg, "ip", "link", "set", "dev", iface, "down"); err != nil {
			fail("link", err)
		} else {
			m.metrics.NetworkReverted()
		}
		tok.Interface, tok.CIDR = "", ""
	}

	if tok.RadioDisabled {
		m.logger.Info("network: starting %s", m.radioService)
		if _, err := m.run(bg, "service", m.radioService, "start"); err != nil {
			fail("radio", err)
		} else {
			m.metrics.NetworkReverted()
		}
		tok.RadioDisabled = false
	}

	if len(errs) > 0 {
		return ferrors.Join(errs...)
	}
	m.logger.Info("network: reverted")
	return nil
}

// run executes one command under its own timeout, detached from the
// cancellation of ctx.
func (m *Manager) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
	defer cancel()
	return m.runner.Run(ctx, name, args...)
}

// interrupted reports a cancelled run at a step boundary.
func interrupted(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return ferrors.WrapNetwork(step, err)
	}
	return nil
}

// ── Rule sets ────────────────────────────────────────────────────────

func natRules(ap, upstream, subnet string) []Rule {
	return []Rule{
		{Table: "nat", Chain: "POSTROUTING", Spec: []string{"-s", subnet, "-o", upstream, "-j", "MASQUERADE"}},
		{Table: "filter", Chain: "FORWARD", Insert: true, Spec: []string{"-i", ap, "-o", upstream, "-j", "ACCEPT"}},
		{Table: "filter", Chain: "FORWARD", Insert: true, Spec: []string{"-i", upstream, "-o", ap, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}
}

func redirectRules(ap string, port int) []Rule {
	to := strconv.Itoa(port)
	return []Rule{
		{Table: "nat", Chain: "PREROUTING", Spec: []string{"-i", ap, "-p", "tcp", "--dport", "80", "-j", "REDIRECT", "--to-ports", to}},
		{Table: "nat", Chain: "PREROUTING", Spec: []string{"-i", ap, "-p", "tcp", "--dport", "443", "-j", "REDIRECT", "--to-ports", to}},
	}
}

// Plan describes the mutations Apply would attempt for cfg, without
// running anything.
func Plan(cfg *config.Config) []string {
	var steps []string
	if cfg.General.NM {
		steps = append(steps, "stop "+DefaultRadioService)
	}
	cidr, _ := util.CIDR(cfg.AP.Address, cfg.AP.Netmask)
	steps = append(steps, "address "+cfg.AP.Interface+" "+cidr)
	if cfg.General.Upstream != "" {
		steps = append(steps, "enable "+forwardKey)
		if subnet, err := cfg.Subnet(); err == nil {
			for _, r := range natRules(cfg.AP.Interface, cfg.General.Upstream, subnet.String()) {
				steps = append(steps, "rule "+r.String())
			}
		}
	}
	if cfg.Redirects() {
		for _, r := range redirectRules(cfg.AP.Interface, cfg.InterceptPort()) {
			steps = append(steps, "rule "+r.String())
		}
	}
	return steps
}
