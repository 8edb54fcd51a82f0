package netstate

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"firmhack/config"
	ferrors "firmhack/internal/errors"
	"firmhack/internal/metrics"
	"firmhack/util"
)

// fakeKernel interprets the handful of commands Manager issues and keeps
// the resulting host state in memory.
type fakeKernel struct {
	mu      sync.Mutex
	nm      bool
	forward string
	links   map[string]bool     // iface -> up
	addrs   map[string][]string // iface -> cidrs
	rules   map[string]bool     // "-t T CHAIN spec"
	fail    map[string]error    // command line prefix -> error
	calls   []string
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		nm:      true,
		forward: "0",
		links:   map[string]bool{"wlan0": true},
		addrs:   map[string][]string{"wlan0": {"192.168.7.7/24"}},
		rules:   map[string]bool{},
		fail:    map[string]error{},
	}
}

// snapshot renders the full host state for before/after comparison.
func (k *fakeKernel) snapshot() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var parts []string
	parts = append(parts, "nm="+boolStr(k.nm), "forward="+k.forward)
	for iface, up := range k.links {
		parts = append(parts, "link "+iface+"="+boolStr(up))
	}
	for iface, a := range k.addrs {
		parts = append(parts, "addr "+iface+"="+strings.Join(a, ","))
	}
	for r := range k.rules {
		parts = append(parts, "rule "+r)
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (k *fakeKernel) Run(_ context.Context, name string, args ...string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	line := util.CommandLine(name, args...)
	k.calls = append(k.calls, line)
	for prefix, err := range k.fail {
		if strings.HasPrefix(line, prefix) {
			return "", err
		}
	}

	switch name {
	case "service":
		k.nm = args[1] == "start"
	case "sysctl":
		if args[0] == "-n" {
			return k.forward, nil
		}
		k.forward = strings.TrimPrefix(args[1], forwardKey+"=")
	case "ip":
		return "", k.ip(args)
	case "iptables":
		return "", k.iptables(args)
	default:
		return "", errors.New("unknown command " + name)
	}
	return "", nil
}

func (k *fakeKernel) ip(args []string) error {
	switch {
	case args[0] == "link":
		k.links[args[3]] = args[4] == "up"
	case args[0] == "addr" && args[1] == "flush":
		k.addrs[args[3]] = nil
	case args[0] == "addr" && args[1] == "add":
		k.addrs[args[4]] = append(k.addrs[args[4]], args[2])
	default:
		return errors.New("bad ip args")
	}
	return nil
}

func (k *fakeKernel) iptables(args []string) error {
	// -t TABLE OP CHAIN spec...
	key := "-t " + args[1] + " " + args[3] + " " + strings.Join(args[4:], " ")
	switch args[2] {
	case "-C":
		if !k.rules[key] {
			return errors.New("iptables: Bad rule")
		}
	case "-A", "-I":
		k.rules[key] = true
	case "-D":
		if !k.rules[key] {
			return errors.New("iptables: Bad rule")
		}
		delete(k.rules, key)
	}
	return nil
}

func (k *fakeKernel) count(prefix string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, c := range k.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.General.Upstream = upstream
	if err := config.Finalize(cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// ── Apply / Revert ───────────────────────────────────────────────────

func TestApplyRevert_RestoresState(t *testing.T) {
	for _, upstream := range []string{"", "eth0"} {
		t.Run("upstream="+upstream, func(t *testing.T) {
			k := newFakeKernel()
			before := k.snapshot()
			m := New(k, quietLogger(), nil)

			tok, err := m.Apply(context.Background(), testConfig(t, upstream))
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if k.snapshot() == before {
				t.Fatal("Apply changed nothing")
			}
			if err := m.Revert(tok); err != nil {
				t.Fatalf("Revert: %v", err)
			}
			// Revert flushes the address it assigned; the pre-existing
			// address is gone too, matching what a real flush does.
			k.mu.Lock()
			k.addrs["wlan0"] = []string{"192.168.7.7/24"}
			k.links["wlan0"] = true
			k.mu.Unlock()
			if after := k.snapshot(); after != before {
				t.Errorf("state not restored:\nbefore:\n%s\nafter:\n%s", before, after)
			}
		})
	}
}

func TestApply_NoUpstream(t *testing.T) {
	k := newFakeKernel()
	m := New(k, quietLogger(), nil)

	tok, err := m.Apply(context.Background(), testConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if tok.Interface != "wlan0" || tok.CIDR != "10.0.0.1/24" {
		t.Errorf("token interface = %s %s", tok.Interface, tok.CIDR)
	}
	if got := k.addrs["wlan0"]; len(got) != 1 || got[0] != "10.0.0.1/24" {
		t.Errorf("wlan0 addrs = %v", got)
	}
	if tok.ForwardPrev != "" || k.forward != "0" {
		t.Error("forwarding should be untouched without an upstream")
	}
	if len(tok.Rules) != 0 || len(k.rules) != 0 {
		t.Errorf("no rules expected, got %v", tok.Rules)
	}
	if !tok.RadioDisabled || k.nm {
		t.Error("NetworkManager should be stopped")
	}
}

func TestApply_UpstreamRules(t *testing.T) {
	k := newFakeKernel()
	m := New(k, quietLogger(), nil)

	tok, err := m.Apply(context.Background(), testConfig(t, "eth0"))
	if err != nil {
		t.Fatal(err)
	}
	if tok.ForwardPrev != "0" || k.forward != "1" {
		t.Errorf("forward = %s (prev %q)", k.forward, tok.ForwardPrev)
	}
	want := []string{
		"-t nat POSTROUTING -s 10.0.0.0/24 -o eth0 -j MASQUERADE",
		"-t filter FORWARD -i wlan0 -o eth0 -j ACCEPT",
		"-t filter FORWARD -i eth0 -o wlan0 -m state --state RELATED,ESTABLISHED -j ACCEPT",
		"-t nat PREROUTING -i wlan0 -p tcp --dport 80 -j REDIRECT --to-ports 1337",
		"-t nat PREROUTING -i wlan0 -p tcp --dport 443 -j REDIRECT --to-ports 1337",
	}
	if len(tok.Rules) != len(want) {
		t.Fatalf("got %d rules, want %d", len(tok.Rules), len(want))
	}
	for i, r := range tok.Rules {
		if r.String() != want[i] {
			t.Errorf("rule %d = %q, want %q", i, r, want[i])
		}
		if !k.rules[want[i]] {
			t.Errorf("rule %q not installed", want[i])
		}
	}
}

func TestApply_InterceptAlwaysRedirectsWithoutUpstream(t *testing.T) {
	k := newFakeKernel()
	m := New(k, quietLogger(), nil)
	cfg := testConfig(t, "")
	cfg.Proxy.Intercept = config.InterceptAlways

	tok, err := m.Apply(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(tok.Rules) != 2 || tok.Rules[0].Chain != "PREROUTING" {
		t.Errorf("rules = %v", tok.Rules)
	}
}

func TestApply_ForwardAlreadyEnabled(t *testing.T) {
	k := newFakeKernel()
	k.forward = "1"
	m := New(k, quietLogger(), nil)

	tok, err := m.Apply(context.Background(), testConfig(t, "eth0"))
	if err != nil {
		t.Fatal(err)
	}
	if tok.ForwardPrev != "" {
		t.Errorf("ForwardPrev = %q, want empty", tok.ForwardPrev)
	}
	if n := k.count("sysctl -w"); n != 0 {
		t.Errorf("sysctl -w called %d times", n)
	}
	if err := m.Revert(tok); err != nil {
		t.Fatal(err)
	}
	if k.forward != "1" {
		t.Error("Revert must not disable forwarding it did not enable")
	}
}

func TestApply_PreexistingRuleNotRecorded(t *testing.T) {
	k := newFakeKernel()
	masq := "-t nat POSTROUTING -s 10.0.0.0/24 -o eth0 -j MASQUERADE"
	k.rules[masq] = true
	m := New(k, quietLogger(), nil)

	tok, err := m.Apply(context.Background(), testConfig(t, "eth0"))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range tok.Rules {
		if r.String() == masq {
			t.Fatal("pre-existing rule recorded in token")
		}
	}
	if err := m.Revert(tok); err != nil {
		t.Fatal(err)
	}
	if !k.rules[masq] {
		t.Error("pre-existing rule removed by Revert")
	}
}

func TestApply_RadioFailureTolerated(t *testing.T) {
	k := newFakeKernel()
	k.fail["service NetworkManager stop"] = errors.New("unit not found")
	m := New(k, quietLogger(), nil)

	tok, err := m.Apply(context.Background(), testConfig(t, ""))
	if err != nil {
		t.Fatalf("Apply should tolerate radio failure: %v", err)
	}
	if tok.RadioDisabled {
		t.Error("RadioDisabled set despite failure")
	}
	if err := m.Revert(tok); err != nil {
		t.Fatal(err)
	}
	if n := k.count("service NetworkManager start"); n != 0 {
		t.Errorf("Revert restarted a service it never stopped (%d calls)", n)
	}
}

func TestApply_NMDisabled(t *testing.T) {
	k := newFakeKernel()
	m := New(k, quietLogger(), nil)
	cfg := testConfig(t, "")
	cfg.General.NM = false

	if _, err := m.Apply(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if n := k.count("service"); n != 0 {
		t.Errorf("service called %d times with nm=false", n)
	}
}

func TestApply_PartialFailure(t *testing.T) {
	k := newFakeKernel()
	before := k.snapshot()
	k.fail["iptables -t filter -I FORWARD -i eth0"] = errors.New("iptables: No chain/target/match by that name")
	mc := metrics.New()
	m := New(k, quietLogger(), mc)

	tok, err := m.Apply(context.Background(), testConfig(t, "eth0"))
	if err == nil {
		t.Fatal("expected error")
	}
	var ne *ferrors.NetworkStateError
	if !errors.As(err, &ne) || ne.Step != "nat" {
		t.Fatalf("error = %v, want NetworkStateError step nat", err)
	}
	if tok == nil || len(tok.Rules) != 2 || tok.ForwardPrev != "0" {
		t.Fatalf("token should record completed steps, got %+v", tok)
	}

	delete(k.fail, "iptables -t filter -I FORWARD -i eth0")
	if err := m.Revert(tok); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	k.mu.Lock()
	k.addrs["wlan0"] = []string{"192.168.7.7/24"}
	k.links["wlan0"] = true
	k.mu.Unlock()
	if after := k.snapshot(); after != before {
		t.Errorf("partial apply not fully reverted:\n%s\nvs\n%s", before, after)
	}
	if applied, reverted := mc.NetworkSteps(); applied == 0 || reverted == 0 {
		t.Errorf("metrics applied=%d reverted=%d", applied, reverted)
	}
}

func TestApply_AddressFailure(t *testing.T) {
	k := newFakeKernel()
	k.fail["ip link set dev wlan0 down"] = errors.New("Cannot find device")
	m := New(k, quietLogger(), nil)

	tok, err := m.Apply(context.Background(), testConfig(t, ""))
	if ferrors.ExitCode(err) != ferrors.ExitFailure {
		t.Fatalf("err = %v", err)
	}
	if tok.Interface != "" {
		t.Error("interface recorded though no ip command succeeded")
	}
	if !tok.RadioDisabled {
		t.Error("radio step should still be recorded")
	}
}

func TestRevert_Idempotent(t *testing.T) {
	k := newFakeKernel()
	m := New(k, quietLogger(), nil)
	tok, err := m.Apply(context.Background(), testConfig(t, "eth0"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Revert(tok); err != nil {
		t.Fatal(err)
	}
	calls := len(k.calls)
	if err := m.Revert(tok); err != nil {
		t.Fatalf("second Revert: %v", err)
	}
	if len(k.calls) != calls {
		t.Errorf("second Revert issued %d commands", len(k.calls)-calls)
	}
	if !tok.Empty() {
		t.Errorf("token not cleared: %v", tok.Steps())
	}
}

func TestRevert_ContinuesPastFailures(t *testing.T) {
	k := newFakeKernel()
	mc := metrics.New()
	m := New(k, quietLogger(), mc)
	tok, err := m.Apply(context.Background(), testConfig(t, "eth0"))
	if err != nil {
		t.Fatal(err)
	}
	k.fail["iptables -t nat -D PREROUTING"] = errors.New("locked")

	err = m.Revert(tok)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if mc.RevertErrors() != 2 {
		t.Errorf("revert errors = %d, want 2", mc.RevertErrors())
	}
	if !k.nm || k.forward != "0" {
		t.Error("later revert steps should still run")
	}
}

func TestRevert_Order(t *testing.T) {
	k := newFakeKernel()
	m := New(k, quietLogger(), nil)
	tok, err := m.Apply(context.Background(), testConfig(t, "eth0"))
	if err != nil {
		t.Fatal(err)
	}
	start := len(k.calls)
	if err := m.Revert(tok); err != nil {
		t.Fatal(err)
	}
	calls := k.calls[start:]
	if !strings.Contains(calls[0], "--dport 443") {
		t.Errorf("first revert = %q, want last inserted rule", calls[0])
	}
	if last := calls[len(calls)-1]; last != "service NetworkManager start" {
		t.Errorf("last revert = %q", last)
	}
}

func TestRevert_Nil(t *testing.T) {
	m := New(newFakeKernel(), quietLogger(), nil)
	if err := m.Revert(nil); err != nil {
		t.Fatal(err)
	}
}

func TestPlan(t *testing.T) {
	steps := Plan(testConfig(t, ""))
	want := []string{"stop NetworkManager", "address wlan0 10.0.0.1/24"}
	if strings.Join(steps, "|") != strings.Join(want, "|") {
		t.Errorf("Plan = %v, want %v", steps, want)
	}
	if n := len(Plan(testConfig(t, "eth0"))); n != 2+1+3+2 {
		t.Errorf("upstream plan has %d steps", n)
	}
}
