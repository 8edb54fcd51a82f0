package netstate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firmhack/util"
)

// installTools puts stand-ins for service, ip, iptables and sysctl on
// PATH.  The service stand-in records the radio state in a file and,
// like systemctl waiting on a job, takes a while to stop.
func installTools(t *testing.T) (state string) {
	t.Helper()
	dir := t.TempDir()
	state = filepath.Join(dir, "radio.state")
	if err := os.WriteFile(state, []byte("running\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tools := map[string]string{
		"service": `case "$2" in
stop) echo stopped > "` + state + `"; sleep 1 ;;
start) echo running > "` + state + `" ;;
esac`,
		"ip":       "exit 0",
		"iptables": `[ "$3" = "-C" ] && exit 1; exit 0`,
		"sysctl":   `[ "$1" = "-n" ] && echo 0; exit 0`,
	}
	for name, body := range tools {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return state
}

func readState(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(data))
}

func TestApply_CancelDoesNotInterruptCommand(t *testing.T) {
	state := installTools(t)
	cfg := testConfig(t, "")
	cfg.General.NM = true
	m := New(util.NewExecRunner(quietLogger()), quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(200*time.Millisecond, cancel)

	tok, err := m.Apply(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Apply err = %v, want context.Canceled", err)
	}
	if !tok.RadioDisabled {
		t.Fatal("radio stop completed but was not recorded")
	}
	if tok.Interface != "" {
		t.Errorf("Apply continued past the cancelled boundary: %v", tok.Steps())
	}
	if got := readState(t, state); got != "stopped" {
		t.Fatalf("radio state after Apply = %q, want stopped", got)
	}

	if err := m.Revert(tok); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if got := readState(t, state); got != "running" {
		t.Errorf("radio state after Revert = %q, want running", got)
	}
}

func TestApply_CancelledBeforeStart(t *testing.T) {
	k := newFakeKernel()
	before := k.snapshot()
	m := New(k, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := m.Apply(ctx, testConfig(t, "eth0"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Apply err = %v, want context.Canceled", err)
	}
	if !tok.Empty() {
		t.Errorf("token = %v, want empty", tok.Steps())
	}
	if len(k.calls) != 0 {
		t.Errorf("commands ran after cancellation: %v", k.calls)
	}
	if after := k.snapshot(); after != before {
		t.Errorf("host state changed:\n%s", after)
	}
}
