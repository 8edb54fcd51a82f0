package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestValidationError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ValidationError
		want string
	}{
		{
			name: "with value and hint",
			err: ValidationError{
				Field:   "proxy.port",
				Value:   99999,
				Message: "out of range 1-65535",
				Hint:    "use a port between 1 and 65535",
			},
			want: "config: proxy.port=99999: out of range 1-65535\n  hint: use a port between 1 and 65535",
		},
		{
			name: "missing value no hint",
			err: ValidationError{
				Field:   "ap.interface",
				Message: "required",
			},
			want: "config: ap.interface: required",
		},
		{
			name: "decode failure",
			err: ValidationError{
				Message: "parsing firmhack.json",
				Err:     io.ErrUnexpectedEOF,
			},
			want: "config: parsing firmhack.json: unexpected EOF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestLaunchError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("executable file not found")
	err := &LaunchError{Service: "dnsmasq", Path: "dnsmasq", Err: inner}
	if !stderrors.Is(err, inner) {
		t.Error("should unwrap to inner error")
	}
	want := "launch dnsmasq (dnsmasq): executable file not found"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWrapNetwork(t *testing.T) {
	inner := fmt.Errorf("exit status 2")
	err := WrapNetwork("address", inner)
	if err.Step != "address" {
		t.Errorf("Step = %q", err.Step)
	}
	if !stderrors.Is(err, inner) {
		t.Error("should unwrap to inner error")
	}
}

func TestUnexpectedExit_Format(t *testing.T) {
	clean := &UnexpectedExit{Service: "dnsmasq", PID: 42}
	if got, want := clean.Error(), "dnsmasq (pid 42) exited unexpectedly"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	failed := &UnexpectedExit{Service: "dnsmasq", PID: 42, Err: fmt.Errorf("exit status 1")}
	if got, want := failed.Error(), "dnsmasq (pid 42) exited unexpectedly: exit status 1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTerminationError_Format(t *testing.T) {
	err := &TerminationError{Service: "hostapd-mana", PID: 7, After: 2 * time.Second, Err: ErrTimeout}
	want := "terminate hostapd-mana (pid 7): still running after 2s: operation timed out"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !stderrors.Is(err, ErrTimeout) {
		t.Error("should unwrap to ErrTimeout")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"validation", Invalid("ap.name", "", "required"), ExitConfig},
		{"wrapped validation", fmt.Errorf("load: %w", Invalid("ap.name", "", "required")), ExitConfig},
		{"interrupted", fmt.Errorf("provisioning: %w", ErrInterrupted), ExitInterrupted},
		{"launch", &LaunchError{Service: "x", Err: io.EOF}, ExitFailure},
		{"network", WrapNetwork("nat", io.EOF), ExitFailure},
		{"unexpected exit", &UnexpectedExit{Service: "x"}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSentinels(t *testing.T) {
	// Verify sentinel errors are distinct.
	sentinels := []error{ErrAlreadyStarted, ErrInterrupted, ErrNotRunning, ErrTimeout}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && stderrors.Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}
