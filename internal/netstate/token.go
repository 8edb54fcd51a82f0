package netstate

import (
	"strings"
)

// Rule is one iptables rule inserted by Apply.
type Rule struct {
	Table  string   // "nat" or "filter"
	Chain  string   // e.g. "POSTROUTING"
	Spec   []string // match and target arguments
	Insert bool     // -I (top of chain) instead of -A
}

// addArgs returns the iptables arguments that add the rule.
func (r Rule) addArgs() []string {
	op := "-A"
	if r.Insert {
		op = "-I"
	}
	return r.args(op)
}

func (r Rule) checkArgs() []string  { return r.args("-C") }
func (r Rule) deleteArgs() []string { return r.args("-D") }

func (r Rule) args(op string) []string {
	out := make([]string, 0, len(r.Spec)+4)
	out = append(out, "-t", r.Table, op, r.Chain)
	return append(out, r.Spec...)
}

// String renders the rule the way iptables-save would list it.
func (r Rule) String() string {
	return "-t " + r.Table + " " + r.Chain + " " + strings.Join(r.Spec, " ")
}

// Token records exactly which mutations Apply completed.  Revert undoes
// those and nothing else, then clears them, so reverting twice is a
// no-op.
type Token struct {
	// RadioDisabled is set when the wireless management service was
	// stopped by Apply.
	RadioDisabled bool

	// Interface and CIDR are set once the AP interface was touched.
	Interface string
	CIDR      string

	// ForwardPrev holds the previous net.ipv4.ip_forward value when
	// Apply changed it.
	ForwardPrev string

	// Rules are the inserted iptables rules, in insertion order.
	Rules []Rule
}

// Empty reports whether the token records no mutation.
func (t *Token) Empty() bool {
	return t == nil || (!t.RadioDisabled && t.Interface == "" && t.ForwardPrev == "" && len(t.Rules) == 0)
}

// Steps lists the recorded mutations in the order they were applied.
func (t *Token) Steps() []string {
	if t == nil {
		return nil
	}
	var steps []string
	if t.RadioDisabled {
		steps = append(steps, "radio management disabled")
	}
	if t.Interface != "" {
		steps = append(steps, "addressed "+t.Interface+" "+t.CIDR)
	}
	if t.ForwardPrev != "" {
		steps = append(steps, "ip_forward enabled (was "+t.ForwardPrev+")")
	}
	for _, r := range t.Rules {
		steps = append(steps, "rule "+r.String())
	}
	return steps
}
