// Package router declares the external router-session interface the core
// consumes and the input validation that defeats command
// injection into whatever transport implements it.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
)

// Transient errors are retried by the caller on the next cycle. An ErrFatal
// from a shaper-rate write ends the autorate loop (its RunCycle returns the
// error after the cycle's commit); the steering loop handles every router
// error, ErrFatal included, as transient.
var (
	ErrTransient = errors.New("router: transient error")
	ErrFatal     = errors.New("router: fatal error")
)

// QueueStats is the result of reading a queue's current shaper state.
type QueueStats struct {
	ShapedRateBps    int64
	DropsCumulative  uint64
	BacklogPackets   int64
	BacklogBytes     int64
}

// Session is the capability set the core requires of a router transport;
// the concrete implementation is selected at construction from the
// configuration. Real transports (REST, SSH) are out
// of scope for this repository; Fake below exists for tests and dry runs.
type Session interface {
	ReadQueueStats(ctx context.Context, queueName string) (QueueStats, error)
	SetQueueRate(ctx context.Context, queueName string, bps int64) error
	SetRuleEnabled(ctx context.Context, ruleIdentifier string, enabled bool) error
}

// identifierRE matches the conservative character set allowed for
// queue_name and rule_identifier: alphanumerics, underscore, hyphen, dot,
// colon, space.
var identifierRE = regexp.MustCompile(`^[A-Za-z0-9_.: -]+$`)

// ValidateIdentifier rejects anything outside the conservative character
// set for values that reach a shell-adjacent transport.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("router: identifier must not be empty")
	}
	if !identifierRE.MatchString(s) {
		return fmt.Errorf("router: identifier %q contains disallowed characters", s)
	}
	return nil
}

// ValidateHost validates a probe target against RFC1123 hostname syntax or
// an IPv4/IPv6 literal.
func ValidateHost(host string) error {
	if host == "" {
		return errors.New("router: host must not be empty")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if !rfc1123RE.MatchString(host) {
		return fmt.Errorf("router: host %q is not a valid hostname or IP literal", host)
	}
	return nil
}

var rfc1123RE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
