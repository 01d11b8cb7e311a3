// Package reconnect implements the backoff/reconnect policy described in
// spec §4.1: it classifies a connection-termination reason and computes
// the next delay before the connection state machine should retry.
//
// It is grounded on the exponential-backoff-with-jitter loop in the
// teacher's obsidian.SyncClient.Listen, lifted into a standalone policy
// object so it can be driven by a termination-reason classification
// instead of being unconditional, and extended with the scheduled-reset
// protocol from client_impl_base.cpp.
package reconnect

import (
	"math/rand/v2"
	"time"
)

// Reason classifies why a connection terminated, matching spec §4.1.
type Reason int

const (
	ReasonClosedVoluntarily Reason = iota
	ReasonServerSaidDoNotReconnect
	ReasonServerSaidTryAgainLater
	ReasonConnectOperationFailed
	ReasonReadOrWriteError
	ReasonPongTimeout
	ReasonSyncConnectTimeout
	ReasonWebsocketProtocolViolation
	ReasonSSLCertificateRejected
	ReasonHTTPResponseSaysNonfatalError
	ReasonHTTPResponseSaysFatalError
	ReasonSyncProtocolViolation
	ReasonBadHeadersInHTTPResponse
)

// Infinite is returned for delays that mean "never reconnect".
const Infinite = time.Duration(-1)

// Config holds the tunables named in spec §4.1 and §10.3.
type Config struct {
	ResumptionDelayInterval           time.Duration
	MaxResumptionDelayInterval        time.Duration
	ResumptionDelayBackoffMultiplier  float64
	// FatalErrorsAreInfinite controls whether
	// http_response_says_fatal_error / sync_protocol_violation /
	// bad_headers_in_http_response are treated as infinite (true,
	// matching single-session-per-connection deployments where a
	// protocol violation is unambiguously this session's fault) or as
	// a long but finite delay (false).
	FatalErrorsAreInfinite bool
}

// DefaultConfig matches the defaults used by the reference client.
func DefaultConfig() Config {
	return Config{
		ResumptionDelayInterval:          1 * time.Second,
		MaxResumptionDelayInterval:       5 * time.Minute,
		ResumptionDelayBackoffMultiplier: 1.5,
		FatalErrorsAreInfinite:           true,
	}
}

// Policy computes next-reconnect delays and tracks the exponential
// backoff position plus the scheduled-reset two-flag protocol from
// spec §9: "two flags are needed (scheduled_reset,
// ping_after_scheduled_reset_of_reconnect_info) to distinguish 'user
// asked to skip backoff' from 'PONG confirms health within that
// window'."
type Policy struct {
	cfg Config

	current time.Duration

	// scheduledReset is armed by ScheduleReset (cancel_reconnect_delay
	// while connected) and consumed either by ConfirmHealthy (a PONG
	// arrived while armed) or by the next termination, whichever comes
	// first.
	scheduledReset bool

	// doNotReconnect latches once the server said not to reconnect;
	// ScheduleReset is then a no-op.
	doNotReconnect bool
}

// NewPolicy creates a Policy with the given config, backoff position
// reset to the base interval.
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg, current: cfg.ResumptionDelayInterval}
}

// NextDelay computes the delay to wait before the next reconnect
// attempt, given the termination reason and an optional server-supplied
// override (used for server_said_try_again_later). It also advances
// the internal exponential-backoff position for the next call.
func (p *Policy) NextDelay(reason Reason, serverOverride *time.Duration) time.Duration {
	switch reason {
	case ReasonClosedVoluntarily:
		p.reset()
		return 0

	case ReasonServerSaidDoNotReconnect:
		// Per §8 boundary behavior, this tag yields an indefinite delay
		// even if a reset is later requested; clear the scheduled-reset
		// flag and latch doNotReconnect so a later ScheduleReset call
		// cannot resurrect it.
		p.scheduledReset = false
		p.doNotReconnect = true
		return Infinite

	case ReasonServerSaidTryAgainLater:
		if serverOverride != nil {
			return *serverOverride
		}
		return p.backoffAndAdvance()

	case ReasonConnectOperationFailed,
		ReasonReadOrWriteError,
		ReasonPongTimeout,
		ReasonSyncConnectTimeout,
		ReasonWebsocketProtocolViolation,
		ReasonSSLCertificateRejected,
		ReasonHTTPResponseSaysNonfatalError:
		if p.scheduledReset {
			// A reset was scheduled but never confirmed by a PONG
			// before this termination; the backoff continues as if
			// the reset had not been requested (spec §4.1: "Otherwise
			// the backoff continues").
			p.scheduledReset = false
		}
		return p.backoffAndAdvance()

	case ReasonHTTPResponseSaysFatalError,
		ReasonSyncProtocolViolation,
		ReasonBadHeadersInHTTPResponse:
		p.scheduledReset = false
		if p.cfg.FatalErrorsAreInfinite {
			return Infinite
		}
		return p.cfg.MaxResumptionDelayInterval
	}
	// Unrecognized reasons never resolve on retry; map to infinite per
	// spec §4.1 ("Fails with: never fails; errors map to infinite").
	return Infinite
}

// ScheduleReset is called when cancel_reconnect_delay() observes the
// connection already Connected: instead of reconnecting immediately
// (there is nothing to reconnect), it arms the scheduled-reset flag and
// the caller sends an urgent PING. Only ConfirmHealthy, called from the
// matching PONG handler, actually resets the backoff position. After
// the server said not to reconnect, it does nothing.
func (p *Policy) ScheduleReset() {
	if p.doNotReconnect {
		return
	}
	p.scheduledReset = true
}

// ConfirmHealthy consumes an armed scheduled reset: called when a PONG
// is received while scheduledReset is true. Resets the exponential
// backoff position to the base interval. Returns false (no-op) if no
// reset was scheduled.
func (p *Policy) ConfirmHealthy() bool {
	if !p.scheduledReset {
		return false
	}
	p.scheduledReset = false
	p.reset()
	return true
}

// ScheduledResetArmed reports whether a reset is currently awaiting
// PONG confirmation.
func (p *Policy) ScheduledResetArmed() bool {
	return p.scheduledReset
}

func (p *Policy) reset() {
	p.current = p.cfg.ResumptionDelayInterval
}

// backoffAndAdvance returns the current delay with +/-10% jitter, then
// multiplies the base delay for next time, capped at
// MaxResumptionDelayInterval.
func (p *Policy) backoffAndAdvance() time.Duration {
	delay := p.current

	next := time.Duration(float64(p.current) * p.cfg.ResumptionDelayBackoffMultiplier)
	if next > p.cfg.MaxResumptionDelayInterval {
		next = p.cfg.MaxResumptionDelayInterval
	}
	p.current = next

	return jitter(delay)
}

// jitter applies +/-10% randomized jitter to a delay, matching the
// reference client's resumption_delay jitter behavior.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 10
	if spread <= 0 {
		return d
	}
	delta := rand.Int64N(2*spread+1) - spread
	return d + time.Duration(delta)
}
