package mixer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quic-go/webtransport-go"
)

// DatagramSender is the minimal interface a mixer needs to push a mixed
// audio block to a host's WebTransport session.
type DatagramSender interface {
	SendDatagram([]byte) error
}

// Sink delivers one host's mixed audio blocks over a WebTransport session,
// guarded by a circuit breaker so a stalled host doesn't back-pressure the
// mixer loop.
type Sink struct {
	host    string
	session DatagramSender
	health  sendHealth
}

// NewSink wraps an established WebTransport session for host.
func NewSink(host string, session *webtransport.Session) *Sink {
	return &Sink{host: host, session: session}
}

// Send transmits one mixed block, skipping it if the breaker is open and
// this isn't a probe attempt.
func (s *Sink) Send(data []byte) {
	if s.session == nil {
		return
	}
	if s.health.shouldSkip() {
		return
	}
	if err := s.session.SendDatagram(data); err != nil {
		n := s.health.recordFailure()
		if n == circuitBreakerThreshold {
			slog.Warn("mixer sink circuit breaker open", "host", s.host, "failures", n)
		}
		return
	}
	if s.health.failures.Load() > 0 && s.health.recordSuccess() {
		slog.Info("mixer sink circuit breaker closed", "host", s.host)
	}
}

// DialSink opens a WebTransport session to a host's voice sink endpoint.
func DialSink(ctx context.Context, d *webtransport.Dialer, host, url string) (*Sink, error) {
	_, session, err := d.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial webtransport sink for host %q: %w", host, err)
	}
	return NewSink(host, session), nil
}
