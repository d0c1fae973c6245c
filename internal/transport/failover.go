package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/parley/internal/resilience"
)

// FailoverDialer tries several backend endpoints in order. Each endpoint sits
// behind its own circuit breaker so a dead primary is skipped until its reset
// timeout passes.
type FailoverDialer struct {
	group     *resilience.Failover[Dialer]
	endpoints []string
}

var _ Dialer = (*FailoverDialer)(nil)

// NewFailoverDialer returns a dialer over dialers, primary first.
func NewFailoverDialer(cfg resilience.CircuitBreakerConfig, dialers ...Dialer) (*FailoverDialer, error) {
	if len(dialers) == 0 {
		return nil, errors.New("transport: failover needs at least one endpoint")
	}
	fd := &FailoverDialer{
		group: resilience.NewFailover(dialers[0].Endpoint(), dialers[0], cfg),
	}
	fd.endpoints = append(fd.endpoints, dialers[0].Endpoint())
	for _, d := range dialers[1:] {
		fd.group.Add(d.Endpoint(), d)
		fd.endpoints = append(fd.endpoints, d.Endpoint())
	}
	return fd, nil
}

// Endpoint implements [Dialer].
func (fd *FailoverDialer) Endpoint() string { return strings.Join(fd.endpoints, ",") }

// Dial implements [Dialer]. It returns the first connection any endpoint
// accepts.
func (fd *FailoverDialer) Dial(ctx context.Context) (Conn, error) {
	return resilience.Try(fd.group, func(d Dialer) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d.Dial(ctx)
	})
}

// Breakers returns every endpoint's breaker state.
func (fd *FailoverDialer) Breakers() map[string]resilience.State {
	return fd.group.States()
}
