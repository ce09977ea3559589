// Package events publishes workflow console events to NATS and keeps the
// caches of all replicas in step through invalidation broadcasts.
package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Connect dials NATS with reconnect handling and logs connection changes.
func Connect(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(
		url,
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subjects derives the subject names from a prefix.
type Subjects struct {
	Invalidate     string
	RequestDecided string
	StepsSaved     string
}

// NewSubjects returns the subjects under prefix.
func NewSubjects(prefix string) Subjects {
	return Subjects{
		Invalidate:     prefix + ".cache.invalidate",
		RequestDecided: prefix + ".request.decided",
		StepsSaved:     prefix + ".steps.saved",
	}
}
