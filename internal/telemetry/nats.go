package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/livequery/internal/livequery"
)

// Publisher forwards per-tick PollDetails onto a NATS subject, where the
// observability pipeline picks them up. Publishing is fire-and-forget: a
// failed publish is logged and dropped, never allowed to slow a tick.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewPublisher connects to NATS.
func NewPublisher(url, subject string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("livequery-telemetry"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	logger.Info().Str("url", url).Str("subject", subject).Msg("Telemetry publisher connected")
	return &Publisher{nc: nc, subject: subject, logger: logger}, nil
}

// Hook returns the post-poll hook that publishes each tick's details.
func (p *Publisher) Hook() livequery.PostPollHook {
	return func(details *livequery.PollDetails) {
		payload, err := json.Marshal(details)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to marshal poll details")
			return
		}
		if err := p.nc.Publish(p.subject, payload); err != nil {
			p.logger.Warn().
				Err(err).
				Str("poller_id", details.PollerID.String()).
				Msg("Failed to publish poll details")
		}
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to drain nats connection")
	}
}

// LogHook is the fallback hook when no NATS URL is configured: poll
// details go to the debug log instead.
func LogHook(logger zerolog.Logger) livequery.PostPollHook {
	return func(details *livequery.PollDetails) {
		logger.Debug().
			Str("poller_id", details.PollerID.String()).
			Dur("total_time", details.TotalTime).
			Dur("snapshot_time", details.SnapshotTime).
			Int("batches", len(details.Batches)).
			Msg("Poll tick completed")
	}
}
