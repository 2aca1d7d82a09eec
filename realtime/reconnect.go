package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ReconnectorOptions configures the opt-in reconnect collaborator.
type ReconnectorOptions struct {
	Channel *Channel

	// Token returns the current access credential, or "" when the session is
	// gone. An empty token stops reconnect attempts until the next error.
	Token func() string

	// OnReconnected runs after a successful reconnect. Callers use it to
	// trigger a full-state reload, since events during the gap are lost.
	OnReconnected func()

	MaxElapsedTime time.Duration
	Logger         *zap.SugaredLogger
}

// Reconnector watches the channel for transport errors and re-establishes
// the connection with exponential backoff. The channel core itself never
// retries; this is the collaborator that owns reconnection policy.
type Reconnector struct {
	options ReconnectorOptions
	log     *zap.SugaredLogger
}

// NewReconnector creates a reconnector with validated configuration.
func NewReconnector(options ReconnectorOptions) (*Reconnector, error) {
	if options.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if options.Token == nil {
		return nil, errors.New("token source is required")
	}
	if options.MaxElapsedTime <= 0 {
		options.MaxElapsedTime = 2 * time.Minute
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Reconnector{options: options, log: logger}, nil
}

// Run blocks until ctx is done, reconnecting after each transport error.
func (r *Reconnector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case transportErr, ok := <-r.options.Channel.Errors():
			if !ok {
				return
			}
			r.log.Warnw("realtime transport error, attempting reconnect", "error", transportErr)
			r.reconnect(ctx)
		}
	}
}

func (r *Reconnector) reconnect(ctx context.Context) {
	operation := func() error {
		token := r.options.Token()
		if token == "" {
			// Session is gone; a future login reconnects explicitly.
			return backoff.Permanent(errors.New("no authenticated session"))
		}
		return r.options.Channel.Connect(ctx, token)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = r.options.MaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		r.log.Warnw("realtime reconnect abandoned", "error", err)
		return
	}

	r.log.Infow("realtime channel reconnected")
	if r.options.OnReconnected != nil {
		r.options.OnReconnected()
	}
}
