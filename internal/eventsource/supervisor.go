package eventsource

import (
	"context"
	"errors"
	"time"

	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

// SupervisorConfig tunes the reconnect policy.
type SupervisorConfig struct {
	Channels         []string
	OperationTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// Supervisor keeps a Client connected and subscribed, reconnecting with exponential
// backoff, and forwards credit candidates to out in arrival order.
type Supervisor struct {
	client *Client
	tokens TokenSource
	cfg    SupervisorConfig
	logger *zap.Logger
}

func NewSupervisor(client *Client, tokens TokenSource, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{client: client, tokens: tokens, cfg: cfg, logger: logger}
}

// Run blocks until ctx is done. Each session runs until its transport closes.
func (s *Supervisor) Run(ctx context.Context, out chan<- models.CreditEvent) {
	backoff := s.cfg.MinBackoff
	for {
		if s.session(ctx, out) {
			backoff = s.cfg.MinBackoff
		}
		if ctx.Err() != nil {
			return
		}

		observability.IncrementEventSourceReconnect()
		s.logger.Info("event source reconnect scheduled", zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// session connects, subscribes and pumps signals until Closed. It reports whether
// authentication succeeded.
func (s *Supervisor) session(ctx context.Context, out chan<- models.CreditEvent) bool {
	token, err := s.tokens.ConnectionToken(ctx)
	if err != nil {
		s.logger.Error("no connection token", zap.Error(err))
		return false
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	clientID, err := s.client.Connect(connectCtx, token)
	cancel()
	if err != nil {
		s.logger.Warn("event source connect failed", zap.Error(err))
		if !errors.Is(err, ErrInvalidState) {
			s.drain(s.client.Signals())
		}
		return false
	}
	s.logger.Info("event source authenticated", zap.String("client_id", clientID))
	signals := s.client.Signals()

	// Signals queue without bound, so subscribing before pumping loses nothing.
	s.subscribeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = s.client.Disconnect()
			s.drain(signals)
			return true
		case sig, ok := <-signals:
			if !ok {
				return true
			}
			switch v := sig.(type) {
			case Credit:
				select {
				case out <- v.Event:
				case <-ctx.Done():
					_ = s.client.Disconnect()
					s.drain(signals)
					return true
				}
			case Subscribed:
				s.logger.Info("subscribed", zap.String("channel", v.Channel))
			case SubscriptionFailed:
				s.logger.Error("subscription failed", zap.String("channel", v.Err.Channel), zap.Int("code", v.Err.Code), zap.String("reason", v.Err.Reason))
			case Closed:
				if v.Err != nil {
					s.logger.Warn("event source session closed", zap.Error(v.Err))
				}
			}
		}
	}
}

// subscribeAll binds every configured channel. A rejected channel does not affect
// the others.
func (s *Supervisor) subscribeAll(ctx context.Context) {
	for _, channel := range s.cfg.Channels {
		token, err := s.tokens.SubscriptionToken(ctx, channel)
		if err != nil {
			s.logger.Error("no subscription token", zap.String("channel", channel), zap.Error(err))
			continue
		}
		subCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		err = s.client.Subscribe(subCtx, channel, token)
		cancel()

		var subErr *SubscriptionError
		switch {
		case err == nil:
		case errors.As(err, &subErr):
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConnection):
			return
		default:
			s.logger.Warn("subscribe did not complete", zap.String("channel", channel), zap.Error(err))
		}
	}
}

func (s *Supervisor) drain(signals <-chan Signal) {
	for range signals {
	}
}
