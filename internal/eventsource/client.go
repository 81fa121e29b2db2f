package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

const (
	pongTimeout    = 5 * time.Second
	convertTimeout = 2 * time.Second
	maxLoggedFrame = 512
)

// AmountConverter turns a donation amount into micro-coins.
type AmountConverter interface {
	CoinsFor(ctx context.Context, amount decimal.Decimal, currency string) (int64, error)
}

type coinsOnly struct{}

func (coinsOnly) CoinsFor(_ context.Context, amount decimal.Decimal, currency string) (int64, error) {
	if currency != "" && currency != domain.CoinCurrency {
		return 0, fmt.Errorf("no coin rate for %s", currency)
	}
	return domain.FromDecimal(amount)
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithConverter sets the currency conversion for donation amounts. Without it only
// amounts already in coins are accepted.
func WithConverter(conv AmountConverter) Option {
	return func(c *Client) { c.converter = conv }
}

// WithName sets the client name sent with the connect command.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

type request struct {
	id      uint32
	method  int
	channel string
	token   string
	reply   chan frame
}

// session is one Connect..Closed lifetime. Its mutable fields are guarded by Client.mu.
type session struct {
	transport Transport
	signals   *signalQueue
	cancel    context.CancelFunc
	pending   map[uint32]*request
	closing   bool
	closeErr  error
	done      chan struct{}
	once      sync.Once
}

// Client holds one connection to the pub/sub endpoint. It is safe for concurrent use.
type Client struct {
	url       string
	dialer    Dialer
	logger    *zap.Logger
	converter AmountConverter
	name      string
	now       func() time.Time

	mu       sync.Mutex
	state    State
	clientID string
	sess     *session
	nextID   uint32
	bindings map[string]string
}

func NewClient(url string, dialer Dialer, opts ...Option) *Client {
	c := &Client{
		url:       url,
		dialer:    dialer,
		logger:    zap.NewNop(),
		converter: coinsOnly{},
		name:      "tapcoin-wallet",
		now:       func() time.Time { return time.Now().UTC() },
		bindings:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Bindings returns the confirmed channel subscriptions and their tokens.
func (c *Client) Bindings() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.bindings))
	for ch, tok := range c.bindings {
		out[ch] = tok
	}
	return out
}

// Signals returns the stream of the current session. Each Connect starts a new stream;
// it ends after its Closed signal. Callers must drain it.
func (c *Client) Signals() <-chan Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		ch := make(chan Signal)
		close(ch)
		return ch
	}
	return c.sess.signals.out
}

// setState must be called with c.mu held.
func (c *Client) setState(s State) {
	c.state = s
	observability.SetEventSourceState(s.String())
}

// Connect dials the endpoint and authenticates with token. It returns the client id
// assigned by the server. Abandoning ctx before the reply tears the connection down.
func (c *Client) Connect(ctx context.Context, token string) (string, error) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &session{
		signals: newSignalQueue(),
		cancel:  cancel,
		pending: make(map[uint32]*request),
		done:    make(chan struct{}),
	}
	c.sess = s
	c.setState(StateConnecting)
	c.mu.Unlock()

	t, err := c.dialer.Dial(connectCtx, c.url)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnection, err)
		c.finish(s, err)
		return "", err
	}

	c.mu.Lock()
	if s.closing {
		c.mu.Unlock()
		_ = t.Close()
		c.finish(s, nil)
		return "", fmt.Errorf("%w: disconnected while connecting", ErrConnection)
	}
	s.transport = t
	c.setState(StateAuthenticating)
	req := c.register(s, methodConnect, "", "")
	c.mu.Unlock()

	go c.readLoop(s)

	if err := c.send(connectCtx, s, command{ID: req.id, Params: connectParams{Token: token, Name: c.name}}); err != nil {
		return "", c.abort(s, fmt.Errorf("%w: send connect: %w", ErrConnection, err))
	}

	select {
	case <-connectCtx.Done():
		return "", c.abort(s, fmt.Errorf("%w: connect abandoned: %w", ErrConnection, connectCtx.Err()))
	case rep, ok := <-req.reply:
		if !ok {
			return "", c.sessionErr(s)
		}
		if rep.Error != nil {
			return "", c.abort(s, fmt.Errorf("%w: authentication rejected: %w", ErrConnection, rep.Error))
		}
		c.mu.Lock()
		id := c.clientID
		c.mu.Unlock()
		if id == "" {
			return "", c.abort(s, fmt.Errorf("%w: malformed connect reply", ErrConnection))
		}
		return id, nil
	}
}

// Subscribe binds channel using its subscription token. It is valid only once the
// client is authenticated. If ctx ends first the request stays pending; a late
// confirmation still records the binding.
func (c *Client) Subscribe(ctx context.Context, channel, token string) error {
	c.mu.Lock()
	if c.state != StateAuthenticated && c.state != StateSubscribed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: subscribe while %s", ErrInvalidState, state)
	}
	s := c.sess
	req := c.register(s, methodSubscribe, channel, token)
	c.mu.Unlock()

	err := c.send(ctx, s, command{ID: req.id, Method: methodSubscribe, Params: subscribeParams{Channel: channel, Token: token}})
	if err != nil {
		c.mu.Lock()
		delete(s.pending, req.id)
		c.mu.Unlock()
		return fmt.Errorf("%w: send subscribe: %w", ErrConnection, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case rep, ok := <-req.reply:
		if !ok {
			return c.sessionErr(s)
		}
		if rep.Error != nil {
			return &SubscriptionError{Channel: channel, Code: rep.Error.Code, Reason: rep.Error.Message}
		}
		return nil
	}
}

// Disconnect closes the connection and waits until the session has ended.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	if s == nil || c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	s.closing = true
	c.setState(StateClosing)
	t := s.transport
	c.mu.Unlock()

	s.cancel()
	if t != nil {
		_ = t.Close()
	}
	<-s.done
	return nil
}

// register must be called with c.mu held.
func (c *Client) register(s *session, method int, channel, token string) *request {
	c.nextID++
	req := &request{
		id:      c.nextID,
		method:  method,
		channel: channel,
		token:   token,
		reply:   make(chan frame, 1),
	}
	s.pending[req.id] = req
	return req
}

func (c *Client) send(ctx context.Context, s *session, cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return s.transport.Send(ctx, payload)
}

// abort tears the session down with cause and waits for the read loop to exit.
func (c *Client) abort(s *session, cause error) error {
	c.mu.Lock()
	if s.closeErr == nil {
		s.closeErr = cause
	}
	c.mu.Unlock()
	_ = s.transport.Close()
	<-s.done
	return cause
}

func (c *Client) sessionErr(s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return fmt.Errorf("%w: connection closed", ErrConnection)
}

// finish ends a session exactly once: pending requests fail, state returns to
// Disconnected and Closed is the final signal.
func (c *Client) finish(s *session, cause error) {
	s.once.Do(func() {
		c.mu.Lock()
		var closedErr error
		switch {
		case s.closing:
		case s.closeErr != nil:
			closedErr = s.closeErr
		case cause != nil:
			closedErr = cause
			if !errors.Is(cause, ErrConnection) {
				closedErr = fmt.Errorf("%w: %w", ErrConnection, cause)
			}
			s.closeErr = closedErr
		}
		for id, req := range s.pending {
			close(req.reply)
			delete(s.pending, id)
		}
		if c.sess == s {
			c.clientID = ""
			c.bindings = make(map[string]string)
			c.setState(StateDisconnected)
		}
		c.mu.Unlock()

		if closedErr != nil {
			c.logger.Warn("event source connection closed", zap.Error(closedErr))
		} else {
			c.logger.Info("event source disconnected")
		}
		s.signals.push(Closed{Err: closedErr})
		s.signals.close()
		close(s.done)
	})
}

func (c *Client) readLoop(s *session) {
	for {
		msg, err := s.transport.Receive()
		if err != nil {
			c.finish(s, err)
			return
		}
		for _, f := range splitFrames(msg) {
			c.handleFrame(s, f)
		}
	}
}

func (c *Client) handleFrame(s *session, f []byte) {
	if isPing(f) {
		observability.IncrementEventSourceFrame("ping")
		ctx, cancel := context.WithTimeout(context.Background(), pongTimeout)
		defer cancel()
		if err := s.transport.Send(ctx, pingFrame); err != nil {
			c.logger.Warn("failed to answer ping", zap.Error(err))
		}
		return
	}

	var fr frame
	if err := json.Unmarshal(f, &fr); err != nil {
		c.dropFrame(f, "malformed frame", err)
		return
	}
	switch {
	case fr.ID != 0:
		observability.IncrementEventSourceFrame("reply")
		c.handleReply(s, fr)
	case fr.Error != nil:
		observability.IncrementEventSourceFrame("error")
		c.logger.Warn("event source protocol error", zap.Int("code", fr.Error.Code), zap.String("message", fr.Error.Message))
		s.signals.push(ProtocolError{Err: fr.Error})
	case len(fr.Result) > 0:
		c.handlePush(s, f, fr.Result)
	default:
		c.dropFrame(f, "frame without id, result or error", nil)
	}
}

func (c *Client) handleReply(s *session, fr frame) {
	c.mu.Lock()
	req, ok := s.pending[fr.ID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("reply for unknown request", zap.Uint32("id", fr.ID))
		return
	}
	delete(s.pending, fr.ID)

	switch req.method {
	case methodConnect:
		if fr.Error == nil {
			var res connectResult
			if err := json.Unmarshal(fr.Result, &res); err == nil && res.Client != "" && c.sess == s && c.state == StateAuthenticating {
				c.clientID = res.Client
				c.setState(StateAuthenticated)
				s.signals.push(Authenticated{ClientID: res.Client})
			}
		}
	case methodSubscribe:
		if fr.Error != nil {
			s.signals.push(SubscriptionFailed{Err: &SubscriptionError{Channel: req.channel, Code: fr.Error.Code, Reason: fr.Error.Message}})
			c.logger.Warn("subscription rejected", zap.String("channel", req.channel), zap.Int("code", fr.Error.Code), zap.String("reason", fr.Error.Message))
		} else if c.sess == s && (c.state == StateAuthenticated || c.state == StateSubscribed) {
			c.bindings[req.channel] = req.token
			c.setState(StateSubscribed)
			s.signals.push(Subscribed{Channel: req.channel})
		}
	}
	c.mu.Unlock()

	req.reply <- fr
}

func (c *Client) handlePush(s *session, raw []byte, result json.RawMessage) {
	var p push
	if err := json.Unmarshal(result, &p); err != nil {
		c.dropFrame(raw, "malformed push", err)
		return
	}
	if p.Type != pushPublication {
		observability.IncrementEventSourceFrame("control")
		return
	}
	if p.Channel == "" || len(p.Data) == 0 {
		c.dropFrame(raw, "publication without channel or data", nil)
		return
	}
	observability.IncrementEventSourceFrame("publication")

	donations, itemErrs, err := parsePublication(p.Channel, p.Data)
	if err != nil {
		c.dropFrame(raw, "malformed publication", err)
		return
	}
	for _, itemErr := range itemErrs {
		c.dropFrame(raw, "malformed donation", itemErr)
	}

	for _, d := range donations {
		ctx, cancel := context.WithTimeout(context.Background(), convertTimeout)
		coins, err := c.converter.CoinsFor(ctx, d.Amount, d.Currency)
		cancel()
		if errors.Is(err, domain.ErrAmountRange) {
			c.dropFrame(raw, "donation amount out of range", err)
			continue
		}
		if err != nil || coins <= 0 {
			c.logger.Warn("dropping unconvertible donation",
				zap.String("channel", p.Channel),
				zap.String("donation_id", d.ID),
				zap.String("amount", d.Amount.String()),
				zap.String("currency", d.Currency),
				zap.Error(err))
			continue
		}
		s.signals.push(Credit{Event: models.CreditEvent{
			EventID:       d.ID,
			Target:        d.Target,
			Amount:        coins,
			SourceChannel: p.Channel,
			ReceivedAt:    c.now(),
		}})
	}
}

func (c *Client) dropFrame(f []byte, reason string, err error) {
	observability.IncrementEventSourceFrame("dropped")
	if len(f) > maxLoggedFrame {
		f = f[:maxLoggedFrame]
	}
	c.logger.Warn("dropping inbound frame", zap.String("reason", reason), zap.ByteString("frame", f), zap.Error(err))
}
