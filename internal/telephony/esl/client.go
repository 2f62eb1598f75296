package esl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/telephony"
)

const reconnectDelay = 2 * time.Second

// Client talks to FreeSWITCH over two event socket connections: a command
// connection used by one caller at a time and an event connection read by
// a single goroutine.
type Client struct {
	cfg  config.TelephonyConfig
	dial Dialer
	log  *zap.Logger
	bus  *telephony.Bus
	now  func() time.Time

	// sem admits one command at a time; connMu only guards the cmd field
	// so Close never waits behind a stuck command.
	sem    chan struct{}
	connMu sync.Mutex
	cmd    Conn

	evMu sync.Mutex
	ev   Conn

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Option customises the client.
type Option func(*Client)

// WithDialer replaces the socket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithClock overrides the time stamped on events that carry none.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New builds a client. Nothing is dialled until Connect.
func New(cfg config.TelephonyConfig, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		dial:   DialEventSocket,
		log:    log,
		bus:    telephony.NewBus(),
		now:    func() time.Time { return time.Now().UTC() },
		sem:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the command connection and starts the event reader.
func (c *Client) Connect(ctx context.Context) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", telephony.ErrNotConnected, err)
	}
	_, err = c.commandConn(ctx)
	release()
	if err != nil {
		return err
	}

	if err := c.openEventConn(ctx); err != nil {
		return err
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.readEvents()
	})
	return nil
}

// Originate starts an outbound leg parked on answer.
func (c *Client) Originate(ctx context.Context, id, number string, vars map[string]string) (string, error) {
	if id == "" || number == "" {
		return "", fmt.Errorf("esl: originate: id and number are required")
	}
	cmd := fmt.Sprintf("bgapi originate %s%s/%s &park()", channelVars(id, c.cfg.CallerID, vars), c.cfg.DialString, number)
	if _, err := c.send(ctx, cmd); err != nil {
		return "", fmt.Errorf("esl: originate %s: %w", id, err)
	}
	return id, nil
}

// ListActiveChannels returns the identifiers of every live channel.
func (c *Client) ListActiveChannels(ctx context.Context) (map[string]struct{}, error) {
	body, err := c.send(ctx, "api show channels as json")
	if err != nil {
		return nil, fmt.Errorf("esl: list channels: %w", err)
	}
	return parseChannelList(body)
}

// ChannelInfo dumps a live channel. Unknown channels yield nil, nil.
func (c *Client) ChannelInfo(ctx context.Context, id string) (*telephony.ChannelOutcome, error) {
	body, err := c.send(ctx, "api uuid_dump "+id+" json")
	if errors.Is(err, telephony.ErrCommandFailed) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("esl: channel info %s: %w", id, err)
	}
	return parseChannelDump(id, body)
}

// SendCommand sends a raw api or bgapi command and returns the reply body.
func (c *Client) SendCommand(ctx context.Context, raw string) (string, error) {
	return c.send(ctx, raw)
}

func (c *Client) SetVariable(ctx context.Context, id, name, value string) error {
	_, err := c.send(ctx, fmt.Sprintf("api uuid_setvar %s %s %s", id, name, value))
	return err
}

func (c *Client) GetVariable(ctx context.Context, id, name string) (string, error) {
	body, err := c.send(ctx, fmt.Sprintf("api uuid_getvar %s %s", id, name))
	if err != nil {
		return "", err
	}
	if body == "_undef_" {
		return "", nil
	}
	return body, nil
}

func (c *Client) Transfer(ctx context.Context, id, destination string) error {
	_, err := c.send(ctx, fmt.Sprintf("api uuid_transfer %s %s", id, destination))
	return err
}

func (c *Client) StopPlayback(ctx context.Context, id string) error {
	_, err := c.send(ctx, fmt.Sprintf("api uuid_break %s all", id))
	return err
}

func (c *Client) Hangup(ctx context.Context, id, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	_, err := c.send(ctx, fmt.Sprintf("api uuid_kill %s %s", id, cause))
	return err
}

// Execute runs a dialplan application on the channel.
func (c *Client) Execute(ctx context.Context, id, app, args string) error {
	_, err := c.send(ctx, fmt.Sprintf("api uuid_broadcast %s %s::%s aleg", id, app, args))
	return err
}

func (c *Client) ModuleLoaded(ctx context.Context, module string) (bool, error) {
	body, err := c.send(ctx, "api module_exists "+module)
	if err != nil {
		return false, err
	}
	return body == "true", nil
}

func (c *Client) Subscribe(id string) (<-chan telephony.Event, func()) {
	return c.bus.Subscribe(id)
}

// Close tears down both connections and closes every subscription.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.evMu.Lock()
		if c.ev != nil {
			_ = c.ev.Close()
		}
		c.evMu.Unlock()

		c.connMu.Lock()
		if c.cmd != nil {
			_ = c.cmd.Close()
			c.cmd = nil
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
	c.bus.Close()
	return nil
}

type reply struct {
	frame Frame
	err   error
}

// send runs one command on the command connection. Without a caller
// deadline the configured command timeout applies. A command that outlives
// its deadline or fails in transport abandons the connection and the next
// command dials a fresh one; a negative reply keeps it.
func (c *Client) send(ctx context.Context, cmd string) (string, error) {
	if c.isClosed() {
		return "", telephony.ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commandTimeout())
		defer cancel()
	}

	name := commandName(cmd)
	release, err := c.acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("esl: %s: %w", name, err)
	}
	defer release()

	conn, err := c.commandConn(ctx)
	if err != nil {
		return "", err
	}

	done := make(chan reply, 1)
	go func() {
		f, err := conn.Send(cmd)
		done <- reply{frame: f, err: err}
	}()

	select {
	case <-c.closed:
		return "", telephony.ErrNotConnected
	case <-ctx.Done():
		c.dropCommandConn(conn)
		c.log.Warn("esl: command timed out", zap.String("command", name))
		return "", fmt.Errorf("esl: %s: %w", name, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if !isTransportError(r.err) {
				return "", fmt.Errorf("%w: %s: %s", telephony.ErrCommandFailed, name, r.err)
			}
			c.dropCommandConn(conn)
			return "", fmt.Errorf("esl: %s: %w", name, r.err)
		}
		return replyBody(r.frame)
	}
}

// acquire waits for the command slot.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-c.closed:
		return nil, telephony.ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isTransportError separates a broken socket from a negative reply. The
// socket library strips "-ERR " and hands back the remaining text as a
// plain error, so anything not recognisably I/O is a command failure.
func isTransportError(err error) bool {
	var (
		netErr   net.Error
		protoErr textproto.ProtocolError
		numErr   *strconv.NumError
	)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.As(err, &netErr), errors.As(err, &protoErr), errors.As(err, &numErr):
		return true
	}
	return err.Error() == "Timeout"
}

func replyBody(f Frame) (string, error) {
	text := strings.TrimSpace(f.Get("Reply-Text"))
	body := strings.TrimSpace(f.Body)
	for _, s := range []string{text, body} {
		if strings.HasPrefix(s, "-ERR") || strings.HasPrefix(s, "-USAGE") {
			return "", fmt.Errorf("%w: %s", telephony.ErrCommandFailed, s)
		}
	}
	if body != "" {
		return body, nil
	}
	return text, nil
}

// commandConn returns the live command connection, dialling one if needed.
// The caller must hold the command slot.
func (c *Client) commandConn(ctx context.Context) (Conn, error) {
	c.connMu.Lock()
	conn := c.cmd
	c.connMu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := c.dialContext(ctx)
	if err != nil {
		return nil, err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.isClosed() {
		_ = conn.Close()
		return nil, telephony.ErrNotConnected
	}
	c.cmd = conn
	return conn, nil
}

func (c *Client) dropCommandConn(conn Conn) {
	_ = conn.Close()
	c.connMu.Lock()
	if c.cmd == conn {
		c.cmd = nil
	}
	c.connMu.Unlock()
}

func (c *Client) openEventConn(ctx context.Context) error {
	conn, err := c.dialContext(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Send("event plain " + strings.Join(eventNames, " ")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("esl: subscribe events: %w", err)
	}

	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.isClosed() {
		_ = conn.Close()
		return telephony.ErrNotConnected
	}
	if c.ev != nil {
		_ = c.ev.Close()
	}
	c.ev = conn
	return nil
}

func (c *Client) dialContext(ctx context.Context) (Conn, error) {
	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := c.dial(c.cfg.Address, c.cfg.Password)
		done <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", telephony.ErrNotConnected, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", telephony.ErrNotConnected, r.err)
		}
		return r.conn, nil
	}
}

func (c *Client) readEvents() {
	defer c.wg.Done()

	for {
		c.evMu.Lock()
		conn := c.ev
		c.evMu.Unlock()
		if conn == nil {
			if !c.reconnectEvents() {
				return
			}
			continue
		}

		f, err := conn.ReadEvent()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn("esl: event connection lost", zap.Error(err))
			c.evMu.Lock()
			if c.ev == conn {
				_ = conn.Close()
				c.ev = nil
			}
			c.evMu.Unlock()
			continue
		}

		ev, err := ParseEvent(f)
		switch {
		case errors.Is(err, telephony.ErrUnknownEvent):
			continue
		case err != nil:
			c.log.Debug("esl: skip event", zap.Error(err))
			continue
		}
		if ev.At.IsZero() {
			ev.At = c.now()
		}
		c.bus.Publish(ev)
	}
}

func (c *Client) reconnectEvents() bool {
	for {
		select {
		case <-c.closed:
			return false
		case <-time.After(reconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.commandTimeout())
		err := c.openEventConn(ctx)
		cancel()
		if err == nil {
			c.log.Info("esl: event connection restored")
			return true
		}
		c.log.Warn("esl: reconnect events", zap.Error(err))
	}
}

func (c *Client) commandTimeout() time.Duration {
	if c.cfg.CommandTimeout > 0 {
		return c.cfg.CommandTimeout
	}
	return 5 * time.Second
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// channelVars renders {k=v,...} with origination_uuid first and the rest
// sorted so the command is stable.
func channelVars(id, callerID string, vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{"origination_uuid=" + id}
	if callerID != "" {
		parts = append(parts, "origination_caller_id_number="+escapeVar(callerID))
	}
	for _, k := range keys {
		parts = append(parts, k+"="+escapeVar(vars[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escapeVar(v string) string {
	v = strings.ReplaceAll(v, ",", `\,`)
	if strings.ContainsAny(v, " '") {
		return "'" + strings.ReplaceAll(v, "'", "") + "'"
	}
	return v
}

func commandName(cmd string) string {
	fields := strings.Fields(cmd)
	switch {
	case len(fields) >= 2 && (fields[0] == "api" || fields[0] == "bgapi"):
		return fields[1]
	case len(fields) > 0:
		return fields[0]
	default:
		return cmd
	}
}

var _ telephony.Client = (*Client)(nil)
