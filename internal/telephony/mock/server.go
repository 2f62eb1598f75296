// Package mock is an in-memory media server. Tests drive it by hand; dry
// runs let it play scripted or randomised call behaviour on real timers.
package mock

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acme/outbound-dialer/internal/telephony"
)

// Behavior scripts what happens to one originated channel. Zero delays mean
// the step is left to the test.
type Behavior struct {
	RingAfter   time.Duration
	Answer      bool
	AnswerAfter time.Duration
	// HangupAfter counts from answer, or from ring when not answered.
	HangupAfter time.Duration
	HangupCause string
	AMDResult   string
	// Speech is emitted once answered, one utterance per step.
	Speech     []telephony.Speech
	SpeechStep time.Duration
}

// Script picks a Behavior per dialled number.
type Script func(number string) Behavior

// Manual leaves every channel alone until the test acts.
func Manual(string) Behavior { return Behavior{} }

// Randomized answers answerRate of the calls and splits the rest between
// busy and no answer. Timings are drawn between min and max.
func Randomized(seed int64, answerRate float64, min, max time.Duration) Script {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	between := func() time.Duration {
		if max <= min {
			return min
		}
		return min + time.Duration(rng.Int63n(int64(max-min)))
	}
	return func(string) Behavior {
		mu.Lock()
		defer mu.Unlock()
		b := Behavior{RingAfter: between(), HangupAfter: between()}
		roll := rng.Float64()
		switch {
		case roll < answerRate:
			b.Answer = true
			b.AnswerAfter = between()
			b.HangupCause = "NORMAL_CLEARING"
		case roll < answerRate+(1-answerRate)/3:
			b.HangupCause = "USER_BUSY"
		default:
			b.HangupCause = "NO_ANSWER"
		}
		return b
	}
}

type channel struct {
	id       string
	number   string
	vars     map[string]string
	state    string
	answered bool
	playing  *time.Timer
	timers   []*time.Timer
}

// Server implements telephony.Client.
type Server struct {
	mu        sync.Mutex
	script    Script
	channels  map[string]*channel
	modules   map[string]bool
	commands  []string
	originErr error
	listErr   error
	playback  time.Duration
	closed    bool
	now       func() time.Time
	bus       *telephony.Bus
	originate int
}

// Option customises the server.
type Option func(*Server)

// WithScript sets per-call behaviour. The default is Manual.
func WithScript(s Script) Option {
	return func(m *Server) { m.script = s }
}

// WithModules marks modules as loaded.
func WithModules(names ...string) Option {
	return func(m *Server) {
		for _, n := range names {
			m.modules[n] = true
		}
	}
}

// WithPlaybackLength sets how long a playback runs before it finishes.
func WithPlaybackLength(d time.Duration) Option {
	return func(m *Server) { m.playback = d }
}

// WithClock overrides the event timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Server) { m.now = now }
}

// NewServer creates an empty media server.
func NewServer(opts ...Option) *Server {
	m := &Server{
		script:   Manual,
		channels: make(map[string]*channel),
		modules:  make(map[string]bool),
		playback: 2 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		bus:      telephony.NewBus(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Server) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return telephony.ErrNotConnected
	}
	return nil
}

func (m *Server) Originate(ctx context.Context, id, number string, vars map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return "", err
	}
	m.commands = append(m.commands, "originate "+id+" "+number)
	if m.originErr != nil {
		return "", m.originErr
	}
	if _, exists := m.channels[id]; exists {
		return "", fmt.Errorf("%w: channel %s exists", telephony.ErrCommandFailed, id)
	}

	ch := &channel{id: id, number: number, vars: make(map[string]string, len(vars)), state: "CS_ROUTING"}
	for k, v := range vars {
		ch.vars[k] = v
	}
	m.channels[id] = ch
	m.originate++
	m.schedule(ch, m.script(number))
	return id, nil
}

// schedule arms the behaviour timers. Called with mu held.
func (m *Server) schedule(ch *channel, b Behavior) {
	if b.RingAfter <= 0 {
		return
	}
	id := ch.id
	at := b.RingAfter
	ch.timers = append(ch.timers, time.AfterFunc(at, func() { m.Ring(id) }))

	if !b.Answer {
		if b.HangupAfter > 0 {
			ch.timers = append(ch.timers, time.AfterFunc(at+b.HangupAfter, func() {
				m.HangupWith(id, b.HangupCause, b.AMDResult)
			}))
		}
		return
	}

	at += b.AnswerAfter
	ch.timers = append(ch.timers, time.AfterFunc(at, func() { m.Answer(id) }))
	step := b.SpeechStep
	if step <= 0 {
		step = 500 * time.Millisecond
	}
	for i, sp := range b.Speech {
		sp := sp
		ch.timers = append(ch.timers, time.AfterFunc(at+time.Duration(i+1)*step, func() { m.Speak(id, sp) }))
	}
	if b.HangupAfter > 0 {
		ch.timers = append(ch.timers, time.AfterFunc(at+b.HangupAfter, func() {
			m.HangupWith(id, b.HangupCause, b.AMDResult)
		}))
	}
}

func (m *Server) ListActiveChannels(context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	if m.listErr != nil {
		return nil, m.listErr
	}
	live := make(map[string]struct{}, len(m.channels))
	for id := range m.channels {
		live[id] = struct{}{}
	}
	return live, nil
}

func (m *Server) ChannelInfo(_ context.Context, id string) (*telephony.ChannelOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	ch, ok := m.channels[id]
	if !ok {
		return nil, nil
	}
	return &telephony.ChannelOutcome{ChannelID: id, State: ch.state, Answered: ch.answered, AMDResult: ch.vars["amd_result"]}, nil
}

func (m *Server) SendCommand(_ context.Context, raw string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return "", err
	}
	m.commands = append(m.commands, raw)
	return "+OK", nil
}

func (m *Server) SetVariable(_ context.Context, id, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, err := m.lookup(id)
	if err != nil {
		return err
	}
	ch.vars[name] = value
	return nil
}

func (m *Server) GetVariable(_ context.Context, id, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return ch.vars[name], nil
}

func (m *Server) Transfer(_ context.Context, id, destination string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.commands = append(m.commands, "transfer "+id+" "+destination)
	return nil
}

func (m *Server) StopPlayback(_ context.Context, id string) error {
	m.mu.Lock()
	ch, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commands = append(m.commands, "break "+id)
	stopped := ch.playing != nil && ch.playing.Stop()
	ch.playing = nil
	m.mu.Unlock()

	if stopped {
		m.emit(telephony.Event{Kind: telephony.EventPlaybackStopped, ChannelID: id})
	}
	return nil
}

func (m *Server) Hangup(_ context.Context, id, cause string) error {
	m.mu.Lock()
	_, err := m.lookup(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	m.HangupWith(id, cause, "")
	return nil
}

// Execute understands playback and hangup; other applications are recorded.
func (m *Server) Execute(_ context.Context, id, app, args string) error {
	m.mu.Lock()
	ch, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commands = append(m.commands, "execute "+id+" "+app+" "+args)

	switch app {
	case "playback":
		if ch.playing != nil {
			ch.playing.Stop()
		}
		ch.playing = time.AfterFunc(m.playback, func() {
			m.mu.Lock()
			if c, ok := m.channels[id]; ok {
				c.playing = nil
			}
			m.mu.Unlock()
			m.emit(telephony.Event{Kind: telephony.EventPlaybackStopped, ChannelID: id})
		})
		m.mu.Unlock()
		m.emit(telephony.Event{Kind: telephony.EventPlaybackStarted, ChannelID: id})
	case "hangup":
		m.mu.Unlock()
		m.HangupWith(id, firstNonEmpty(args, "NORMAL_CLEARING"), "")
	case "record_session":
		stereo := ch.vars["RECORD_STEREO"] == "true"
		m.mu.Unlock()
		return startRecording(args, stereo)
	default:
		m.mu.Unlock()
	}
	return nil
}

func (m *Server) ModuleLoaded(_ context.Context, module string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return false, err
	}
	return m.modules[module], nil
}

func (m *Server) Subscribe(id string) (<-chan telephony.Event, func()) {
	return m.bus.Subscribe(id)
}

// Close stops every pending timer and closes the subscriptions.
func (m *Server) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, ch := range m.channels {
		ch.stop()
	}
	m.mu.Unlock()
	m.bus.Close()
	return nil
}

// Ring moves a channel to early media.
func (m *Server) Ring(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		ch.state = "CS_CONSUME_MEDIA"
	}
	m.mu.Unlock()
	if ok {
		m.emit(telephony.Event{Kind: telephony.EventRinging, ChannelID: id})
	}
}

// Answer marks a channel answered.
func (m *Server) Answer(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		ch.state = "CS_EXECUTE"
		ch.answered = true
	}
	m.mu.Unlock()
	if ok {
		m.emit(telephony.Event{Kind: telephony.EventAnswered, ChannelID: id})
	}
}

// Speak emits a recognition result on the channel.
func (m *Server) Speak(id string, sp telephony.Speech) {
	m.mu.Lock()
	_, ok := m.channels[id]
	m.mu.Unlock()
	if ok {
		s := sp
		m.emit(telephony.Event{Kind: telephony.EventSpeech, ChannelID: id, Speech: &s})
	}
}

// HangupWith ends a channel with the given cause and AMD verdict.
func (m *Server) HangupWith(id, cause, amd string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		ch.stop()
		delete(m.channels, id)
	}
	m.mu.Unlock()
	if ok {
		m.emit(telephony.Event{Kind: telephony.EventHangup, ChannelID: id, HangupCause: cause, AMDResult: amd})
	}
}

// Drop removes a channel without emitting anything, as if the event was lost.
func (m *Server) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		ch.stop()
		delete(m.channels, id)
	}
}

// Emit publishes an arbitrary event.
func (m *Server) Emit(ev telephony.Event) {
	m.emit(ev)
}

// SetOriginateError makes every originate fail with err until reset with nil.
func (m *Server) SetOriginateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.originErr = err
}

// SetListError makes channel listing fail with err until reset with nil.
func (m *Server) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// LiveCount is the number of channels currently up.
func (m *Server) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Originated counts successful originates.
func (m *Server) Originated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.originate
}

// Live returns the sorted identifiers of live channels.
func (m *Server) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Variables returns a copy of a live channel's variables.
func (m *Server) Variables(id string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(ch.vars))
	for k, v := range ch.vars {
		out[k] = v
	}
	return out
}

// Commands returns every command received, in order.
func (m *Server) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// CommandsMatching filters Commands by prefix.
func (m *Server) CommandsMatching(prefix string) []string {
	var out []string
	for _, c := range m.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (m *Server) emit(ev telephony.Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.bus.Publish(ev)
}

// usable must be called with mu held.
func (m *Server) usable() error {
	if m.closed {
		return telephony.ErrNotConnected
	}
	return nil
}

// lookup must be called with mu held.
func (m *Server) lookup(id string) (*channel, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such channel %s", telephony.ErrCommandFailed, id)
	}
	return ch, nil
}

func (c *channel) stop() {
	for _, t := range c.timers {
		t.Stop()
	}
	if c.playing != nil {
		c.playing.Stop()
		c.playing = nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ telephony.Client = (*Server)(nil)

// startRecording leaves the file the way a recorder does mid-call: a
// 16-bit 8 kHz PCM header whose sizes are not yet filled in.
func startRecording(path string, stereo bool) error {
	chans := uint16(1)
	if stereo {
		chans = 2
	}
	const rate, depth = 8000, 16
	var hdr bytes.Buffer
	hdr.WriteString("RIFF")
	_ = binary.Write(&hdr, binary.LittleEndian, uint32(0))
	hdr.WriteString("WAVEfmt ")
	for _, v := range []any{
		uint32(16), uint16(1), chans, uint32(rate),
		rate * uint32(chans) * depth / 8, chans * depth / 8, uint16(depth),
	} {
		_ = binary.Write(&hdr, binary.LittleEndian, v)
	}
	hdr.WriteString("data")
	_ = binary.Write(&hdr, binary.LittleEndian, uint32(0))
	if err := os.WriteFile(path, hdr.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: record %s: %v", telephony.ErrCommandFailed, path, err)
	}
	return nil
}
