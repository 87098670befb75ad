// Package testutil provides common test helpers and fake channel
// implementations for exercising sessions without external services.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/real-rm/voicebox/internal/channel"
)

// FakeVoice is an in-memory voice channel. Tests push events with Emit.
type FakeVoice struct {
	mu     sync.Mutex
	events chan channel.VoiceEvent
	closed bool

	// Error injection
	SendAudioErr error
	SendTextErr  error
	EnsureErr    error
	CloseErr     error

	// Synthesis is emitted as SynthesisDelta events for every SendText,
	// followed by SynthesisDone unless HoldSynthesis is set.
	Synthesis     []string
	HoldSynthesis bool

	// Tracking
	Audio       []string
	Texts       []string
	CloseCalls  atomic.Int32
	EnsureCalls atomic.Int32
}

// NewFakeVoice returns a voice channel with a buffered event stream.
func NewFakeVoice() *FakeVoice {
	return &FakeVoice{events: make(chan channel.VoiceEvent, 64)}
}

func (f *FakeVoice) SendAudio(ctx context.Context, base64PCM string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return channel.ErrClosed
	}
	if f.SendAudioErr != nil {
		return f.SendAudioErr
	}
	f.Audio = append(f.Audio, base64PCM)
	return nil
}

func (f *FakeVoice) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return channel.ErrClosed
	}
	if f.SendTextErr != nil {
		return f.SendTextErr
	}
	f.Texts = append(f.Texts, text)
	for _, audio := range f.Synthesis {
		f.events <- channel.VoiceEvent{Kind: channel.VoiceSynthesisDelta, Audio: audio}
	}
	if !f.HoldSynthesis {
		f.events <- channel.VoiceEvent{Kind: channel.VoiceSynthesisDone}
	}
	return nil
}

func (f *FakeVoice) Events() <-chan channel.VoiceEvent {
	return f.events
}

func (f *FakeVoice) EnsureConnected(ctx context.Context) error {
	f.EnsureCalls.Add(1)
	return f.EnsureErr
}

func (f *FakeVoice) Close() error {
	f.CloseCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return f.CloseErr
}

// Emit delivers an event to the listener. It is a no-op after Close.
func (f *FakeVoice) Emit(ev channel.VoiceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// SentTexts returns a copy of the texts passed to SendText.
func (f *FakeVoice) SentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Texts...)
}

// FakeAgent replays scripted events for each Send.
type FakeAgent struct {
	mu sync.Mutex

	// Script returns the events for one turn. When nil, the agent echoes the
	// input as a single delta followed by Done.
	Script func(text string) []channel.AgentEvent
	// Delay is slept before each event.
	Delay time.Duration
	// Gate, when set, is waited on before the first event of every turn.
	Gate chan struct{}

	SendErr  error
	CloseErr error

	Inputs     []string
	CloseCalls atomic.Int32
}

func (f *FakeAgent) Send(ctx context.Context, text string) (<-chan channel.AgentEvent, error) {
	f.mu.Lock()
	f.Inputs = append(f.Inputs, text)
	script := f.Script
	f.mu.Unlock()

	if f.SendErr != nil {
		return nil, f.SendErr
	}

	var events []channel.AgentEvent
	if script != nil {
		events = script(text)
	} else {
		events = []channel.AgentEvent{
			{Kind: channel.AgentDelta, Text: text},
			{Kind: channel.AgentDone},
		}
	}

	out := make(chan channel.AgentEvent, 1)
	go func() {
		defer close(out)
		if f.Gate != nil {
			select {
			case <-f.Gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range events {
			if f.Delay > 0 {
				select {
				case <-time.After(f.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *FakeAgent) Close() error {
	f.CloseCalls.Add(1)
	return f.CloseErr
}

// SentInputs returns a copy of the texts passed to Send.
func (f *FakeAgent) SentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Inputs...)
}

// Deltas builds a script that streams parts as deltas and then Done.
func Deltas(parts ...string) func(string) []channel.AgentEvent {
	return func(string) []channel.AgentEvent {
		events := make([]channel.AgentEvent, 0, len(parts)+1)
		for _, p := range parts {
			events = append(events, channel.AgentEvent{Kind: channel.AgentDelta, Text: p})
		}
		return append(events, channel.AgentEvent{Kind: channel.AgentDone})
	}
}

// FakeSynthesizer streams fixed chunks for every text.
type FakeSynthesizer struct {
	Chunks []string
	Delay  time.Duration
	Err    error

	mu    sync.Mutex
	Texts []string
}

func (f *FakeSynthesizer) Synthesize(ctx context.Context, text string) (<-chan channel.AudioChunk, error) {
	f.mu.Lock()
	f.Texts = append(f.Texts, text)
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	out := make(chan channel.AudioChunk)
	go func() {
		defer close(out)
		for _, c := range f.Chunks {
			if f.Delay > 0 {
				select {
				case <-time.After(f.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- channel.AudioChunk{Data: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FakeAvatar records calls and simulates speaking time.
type FakeAvatar struct {
	Answer     string
	ICEServers []channel.ICEServer
	ConnectErr error
	// ConnectGate, when set, holds Connect until it is closed.
	ConnectGate chan struct{}
	SpeakDelay  time.Duration
	StopErr    error
	// DisconnectDelay widens the window for overlapping callers.
	DisconnectDelay time.Duration

	connected atomic.Bool

	ConnectCalls    atomic.Int32
	SpeakCalls      atomic.Int32
	StopCalls       atomic.Int32
	DisconnectCalls atomic.Int32

	mu     sync.Mutex
	Spoken []string
}

func (f *FakeAvatar) Connect(ctx context.Context, offerSDP string) (string, []channel.ICEServer, error) {
	f.ConnectCalls.Add(1)
	if f.ConnectGate != nil {
		select {
		case <-f.ConnectGate:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	if f.ConnectErr != nil {
		return "", nil, f.ConnectErr
	}
	f.connected.Store(true)
	return f.Answer, f.ICEServers, nil
}

func (f *FakeAvatar) Speak(ctx context.Context, text string) error {
	f.SpeakCalls.Add(1)
	if !f.connected.Load() {
		return channel.ErrNotConnected
	}
	if f.SpeakDelay > 0 {
		select {
		case <-time.After(f.SpeakDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.Spoken = append(f.Spoken, text)
	f.mu.Unlock()
	return nil
}

func (f *FakeAvatar) Stop(ctx context.Context) error {
	f.StopCalls.Add(1)
	return f.StopErr
}

func (f *FakeAvatar) Disconnect(ctx context.Context) error {
	f.DisconnectCalls.Add(1)
	if f.DisconnectDelay > 0 {
		select {
		case <-time.After(f.DisconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.connected.Store(false)
	return nil
}

func (f *FakeAvatar) IsConnected() bool {
	return f.connected.Load()
}

// SpokenTexts returns a copy of what the avatar has spoken.
func (f *FakeAvatar) SpokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Spoken...)
}

// FakeFactory hands out fakes and remembers them.
type FakeFactory struct {
	mu sync.Mutex

	VoiceErr error
	AgentErr error
	// NewAgentFunc overrides the default FakeAgent.
	NewAgentFunc func() *FakeAgent
	// WithAvatar makes NewAvatar return a FakeAvatar.
	WithAvatar bool

	Voices  []*FakeVoice
	Agents  []*FakeAgent
	Avatars []*FakeAvatar
}

func (f *FakeFactory) NewVoice(ctx context.Context, owner string) (channel.Voice, error) {
	if f.VoiceErr != nil {
		return nil, f.VoiceErr
	}
	v := NewFakeVoice()
	f.mu.Lock()
	f.Voices = append(f.Voices, v)
	f.mu.Unlock()
	return v, nil
}

func (f *FakeFactory) NewAgent(ctx context.Context, owner string) (channel.Agent, error) {
	if f.AgentErr != nil {
		return nil, f.AgentErr
	}
	a := &FakeAgent{}
	if f.NewAgentFunc != nil {
		a = f.NewAgentFunc()
	}
	f.mu.Lock()
	f.Agents = append(f.Agents, a)
	f.mu.Unlock()
	return a, nil
}

func (f *FakeFactory) NewAvatar(owner string) channel.Avatar {
	if !f.WithAvatar {
		return nil
	}
	a := &FakeAvatar{Answer: "v=0 answer"}
	f.mu.Lock()
	f.Avatars = append(f.Avatars, a)
	f.mu.Unlock()
	return a
}

// VoiceAt returns the i-th voice channel handed out.
func (f *FakeFactory) VoiceAt(i int) *FakeVoice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Voices[i]
}

// AgentAt returns the i-th agent handed out.
func (f *FakeFactory) AgentAt(i int) *FakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Agents[i]
}
