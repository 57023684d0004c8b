// Package mock provides test doubles for the tts package interfaces.
//
// Stream implements the full listener contract with real accounting, so
// engine tests can assert that every registration is paired with a removal.
// EmitFrame, EmitComplete and EmitError play back scripted upstream events.
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the ConnectConfig passed to Connect.
	Cfg tts.ConnectConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by Connect. If nil, Connect returns a fresh Stream.
	Stream tts.Stream

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, if non-empty, is consumed one error per call before
	// falling back to ConnectErr. A nil entry means success.
	ConnectErrs []error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the scripted result.
func (p *Provider) Connect(ctx context.Context, cfg tts.ConnectConfig) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Name returns "mock".
func (p *Provider) Name() string { return "mock" }

// CallCount returns the number of Connect calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Stream is a mock implementation of tts.Stream with real listener
// accounting.
type Stream struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// PingErr, if non-nil, is returned by every Ping call.
	PingErr error

	// SendCalls records every Input passed to Send.
	SendCalls []tts.Input

	// PingCallCount is the number of Ping calls.
	PingCallCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int

	// OnSend, if non-nil, is invoked synchronously inside Send after the
	// call is recorded. Tests use it to emit frames in reaction to inputs.
	OnSend func(in tts.Input)

	nextID     tts.ListenerID
	frameLs    map[tts.ListenerID]func(tts.Frame)
	completeLs map[tts.ListenerID]func(string)
	errorLs    map[tts.ListenerID]func(error)
}

// NewStream returns an empty mock stream.
func NewStream() *Stream {
	return &Stream{
		frameLs:    map[tts.ListenerID]func(tts.Frame){},
		completeLs: map[tts.ListenerID]func(string){},
		errorLs:    map[tts.ListenerID]func(error){},
	}
}

// Send records the call and returns SendErr.
func (s *Stream) Send(ctx context.Context, in tts.Input) error {
	s.mu.Lock()
	s.SendCalls = append(s.SendCalls, in)
	onSend := s.OnSend
	err := s.SendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		onSend(in)
	}
	return nil
}

// OnFrame registers a frame listener.
func (s *Stream) OnFrame(fn func(tts.Frame)) tts.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.frameLs[s.nextID] = fn
	return s.nextID
}

// OnComplete registers a completion listener.
func (s *Stream) OnComplete(fn func(string)) tts.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.completeLs[s.nextID] = fn
	return s.nextID
}

// OnError registers an error listener.
func (s *Stream) OnError(fn func(error)) tts.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.errorLs[s.nextID] = fn
	return s.nextID
}

// Off removes a listener of any kind.
func (s *Stream) Off(id tts.ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frameLs, id)
	delete(s.completeLs, id)
	delete(s.errorLs, id)
}

// ListenerCount returns the total number of registered listeners.
func (s *Stream) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frameLs) + len(s.completeLs) + len(s.errorLs)
}

// Ping records the call and returns PingErr.
func (s *Stream) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingCallCount++
	return s.PingErr
}

// Close records the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// EmitFrame invokes all frame listeners.
func (s *Stream) EmitFrame(f tts.Frame) {
	s.mu.Lock()
	fns := make([]func(tts.Frame), 0, len(s.frameLs))
	for _, fn := range s.frameLs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

// EmitComplete invokes all completion listeners.
func (s *Stream) EmitComplete(utteranceID string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.completeLs))
	for _, fn := range s.completeLs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(utteranceID)
	}
}

// EmitError invokes all error listeners.
func (s *Stream) EmitError(err error) {
	s.mu.Lock()
	fns := make([]func(error), 0, len(s.errorLs))
	for _, fn := range s.errorLs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// SendCallCount returns the number of Send calls. Thread-safe.
func (s *Stream) SendCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendCalls)
}

// Inputs returns a copy of all recorded Send inputs. Thread-safe.
func (s *Stream) Inputs() []tts.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tts.Input, len(s.SendCalls))
	copy(out, s.SendCalls)
	return out
}

// PingCount returns the number of Ping calls. Thread-safe.
func (s *Stream) PingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingCallCount
}

// Ensure Stream implements tts.Stream at compile time.
var _ tts.Stream = (*Stream)(nil)
