package foreground

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
	"github.com/danmuck/callkeep/internal/tools"
)

var errProvider = errors.New("provider unavailable")

type fakeFetcher struct {
	clock clock.Clock
	ttl   time.Duration

	mu    sync.Mutex
	calls int
	err   error
	// expired makes the fetcher hand out credentials already past expiry.
	expired bool
}

func (f *fakeFetcher) FetchCredential(_ context.Context, id liveness.SessionIdentity) (liveness.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return liveness.Credential{}, f.err
	}
	expires := f.clock.Now().Add(f.ttl)
	if f.expired {
		expires = f.clock.Now().Add(-time.Second)
	}
	return liveness.Credential{
		Token:     fmt.Sprintf("token-%d", f.calls),
		IssuedFor: id,
		ExpiresAt: expires,
	}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSession struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeTelephony struct {
	clock clock.Clock

	mu       sync.Mutex
	creds    []liveness.Credential
	sessions []*fakeSession
	failing  bool
	// expiredSeen counts connects handed an expired credential.
	expiredSeen int
	// gate blocks Connect until closed; entered is signalled on entry.
	gate    chan struct{}
	entered chan struct{}
	panics  bool
}

func (f *fakeTelephony) Connect(_ context.Context, cred liveness.Credential) (Session, error) {
	f.mu.Lock()
	f.creds = append(f.creds, cred)
	if !cred.Valid(f.clock.Now()) {
		f.expiredSeen++
	}
	gate, entered, failing, panics := f.gate, f.entered, f.failing, f.panics
	f.mu.Unlock()

	if panics {
		panic("sdk exploded")
	}
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if failing {
		return nil, errProvider
	}
	s := &fakeSession{}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeTelephony) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creds)
}

func (f *fakeTelephony) SetFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeTelephony) Session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

type fakeInhibitor struct {
	mu       sync.Mutex
	acquired int
	released int
	failing  bool
}

func (f *fakeInhibitor) Acquire(context.Context) (Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	if f.failing {
		return nil, ErrInhibitorRejected
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released++
	}, nil
}

func (f *fakeInhibitor) Counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

type fakeSurface struct {
	mu      sync.Mutex
	calls   []envelope.Call
	inboxed []int
	probe   func() int
}

func (f *fakeSurface) Present(_ context.Context, _ liveness.SessionIdentity, call envelope.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.probe != nil {
		f.inboxed = append(f.inboxed, f.probe())
	}
	return nil
}

type fakeProcess struct {
	done     chan struct{}
	stopOnce sync.Once
	stops    int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Stop() error {
	p.stops++
	p.stopOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

type fakeRunner struct {
	mu      sync.Mutex
	started [][]string
	procs   []*fakeProcess
	err     error
}

func (r *fakeRunner) Run(context.Context, string, ...string) (tools.Result, error) {
	return tools.Result{}, nil
}

func (r *fakeRunner) Start(_ context.Context, name string, args ...string) (tools.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.started = append(r.started, append([]string{name}, args...))
	p := newFakeProcess()
	r.procs = append(r.procs, p)
	return p, nil
}
