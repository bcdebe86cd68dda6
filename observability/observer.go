package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type PushResult string

const (
	PushResultOK        PushResult = "ok"
	PushResultDuplicate PushResult = "duplicate"
	PushResultMismatch  PushResult = "total_chunks_mismatch"
	PushResultConflict  PushResult = "concurrency_conflict"
	PushResultInvalid   PushResult = "invalid"
	PushResultError     PushResult = "error"
)

type NextResult string

const (
	NextResultChunk   NextResult = "chunk"
	NextResultWaiting NextResult = "waiting"
	NextResultDone    NextResult = "done"
	NextResultExpired NextResult = "expired"
	NextResultError   NextResult = "error"
)

type PinResolveResult string

const (
	PinResolveResultOK       PinResolveResult = "ok"
	PinResolveResultNotFound PinResolveResult = "not_found"
	PinResolveResultExpired  PinResolveResult = "expired"
	PinResolveResultError    PinResolveResult = "error"
)

type EnvelopeOp string

const (
	EnvelopeOpOfferSet  EnvelopeOp = "offer_set"
	EnvelopeOpOfferGet  EnvelopeOp = "offer_get"
	EnvelopeOpAnswerSet EnvelopeOp = "answer_set"
	EnvelopeOpAnswerGet EnvelopeOp = "answer_get"
	EnvelopeOpDelete    EnvelopeOp = "delete"
)

type EnvelopeResult string

const (
	EnvelopeResultOK       EnvelopeResult = "ok"
	EnvelopeResultInvalid  EnvelopeResult = "invalid"
	EnvelopeResultConflict EnvelopeResult = "conflict"
	EnvelopeResultNotFound EnvelopeResult = "not_found"
	EnvelopeResultExpired  EnvelopeResult = "expired"
	EnvelopeResultError    EnvelopeResult = "error"
)

type RegisterResult string

const (
	RegisterResultOK      RegisterResult = "ok"
	RegisterResultInUse   RegisterResult = "in_use"
	RegisterResultInvalid RegisterResult = "invalid"
	RegisterResultError   RegisterResult = "error"
)

// RelayObserver receives relay-engine metric events.
type RelayObserver interface {
	Push(result PushResult, attempts int)
	Next(result NextResult)
	AckSet()
	AckStatus(acknowledged bool)
}

// HandshakeObserver receives envelope-session metric events.
type HandshakeObserver interface {
	SessionCreated(pinAttempts int)
	PinResolve(result PinResolveResult)
	Envelope(op EnvelopeOp, result EnvelopeResult)
}

// RendezvousObserver receives peer-discovery and signal-mailbox metric events.
type RendezvousObserver interface {
	Register(result RegisterResult)
	Lookup(found bool)
	Signal(queued bool)
	Poll(messages int)
}

// StoreObserver receives storage lifecycle metric events.
type StoreObserver interface {
	ExpiredOnRead()
	Sweep(scanned int, removed int)
}

// HTTPObserver receives one event per finished HTTP request.
type HTTPObserver interface {
	Request(route string, status int, elapsed time.Duration)
}

type noopRelayObserver struct{}

func (noopRelayObserver) Push(PushResult, int) {}
func (noopRelayObserver) Next(NextResult)      {}
func (noopRelayObserver) AckSet()              {}
func (noopRelayObserver) AckStatus(bool)       {}

type noopHandshakeObserver struct{}

func (noopHandshakeObserver) SessionCreated(int)                  {}
func (noopHandshakeObserver) PinResolve(PinResolveResult)         {}
func (noopHandshakeObserver) Envelope(EnvelopeOp, EnvelopeResult) {}

type noopRendezvousObserver struct{}

func (noopRendezvousObserver) Register(RegisterResult) {}
func (noopRendezvousObserver) Lookup(bool)             {}
func (noopRendezvousObserver) Signal(bool)             {}
func (noopRendezvousObserver) Poll(int)                {}

type noopStoreObserver struct{}

func (noopStoreObserver) ExpiredOnRead() {}
func (noopStoreObserver) Sweep(int, int) {}

type noopHTTPObserver struct{}

func (noopHTTPObserver) Request(string, int, time.Duration) {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// NoopHandshakeObserver is a zero-cost observer used when metrics are disabled.
var NoopHandshakeObserver HandshakeObserver = noopHandshakeObserver{}

// NoopRendezvousObserver is a zero-cost observer used when metrics are disabled.
var NoopRendezvousObserver RendezvousObserver = noopRendezvousObserver{}

// NoopStoreObserver is a zero-cost observer used when metrics are disabled.
var NoopStoreObserver StoreObserver = noopStoreObserver{}

// NoopHTTPObserver is a zero-cost observer used when metrics are disabled.
var NoopHTTPObserver HTTPObserver = noopHTTPObserver{}

// AtomicRelayObserver swaps its delegate at runtime.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) Push(result PushResult, attempts int) {
	a.load().Push(result, attempts)
}
func (a *AtomicRelayObserver) Next(result NextResult)      { a.load().Next(result) }
func (a *AtomicRelayObserver) AckSet()                     { a.load().AckSet() }
func (a *AtomicRelayObserver) AckStatus(acknowledged bool) { a.load().AckStatus(acknowledged) }

// AtomicHandshakeObserver swaps its delegate at runtime.
type AtomicHandshakeObserver struct {
	once sync.Once
	v    atomic.Value
}

type handshakeObserverHolder struct {
	obs HandshakeObserver
}

// NewAtomicHandshakeObserver returns an initialized atomic observer.
func NewAtomicHandshakeObserver() *AtomicHandshakeObserver {
	a := &AtomicHandshakeObserver{}
	a.once.Do(func() { a.v.Store(&handshakeObserverHolder{obs: NoopHandshakeObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicHandshakeObserver) Set(obs HandshakeObserver) {
	if obs == nil {
		obs = NoopHandshakeObserver
	}
	a.once.Do(func() { a.v.Store(&handshakeObserverHolder{obs: NoopHandshakeObserver}) })
	a.v.Store(&handshakeObserverHolder{obs: obs})
}

func (a *AtomicHandshakeObserver) load() HandshakeObserver {
	a.once.Do(func() { a.v.Store(&handshakeObserverHolder{obs: NoopHandshakeObserver}) })
	return a.v.Load().(*handshakeObserverHolder).obs
}

func (a *AtomicHandshakeObserver) SessionCreated(pinAttempts int) {
	a.load().SessionCreated(pinAttempts)
}
func (a *AtomicHandshakeObserver) PinResolve(result PinResolveResult) {
	a.load().PinResolve(result)
}
func (a *AtomicHandshakeObserver) Envelope(op EnvelopeOp, result EnvelopeResult) {
	a.load().Envelope(op, result)
}

// AtomicRendezvousObserver swaps its delegate at runtime.
type AtomicRendezvousObserver struct {
	once sync.Once
	v    atomic.Value
}

type rendezvousObserverHolder struct {
	obs RendezvousObserver
}

// NewAtomicRendezvousObserver returns an initialized atomic observer.
func NewAtomicRendezvousObserver() *AtomicRendezvousObserver {
	a := &AtomicRendezvousObserver{}
	a.once.Do(func() { a.v.Store(&rendezvousObserverHolder{obs: NoopRendezvousObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRendezvousObserver) Set(obs RendezvousObserver) {
	if obs == nil {
		obs = NoopRendezvousObserver
	}
	a.once.Do(func() { a.v.Store(&rendezvousObserverHolder{obs: NoopRendezvousObserver}) })
	a.v.Store(&rendezvousObserverHolder{obs: obs})
}

func (a *AtomicRendezvousObserver) load() RendezvousObserver {
	a.once.Do(func() { a.v.Store(&rendezvousObserverHolder{obs: NoopRendezvousObserver}) })
	return a.v.Load().(*rendezvousObserverHolder).obs
}

func (a *AtomicRendezvousObserver) Register(result RegisterResult) { a.load().Register(result) }
func (a *AtomicRendezvousObserver) Lookup(found bool)              { a.load().Lookup(found) }
func (a *AtomicRendezvousObserver) Signal(queued bool)             { a.load().Signal(queued) }
func (a *AtomicRendezvousObserver) Poll(messages int)              { a.load().Poll(messages) }

// AtomicStoreObserver swaps its delegate at runtime.
type AtomicStoreObserver struct {
	once sync.Once
	v    atomic.Value
}

type storeObserverHolder struct {
	obs StoreObserver
}

// NewAtomicStoreObserver returns an initialized atomic observer.
func NewAtomicStoreObserver() *AtomicStoreObserver {
	a := &AtomicStoreObserver{}
	a.once.Do(func() { a.v.Store(&storeObserverHolder{obs: NoopStoreObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicStoreObserver) Set(obs StoreObserver) {
	if obs == nil {
		obs = NoopStoreObserver
	}
	a.once.Do(func() { a.v.Store(&storeObserverHolder{obs: NoopStoreObserver}) })
	a.v.Store(&storeObserverHolder{obs: obs})
}

func (a *AtomicStoreObserver) load() StoreObserver {
	a.once.Do(func() { a.v.Store(&storeObserverHolder{obs: NoopStoreObserver}) })
	return a.v.Load().(*storeObserverHolder).obs
}

func (a *AtomicStoreObserver) ExpiredOnRead()             { a.load().ExpiredOnRead() }
func (a *AtomicStoreObserver) Sweep(scanned, removed int) { a.load().Sweep(scanned, removed) }

// AtomicHTTPObserver swaps its delegate at runtime.
type AtomicHTTPObserver struct {
	once sync.Once
	v    atomic.Value
}

type httpObserverHolder struct {
	obs HTTPObserver
}

// NewAtomicHTTPObserver returns an initialized atomic observer.
func NewAtomicHTTPObserver() *AtomicHTTPObserver {
	a := &AtomicHTTPObserver{}
	a.once.Do(func() { a.v.Store(&httpObserverHolder{obs: NoopHTTPObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicHTTPObserver) Set(obs HTTPObserver) {
	if obs == nil {
		obs = NoopHTTPObserver
	}
	a.once.Do(func() { a.v.Store(&httpObserverHolder{obs: NoopHTTPObserver}) })
	a.v.Store(&httpObserverHolder{obs: obs})
}

func (a *AtomicHTTPObserver) load() HTTPObserver {
	a.once.Do(func() { a.v.Store(&httpObserverHolder{obs: NoopHTTPObserver}) })
	return a.v.Load().(*httpObserverHolder).obs
}

func (a *AtomicHTTPObserver) Request(route string, status int, elapsed time.Duration) {
	a.load().Request(route, status, elapsed)
}
