package bus

import "errors"

// ErrClosed names the closed-bus condition. No Bus implementation in this
// package returns it: MemoryBus reports Publish and Subscribe after Close
// as ErrBusUnavailable.
var ErrClosed = errors.New("bus: closed")

// ErrInvalidSubject names a subject or pattern that fails NATS-style token
// validation (empty tokens, wildcard misuse). MemoryBus does not validate
// subjects, so neither of its methods returns it.
var ErrInvalidSubject = errors.New("bus: invalid subject")
