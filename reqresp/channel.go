package reqresp

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/danthegoodman1/EventHerd/gologger"
)

var (
	logger = gologger.NewLogger()

	ErrChannelClosed = errors.New("request response channel is closed")
	ErrMessageHasID  = errors.New("message must not have an ID or ReplyTo set")
)

type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelOpened
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpened:
		return "opened"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

type (
	// Channel runs correlated request/reply over a sender/receiver link pair
	// sharing a session. All channel state, including the in-flight table, is
	// touched only from the single dispatcher goroutine, so none of it is locked.
	Channel struct {
		sendLink SenderLink
		recvLink ReceiverLink
		replyTo  string

		requestID atomic.Int64
		broken    atomic.Bool

		// dispatcher-owned state
		inflight       map[string]ResponseFunc
		openRefCount   int
		closeRefCount  int
		closeRequested bool
		onOpen         func(err error)
		onClose        func(err error)
		onGraceful     func(err error)
		firstOpenErr   error
		firstCloseErr  error

		dispatch chan func()
		done     chan struct{}
	}

	// ResponseFunc is invoked exactly once per request, with either the
	// correlated response or an error.
	ResponseFunc func(msg *Message, err error)

	senderEvents   struct{ c *Channel }
	receiverEvents struct{ c *Channel }
)

// NewChannel creates the link pair on the session. The channel is not usable
// until Open.
func NewChannel(session Session, linkName, address string) (*Channel, error) {
	c := &Channel{
		replyTo:       strings.ReplaceAll(address, "$", "") + "-client-reply-to",
		inflight:      map[string]ResponseFunc{},
		openRefCount:  2,
		closeRefCount: 2,
		dispatch:      make(chan func(), 1024),
		done:          make(chan struct{}),
	}

	sendLink, err := session.Sender(linkName+":sender", address, &senderEvents{c})
	if err != nil {
		return nil, fmt.Errorf("error creating sender link: %w", err)
	}
	recvLink, err := session.Receiver(linkName+":receiver", address, c.replyTo, &receiverEvents{c})
	if err != nil {
		return nil, fmt.Errorf("error creating receiver link: %w", err)
	}
	c.sendLink = sendLink
	c.recvLink = recvLink

	go c.runDispatcher()
	return c, nil
}

func (c *Channel) runDispatcher() {
	for {
		select {
		case fn := <-c.dispatch:
			fn()
		case <-c.done:
			// Drain anything enqueued before the channel terminally closed
			for {
				select {
				case fn := <-c.dispatch:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) invoke(fn func()) {
	select {
	case c.dispatch <- fn:
	case <-c.done:
		// Terminal: run inline, the dispatcher is gone and state is frozen
		fn()
	}
}

// Open opens both links. onOpen fires exactly once, after both links have
// reported open completion: with nil when both remote ends are Active,
// otherwise with the first error reported. onClose fires exactly once if both
// links later close involuntarily.
func (c *Channel) Open(onOpen, onClose func(err error)) {
	c.invoke(func() {
		c.onOpen = onOpen
		c.onClose = onClose
		c.sendLink.Open()
		c.recvLink.Open()
	})
}

// Close initiates a local close on both links. onGraceful fires once after both
// complete.
func (c *Channel) Close(onGraceful func(err error)) {
	c.invoke(func() {
		c.closeRequested = true
		c.onGraceful = onGraceful
		c.sendLink.Close()
		c.recvLink.Close()
	})
}

// Request ships a message and registers onResponse for its correlated reply.
// The channel assigns the request ID and reply address; the message must not
// carry its own.
func (c *Channel) Request(msg *Message, onResponse ResponseFunc) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if msg.ID != "" || msg.ReplyTo != "" {
		return ErrMessageHasID
	}
	if c.broken.Load() {
		return ErrChannelClosed
	}

	c.invoke(func() {
		if c.broken.Load() {
			onResponse(nil, ErrChannelClosed)
			return
		}
		id := fmt.Sprintf("request%d", c.requestID.Add(1))
		msg.ID = id
		msg.ReplyTo = c.replyTo
		c.inflight[id] = onResponse

		// One credit per outbound request bounds reply-side memory
		c.recvLink.Flow(1)
		if err := c.sendLink.Send(msg); err != nil {
			delete(c.inflight, id)
			onResponse(nil, fmt.Errorf("error sending request: %w", err))
		}
	})
	return nil
}

// State derives the channel state from the four link endpoints.
func (c *Channel) State() ChannelState {
	sendLocal, sendRemote := c.sendLink.LocalState(), c.sendLink.RemoteState()
	recvLocal, recvRemote := c.recvLink.LocalState(), c.recvLink.RemoteState()

	if sendLocal == EndpointUninitialized || sendRemote == EndpointUninitialized ||
		recvLocal == EndpointUninitialized || recvRemote == EndpointUninitialized {
		return ChannelOpening
	}
	if sendLocal == EndpointActive && sendRemote == EndpointActive &&
		recvLocal == EndpointActive && recvRemote == EndpointActive {
		return ChannelOpened
	}
	if sendRemote == EndpointClosed && recvRemote == EndpointClosed {
		return ChannelClosed
	}
	return ChannelClosing
}

// onLinkOpenComplete runs on the dispatcher for each link's open completion;
// only the decrement to zero fires the outer callback.
func (c *Channel) onLinkOpenComplete(err error) {
	if err != nil && c.firstOpenErr == nil {
		c.firstOpenErr = err
	}
	c.openRefCount--
	if c.openRefCount > 0 || c.onOpen == nil {
		return
	}
	if c.firstOpenErr == nil && c.sendLink.RemoteState() == EndpointActive && c.recvLink.RemoteState() == EndpointActive {
		c.onOpen(nil)
		return
	}
	err = c.firstOpenErr
	if err == nil {
		err = errors.New("links did not reach active state")
	}
	c.broken.Store(true)
	c.onOpen(err)
}

func (c *Channel) onLinkCloseComplete(err error) {
	if err != nil && c.firstCloseErr == nil {
		c.firstCloseErr = err
	}
	c.closeRefCount--
	if c.closeRefCount != 0 {
		return
	}
	c.broken.Store(true)
	c.failInflight(c.firstCloseErr)
	if c.closeRequested {
		if c.onGraceful != nil {
			c.onGraceful(c.firstCloseErr)
		}
	} else if c.onClose != nil {
		c.onClose(c.firstCloseErr)
	}
	close(c.done)
}

// failInflight resolves every pending request with the error; runs on the
// dispatcher.
func (c *Channel) failInflight(err error) {
	if len(c.inflight) == 0 {
		return
	}
	if err == nil {
		err = ErrChannelClosed
	}
	logger.Debug().Err(err).Msgf("failing %d in-flight requests", len(c.inflight))
	for id, onResponse := range c.inflight {
		delete(c.inflight, id)
		onResponse(nil, err)
	}
}

func (e *senderEvents) OnOpenComplete(err error) {
	e.c.invoke(func() { e.c.onLinkOpenComplete(err) })
}

func (e *senderEvents) OnClose(err error) {
	e.c.invoke(func() { e.c.onLinkCloseComplete(err) })
}

func (e *receiverEvents) OnOpenComplete(err error) {
	e.c.invoke(func() { e.c.onLinkOpenComplete(err) })
}

func (e *receiverEvents) OnMessage(msg *Message) {
	e.c.invoke(func() {
		onResponse, exists := e.c.inflight[msg.CorrelationID]
		if !exists {
			logger.Warn().Str("correlationId", msg.CorrelationID).Msg("response with no matching request, dropping")
			return
		}
		delete(e.c.inflight, msg.CorrelationID)
		onResponse(msg, nil)
	})
}

func (e *receiverEvents) OnClose(err error) {
	e.c.invoke(func() {
		if err != nil {
			// A broken receive link can never deliver replies, resolve
			// everything now even though the send link may still be up
			e.c.broken.Store(true)
			e.c.failInflight(err)
		}
		e.c.onLinkCloseComplete(err)
	})
}
