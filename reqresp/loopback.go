package reqresp

import (
	"errors"
	"sync"
)

type (
	// LoopbackSession is an in-process wire for tests and local development: the
	// responder plays the remote end, answering each sent request with a
	// correlated reply, honoring receiver credit.
	LoopbackSession struct {
		// Responder builds the reply for a request. A nil return drops the
		// request (the reply never arrives).
		Responder func(req *Message) *Message

		mu       sync.Mutex
		sender   *loopbackSender
		receiver *loopbackReceiver
	}

	loopbackSender struct {
		session *LoopbackSession
		handler SenderHandler

		mu     sync.Mutex
		local  EndpointState
		remote EndpointState
	}

	loopbackReceiver struct {
		session *LoopbackSession
		handler ReceiverHandler

		mu      sync.Mutex
		local   EndpointState
		remote  EndpointState
		credit  int
		pending []*Message
	}
)

func NewLoopbackSession(responder func(req *Message) *Message) *LoopbackSession {
	return &LoopbackSession{Responder: responder}
}

func (s *LoopbackSession) Sender(linkName, address string, h SenderHandler) (SenderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = &loopbackSender{session: s, handler: h}
	return s.sender, nil
}

func (s *LoopbackSession) Receiver(linkName, address, replyTo string, h ReceiverHandler) (ReceiverLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = &loopbackReceiver{session: s, handler: h}
	return s.receiver, nil
}

// FailReceiveLink simulates the remote end dropping the receive link.
func (s *LoopbackSession) FailReceiveLink(err error) {
	s.mu.Lock()
	r := s.receiver
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	r.remote = EndpointClosed
	r.local = EndpointClosed
	h := r.handler
	r.mu.Unlock()
	h.OnClose(err)
}

func (l *loopbackSender) Open() {
	l.mu.Lock()
	l.local = EndpointActive
	l.remote = EndpointActive
	h := l.handler
	l.mu.Unlock()
	go h.OnOpenComplete(nil)
}

func (l *loopbackSender) Close() {
	l.mu.Lock()
	alreadyClosed := l.local == EndpointClosed
	l.local = EndpointClosed
	l.remote = EndpointClosed
	h := l.handler
	l.mu.Unlock()
	if !alreadyClosed {
		go h.OnClose(nil)
	}
}

func (l *loopbackSender) Send(msg *Message) error {
	l.mu.Lock()
	open := l.local == EndpointActive && l.remote == EndpointActive
	l.mu.Unlock()
	if !open {
		return errors.New("sender link is not open")
	}
	go l.session.respond(msg)
	return nil
}

func (l *loopbackSender) LocalState() EndpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

func (l *loopbackSender) RemoteState() EndpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (s *LoopbackSession) respond(req *Message) {
	if s.Responder == nil {
		return
	}
	resp := s.Responder(req)
	if resp == nil {
		return
	}
	resp.CorrelationID = req.ID

	s.mu.Lock()
	r := s.receiver
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.deliver(resp)
}

func (l *loopbackReceiver) deliver(msg *Message) {
	l.mu.Lock()
	if l.local != EndpointActive || l.remote != EndpointActive {
		l.mu.Unlock()
		return
	}
	if l.credit <= 0 {
		l.pending = append(l.pending, msg)
		l.mu.Unlock()
		return
	}
	l.credit--
	h := l.handler
	l.mu.Unlock()
	h.OnMessage(msg)
}

func (l *loopbackReceiver) Open() {
	l.mu.Lock()
	l.local = EndpointActive
	l.remote = EndpointActive
	h := l.handler
	l.mu.Unlock()
	go h.OnOpenComplete(nil)
}

func (l *loopbackReceiver) Close() {
	l.mu.Lock()
	alreadyClosed := l.local == EndpointClosed
	l.local = EndpointClosed
	l.remote = EndpointClosed
	h := l.handler
	l.mu.Unlock()
	if !alreadyClosed {
		go h.OnClose(nil)
	}
}

func (l *loopbackReceiver) Flow(credit int) {
	l.mu.Lock()
	l.credit += credit
	var ready []*Message
	for l.credit > 0 && len(l.pending) > 0 {
		l.credit--
		ready = append(ready, l.pending[0])
		l.pending = l.pending[1:]
	}
	h := l.handler
	l.mu.Unlock()
	for _, msg := range ready {
		h.OnMessage(msg)
	}
}

func (l *loopbackReceiver) LocalState() EndpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

func (l *loopbackReceiver) RemoteState() EndpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}
