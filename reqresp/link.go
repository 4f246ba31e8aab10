package reqresp

type EndpointState int

const (
	EndpointUninitialized EndpointState = iota
	EndpointActive
	EndpointClosed
)

func (s EndpointState) String() string {
	switch s {
	case EndpointUninitialized:
		return "uninitialized"
	case EndpointActive:
		return "active"
	case EndpointClosed:
		return "closed"
	}
	return "unknown"
}

type (
	// Message is the unit carried over a link pair. The channel owns ID and
	// ReplyTo on requests; responses correlate via CorrelationID.
	Message struct {
		ID            string
		CorrelationID string
		ReplyTo       string
		Application   map[string]string
		Body          []byte
	}

	// SenderLink is one unidirectional outbound wire link. Open and Close are
	// asynchronous; completion lands on the handler the link was created with.
	SenderLink interface {
		Open()
		Close()
		Send(msg *Message) error
		LocalState() EndpointState
		RemoteState() EndpointState
	}

	// ReceiverLink is one unidirectional inbound wire link. Flow grants the
	// remote credit for that many more messages.
	ReceiverLink interface {
		Open()
		Close()
		Flow(credit int)
		LocalState() EndpointState
		RemoteState() EndpointState
	}

	// SenderHandler receives sender link lifecycle events. Calls may come from
	// any wire goroutine; the channel serializes them onto its dispatcher.
	SenderHandler interface {
		OnOpenComplete(err error)
		OnClose(err error)
	}

	// ReceiverHandler additionally receives inbound messages.
	ReceiverHandler interface {
		OnOpenComplete(err error)
		OnMessage(msg *Message)
		OnClose(err error)
	}

	// Session creates paired links sharing one wire session.
	Session interface {
		Sender(linkName, address string, h SenderHandler) (SenderLink, error)
		Receiver(linkName, address, replyTo string, h ReceiverHandler) (ReceiverLink, error)
	}
)
