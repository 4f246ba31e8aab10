package gossip

import "github.com/hashicorp/memberlist"

type MessageType string

const (
	AdvertiseMessage MessageType = "advertise"
)

type (
	// GossipMessage advertises which partitions a host currently pumps. Purely
	// observational: coordination decisions only ever come from the lease store.
	GossipMessage struct {
		Host       string      `json:"host"`
		Addr       string      `json:"addr"`
		Partitions []string    `json:"partitions"`
		MsgType    MessageType `json:"msgType"`
	}
)

type broadcast struct {
	msg    []byte
	notify chan<- struct{}
}

func (b *broadcast) Invalidates(_ memberlist.Broadcast) bool {
	return false
}

func (b *broadcast) Message() []byte {
	return b.msg
}

func (b *broadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}
