package gossip

import "github.com/hashicorp/memberlist"

type eventDelegate struct {
	gm *Manager
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	logger.Debug().Str("node", node.Name).Msg("node joined gossip cluster")
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.gm.removeHost(node.Name)
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
}
