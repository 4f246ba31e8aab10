package gossip

import (
	"encoding/json"
)

type delegate struct {
	GossipManager *Manager
}

func (d *delegate) NodeMeta(limit int) []byte {
	return []byte{}
}

func (d *delegate) NotifyMsg(b []byte) {
	go handleDelegateMsg(d, b)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.GossipManager.broadcasts.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte {
	view := d.GossipManager.FleetView()
	b, _ := json.Marshal(view)
	return b
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 || !join {
		return
	}
	var view map[string][]string
	if err := json.Unmarshal(buf, &view); err != nil {
		return
	}
	for host, parts := range view {
		d.GossipManager.handleAdvertise(GossipMessage{
			Host:       host,
			Partitions: parts,
			MsgType:    AdvertiseMessage,
		})
	}
}

func handleDelegateMsg(d *delegate, b []byte) {
	if len(b) == 0 {
		return
	}
	var msg GossipMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		logger.Error().Err(err).Msg("failed to unmarshal gossip message")
		return
	}
	switch msg.MsgType {
	case AdvertiseMessage:
		d.GossipManager.handleAdvertise(msg)
	default:
		logger.Warn().Str("msgType", string(msg.MsgType)).Msg("unknown gossip message type")
	}
}
