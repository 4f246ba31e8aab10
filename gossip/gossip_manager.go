package gossip

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/samber/lo"

	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/danthegoodman1/EventHerd/utils"
)

var logger = gologger.NewLogger()

type (
	// Manager advertises this host's owned partitions over memberlist and keeps
	// a view of what the rest of the fleet claims to own. Advisory only; leases
	// remain the single source of truth for ownership.
	Manager struct {
		HostName string

		broadcasts *memberlist.TransmitLimitedQueue
		MemberList *memberlist.Memberlist

		ownedPartitions func() []string

		// Partitions each remote host last advertised
		remoteOwners map[string][]string
		remoteMu     *sync.RWMutex

		broadcastTicker *time.Ticker
		closeChan       chan struct{}
	}
)

func NewGossipManager(hostName string, ownedPartitions func() []string) (gm *Manager, err error) {
	if utils.Env_AdvertiseAddr == "" {
		return nil, fmt.Errorf("ADVERTISE_ADDR is required for gossip")
	}
	if _, _, err := net.SplitHostPort(utils.Env_AdvertiseAddr); err != nil {
		return nil, fmt.Errorf("error splitting advertise address: %w", err)
	}

	gm = &Manager{
		HostName:        hostName,
		ownedPartitions: ownedPartitions,
		closeChan:       make(chan struct{}, 1),
		broadcastTicker: time.NewTicker(time.Millisecond * time.Duration(utils.Env_GossipBroadcastMS)),
		remoteOwners:    map[string][]string{},
		remoteMu:        &sync.RWMutex{},
	}

	var config *memberlist.Config
	if strings.Contains(utils.Env_AdvertiseAddr, "localhost") {
		config = memberlist.DefaultLocalConfig()
	} else {
		config = memberlist.DefaultLANConfig()
	}

	config.BindPort = int(utils.Env_GossipPort)
	config.Events = &eventDelegate{gm: gm}
	if !utils.Env_GossipDebug {
		config.Logger = nil
		config.LogOutput = VoidWriter{}
	}
	config.Delegate = &delegate{
		GossipManager: gm,
	}
	config.Name = hostName

	gm.MemberList, err = memberlist.Create(config)
	if err != nil {
		logger.Error().Err(err).Msg("Error creating memberlist")
		return nil, err
	}

	existingMembers := strings.Split(utils.Env_GossipPeers, ",")
	if len(existingMembers) > 0 && existingMembers[0] != "" {
		joinedHosts, err := gm.MemberList.Join(existingMembers)
		if err != nil {
			return nil, fmt.Errorf("error in MemberList.Join: %w", err)
		}
		logger.Info().Int("joinedHosts", joinedHosts).Msg("Successfully joined gossip cluster")
	} else {
		logger.Info().Msg("Starting new gossip cluster")
	}

	gm.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			return gm.MemberList.NumMembers()
		},
		RetransmitMult: 3,
	}

	node := gm.MemberList.LocalNode()
	logger.Info().Str("name", node.Name).Str("addr", node.Address()).Int("port", int(node.Port)).Msg("Node started")

	gm.broadcastAdvertiseMessage()
	go gm.startBroadcastLoop()

	return gm, nil
}

func (gm *Manager) broadcastAdvertiseMessage() {
	b, err := json.Marshal(GossipMessage{
		Host:       gm.HostName,
		Addr:       utils.Env_AdvertiseAddr,
		Partitions: gm.ownedPartitions(),
		MsgType:    AdvertiseMessage,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("error marshaling advertise message, exiting")
	}
	gm.broadcasts.QueueBroadcast(&broadcast{
		msg:    b,
		notify: nil,
	})
}

func (gm *Manager) startBroadcastLoop() {
	logger.Debug().Msg("starting broadcast loop")
	for {
		select {
		case <-gm.broadcastTicker.C:
			gm.broadcastAdvertiseMessage()
		case <-gm.closeChan:
			logger.Debug().Msg("broadcast ticker received on close channel, exiting")
			return
		}
	}
}

func (gm *Manager) handleAdvertise(msg GossipMessage) {
	if msg.Host == gm.HostName {
		return
	}
	gm.remoteMu.Lock()
	defer gm.remoteMu.Unlock()
	gm.remoteOwners[msg.Host] = msg.Partitions
}

func (gm *Manager) removeHost(host string) {
	logger.Debug().Msgf("removing advertised partitions for departed host %s", host)
	gm.remoteMu.Lock()
	defer gm.remoteMu.Unlock()
	delete(gm.remoteOwners, host)
}

// FleetView returns the last advertised partition set per host, including self.
func (gm *Manager) FleetView() map[string][]string {
	gm.remoteMu.RLock()
	defer gm.remoteMu.RUnlock()
	view := map[string][]string{
		gm.HostName: gm.ownedPartitions(),
	}
	for host, parts := range gm.remoteOwners {
		view[host] = lo.Map(parts, func(p string, _ int) string { return p })
	}
	return view
}

func (gm *Manager) Shutdown() error {
	gm.broadcastTicker.Stop()
	gm.closeChan <- struct{}{}
	err := gm.MemberList.Leave(time.Second * 10)
	if err != nil {
		return fmt.Errorf("error in MemberList.Leave: %w", err)
	}
	err = gm.MemberList.Shutdown()
	if err != nil {
		return fmt.Errorf("error in MemberList.Shutdown: %w", err)
	}
	return nil
}
