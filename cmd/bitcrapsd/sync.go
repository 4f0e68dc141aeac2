package main

import (
	"context"
	"math/big"
	"time"

	crand "crypto/rand"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/session"
	"github.com/bitcraps/bitcraps/pkg/syncstate"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

// syncOpportunisticInterval is how often the node picks a peer to
// reconcile game state with.
const syncOpportunisticInterval = time.Minute

// syncProvider adapts session.Manager to the syncer's view of local
// game state.
type syncProvider struct {
	mgr *session.Manager
}

func (p *syncProvider) GameIDs() []types.GameId { return p.mgr.ActiveGameIDs() }

func (p *syncProvider) GameBytes(id types.GameId) ([]byte, types.Hash256, bool) {
	return p.mgr.GameStateBytes(id)
}

func (p *syncProvider) ApplyRepair(id types.GameId, data []byte, hash types.Hash256) error {
	return p.mgr.RepairGameState(id, data, hash)
}

// startSyncer wires a syncstate.Syncer over the mesh: inbound
// TypeStateSync packets feed HandleMessage, outbound envelopes ride
// unicast packets, and a background loop initiates opportunistic
// sessions and sweeps expired ones.
func startSyncer(ctx context.Context, self types.PeerId, svc *mesh.Service, mgr *session.Manager, onIntegrityFault func(types.PeerId), logger bclog.Logger) *syncstate.Syncer {
	send := func(peer types.PeerId, data []byte) error {
		pkt := wire.New(wire.TypeStateSync, wire.MaxTTL, 0)
		pkt.SetSender(self)
		pkt.SetReceiver(peer)
		pkt.SetTimestamp(uint64(time.Now().UnixNano()))
		pkt.SetPayload(data)
		svc.Originate(ctx, pkt)
		return nil
	}
	syncer := syncstate.NewSyncer(self, &syncProvider{mgr: mgr}, send, logger)
	if onIntegrityFault != nil {
		syncer.SetIntegrityFaultHook(onIntegrityFault)
	}

	svc.RegisterHandler(wire.TypeStateSync, func(pkt *wire.Packet) {
		sender, ok := pkt.Sender()
		if !ok {
			return
		}
		payload, ok := pkt.Payload()
		if !ok {
			return
		}
		if err := syncer.HandleMessage(sender, payload); err != nil {
			logger.Debugw("sync message rejected", "peer", sender.String(), "err", err)
		}
	})

	go func() {
		ticker := time.NewTicker(syncOpportunisticInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				syncer.SweepExpired(now)
				peers := svc.KnownPeers()
				if len(peers) == 0 {
					continue
				}
				idx, err := crand.Int(crand.Reader, big.NewInt(int64(len(peers))))
				if err != nil {
					continue
				}
				peer := peers[idx.Int64()]
				if _, err := syncer.Initiate(peer); err != nil {
					logger.Debugw("sync initiate failed", "peer", peer.String(), "err", err)
				}
			}
		}
	}()
	return syncer
}
