package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/dht"
	"github.com/bitcraps/bitcraps/pkg/mesh"
)

// persistInterval is how often the node checkpoints its DHT store and
// drains relay records to the append-only log.
const persistInterval = 5 * time.Minute

// startPersistence loads the DHT snapshot from dataDir and launches
// the checkpoint loop for it and the relay log.
func startPersistence(ctx context.Context, dataDir string, svc *mesh.Service, store *dht.Store, logger bclog.Logger) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	storePath := filepath.Join(dataDir, "dht-store.json")
	if err := store.LoadFrom(storePath); err != nil {
		logger.Warnw("dht snapshot load failed, starting empty", "path", storePath, "err", err)
	}
	relayLog, err := mesh.OpenRelayLog(filepath.Join(dataDir, "relay.log"))
	if err != nil {
		return err
	}

	checkpoint := func() {
		if recs := svc.Relay().Drain(); len(recs) > 0 {
			if err := relayLog.Append(recs); err != nil {
				logger.Warnw("relay log append failed", "err", err)
			}
		}
		if err := store.SaveTo(storePath); err != nil {
			logger.Warnw("dht snapshot save failed", "err", err)
		}
	}

	go func() {
		ticker := time.NewTicker(persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				checkpoint()
				relayLog.Close()
				return
			case <-ticker.C:
				checkpoint()
			}
		}
	}()
	return nil
}
