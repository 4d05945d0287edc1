package app

import (
	"fmt"

	"outreach/internal/conversation"
	"outreach/internal/notifier"
	"outreach/internal/queue"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

// stores is the storage of record for one process.
type stores struct {
	db      *storage.DB // nil for the memory driver
	queue   queue.Store
	threads conversation.Store
}

// dedup is the notifier's persistent dedup store, nil when in memory.
func (s stores) dedup() notifier.DedupStore {
	if s.db == nil {
		return nil
	}
	return s.db
}

func (s stores) close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openStores(cfg storage.Config, log logx.Logger) (stores, error) {
	db, err := storage.Open(cfg, log.Component("storage"))
	if err != nil {
		return stores{}, fmt.Errorf("open storage: %w", err)
	}
	if db == nil {
		log.Warn("storage driver is memory; queue and conversations are lost on restart")
		return stores{queue: queue.NewMemoryStore(), threads: conversation.NewMemoryStore()}, nil
	}
	log.Info("storage enabled", logx.String("driver", cfg.Driver), logx.String("path", cfg.Path))
	return stores{db: db, queue: queue.NewSQLiteStore(db), threads: conversation.NewSQLiteStore(db)}, nil
}
