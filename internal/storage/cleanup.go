package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
)

// CleanupManager periodically drops expired grants and code markers.
type CleanupManager struct {
	storage  Storage
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCleanupManager(storage Storage, interval time.Duration) *CleanupManager {
	return &CleanupManager{storage: storage, interval: interval}
}

// Start sweeps once immediately and then every interval until Stop or ctx
// is done. Calling Start on a running manager does nothing.
func (cm *CleanupManager) Start(ctx context.Context) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cancel != nil {
		return
	}

	log.LogInfoWithFields("cleanup", "Starting credential cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})
	ctx, cm.cancel = context.WithCancel(ctx)
	cm.done = make(chan struct{})
	go cm.run(ctx, cm.done)
}

// Stop ends the loop and waits for it to exit. It is safe to call before
// Start and more than once.
func (cm *CleanupManager) Stop() {
	cm.mu.Lock()
	cancel, done := cm.cancel, cm.done
	cm.cancel, cm.done = nil, nil
	cm.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.LogInfo("Credential cleanup manager stopped")
}

func (cm *CleanupManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			cm.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) sweep(ctx context.Context) {
	count, err := cm.storage.CleanupExpired(ctx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to clean up expired credentials", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if count > 0 {
		log.LogInfoWithFields("cleanup", "Removed expired credentials", map[string]any{
			"count": count,
		})
	}
}
