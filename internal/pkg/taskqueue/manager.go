package taskqueue

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/verifair/kycgate/internal/pkg/env"
)

// EventSweeper re-enqueues webhook events whose next retry attempt is due
// and fails events stranded mid-processing by a lost job.
type EventSweeper interface {
	SweepDueRetries(limit int) (int, error)
	SweepStuckEvents(olderThan time.Duration, limit int) (int, error)
}

// EventCleaner removes old webhook events past their retention window.
type EventCleaner interface {
	CleanupOldEvents(olderThan time.Duration, keepFailed bool) (int64, error)
}

// Manager manages the job queue and background maintenance tasks
type Manager struct {
	queue         *Queue
	sweeper       EventSweeper
	cleaner       EventCleaner
	retryTicker   *time.Ticker
	stuckTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager creates a queue manager wired to the webhook maintenance hooks.
func NewManager(queue *Queue, sweeper EventSweeper, cleaner EventCleaner) *Manager {
	return &Manager{
		queue:   queue,
		sweeper: sweeper,
		cleaner: cleaner,
		stopCh:  make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[TaskQueue Manager] Starting job queue and background tasks")

	// Start the job queue
	m.queue.Start()

	// Retry sweep - configurable interval, defaults to 2 minutes
	retryInterval := envMinutes("WEBHOOK_RETRY_SWEEP_INTERVAL", 2)
	m.retryTicker = time.NewTicker(retryInterval)
	m.wg.Add(1)
	go m.retryWorker(retryInterval)

	// Stuck-event watchdog - recovers events whose job was lost
	stuckInterval := envMinutes("WEBHOOK_STUCK_SWEEP_INTERVAL", 5)
	m.stuckTicker = time.NewTicker(stuckInterval)
	m.wg.Add(1)
	go m.stuckWorker(stuckInterval)

	// Retention cleanup - runs daily
	m.cleanupTicker = time.NewTicker(24 * time.Hour)
	m.wg.Add(1)
	go m.cleanupWorker()

	log.Info("[TaskQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[TaskQueue Manager] Stopping job queue and background tasks...")

	if m.retryTicker != nil {
		m.retryTicker.Stop()
	}
	if m.stuckTicker != nil {
		m.stuckTicker.Stop()
	}
	if m.cleanupTicker != nil {
		m.cleanupTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	// Stop the job queue
	m.queue.Stop()

	log.Info("[TaskQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// retryWorker runs periodically to re-enqueue webhook events due for retry
func (m *Manager) retryWorker(interval time.Duration) {
	defer m.wg.Done()
	log.Infof("[TaskQueue Manager] Started retry worker (interval: %s)", interval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[TaskQueue Manager] Retry worker stopping")
			return
		case <-m.retryTicker.C:
			log.Debug("[TaskQueue Manager] Running retry sweep for failed webhook events")
			count, err := m.sweeper.SweepDueRetries(retrySweepBatchSize())
			if err != nil {
				log.Errorf("[TaskQueue Manager] Error sweeping due retries: %v", err)
				continue
			}
			if count > 0 {
				log.Infof("[TaskQueue Manager] Re-enqueued %d webhook events for retry", count)
			}
		}
	}
}

// stuckWorker fails webhook events stranded in pending or processing so the
// retry sweep can reschedule them
func (m *Manager) stuckWorker(interval time.Duration) {
	defer m.wg.Done()
	threshold := envMinutes("WEBHOOK_STUCK_THRESHOLD", 30)
	log.Infof("[TaskQueue Manager] Started stuck-event worker (interval: %s, threshold: %s)", interval, threshold)

	for {
		select {
		case <-m.stopCh:
			log.Info("[TaskQueue Manager] Stuck-event worker stopping")
			return
		case <-m.stuckTicker.C:
			count, err := m.sweeper.SweepStuckEvents(threshold, retrySweepBatchSize())
			if err != nil {
				log.Errorf("[TaskQueue Manager] Error sweeping stuck events: %v", err)
				continue
			}
			if count > 0 {
				log.Warnf("[TaskQueue Manager] Failed %d stuck webhook events for retry", count)
			}
		}
	}
}

// cleanupWorker runs daily to delete webhook events past retention
func (m *Manager) cleanupWorker() {
	defer m.wg.Done()
	retentionDays := envInt("WEBHOOK_RETENTION_DAYS", 90)
	log.Infof("[TaskQueue Manager] Started cleanup worker (retention: %d days)", retentionDays)

	for {
		select {
		case <-m.stopCh:
			log.Info("[TaskQueue Manager] Cleanup worker stopping")
			return
		case <-m.cleanupTicker.C:
			deleted, err := m.cleaner.CleanupOldEvents(time.Duration(retentionDays)*24*time.Hour, true)
			if err != nil {
				log.Errorf("[TaskQueue Manager] Error cleaning up old webhook events: %v", err)
				continue
			}
			if deleted > 0 {
				log.Infof("[TaskQueue Manager] Deleted %d old webhook events", deleted)
			}
		}
	}
}

func retrySweepBatchSize() int {
	return envInt("WEBHOOK_RETRY_SWEEP_BATCH", 100)
}

func envInt(key string, fallback int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func envMinutes(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Minute
}
