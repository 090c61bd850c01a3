// Package retryq drives the durable retry queue: pending sends and pending
// downloads are persisted in the store and replayed with exponential backoff
// by a single worker loop.
package retryq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/store"
)

const (
	// DefaultTick is the worker's polling interval.
	DefaultTick = 10 * time.Second
	// SendBase and DownloadBase are the backoff bases per record kind.
	SendBase     = 2 * time.Second
	DownloadBase = 5 * time.Second
	// MaxBackoff caps the exponential schedule.
	MaxBackoff = 300 * time.Second

	sendBatch     = 50
	downloadBatch = 30
)

// SendFunc delivers a pending send to its target platform and returns the
// resulting target message id.
type SendFunc func(ctx context.Context, r *store.SendRetry, msg message.Message) (string, error)

// DownloadFunc retries a media download and returns the local path.
type DownloadFunc func(ctx context.Context, url, localPath string, useProxy bool) (string, error)

// Queue is the retry worker. Callbacks are registered per platform before
// Start; the in-memory view is rebuilt from the store on every tick, so no
// cross-task queue state exists.
type Queue struct {
	log   zerolog.Logger
	store *store.Store
	tick  time.Duration

	mu        sync.RWMutex
	senders   map[message.Platform]SendFunc
	downloads map[message.Platform]DownloadFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped queue.
func New(log zerolog.Logger, st *store.Store, tick time.Duration) *Queue {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Queue{
		log:       log.With().Str("component", "retryq").Logger(),
		store:     st,
		tick:      tick,
		senders:   make(map[message.Platform]SendFunc),
		downloads: make(map[message.Platform]DownloadFunc),
	}
}

// RegisterSendCallback installs the delivery function for sends targeting
// the given platform.
func (q *Queue) RegisterSendCallback(target message.Platform, f SendFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.senders[target] = f
}

// RegisterDownloadCallback installs the download function for the platform
// whose media is being fetched.
func (q *Queue) RegisterDownloadCallback(platform message.Platform, f DownloadFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.downloads[platform] = f
}

// Backoff computes the delay before attempt n (1-based, counted after the
// failure being scheduled): min(2^(n-1) × base, 300 s). The first failure of
// a send therefore waits 2 s, the second 4 s, and so on.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Start launches the worker loop. Idempotent while running.
func (q *Queue) Start() {
	if q.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx)
	q.log.Info().Dur("tick", q.tick).Msg("Retry queue started")
}

// Stop cancels the worker and waits for the loop to exit. In-flight callback
// invocations finish and their outcomes are honored.
func (q *Queue) Stop() {
	if q.done == nil {
		return
	}
	q.cancel()
	<-q.done
	q.done = nil
	q.log.Info().Msg("Retry queue stopped")
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	timer := time.NewTimer(q.tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := q.ProcessOnce(ctx); err != nil {
			q.log.Error().Err(err).Msg("Retry tick failed")
			timer.Reset(5 * time.Second)
			continue
		}
		timer.Reset(q.tick)
	}
}

// ProcessOnce runs a single tick: fetch due records and replay them. Errors
// from individual records are handled per-record; only a store-level fetch
// failure is returned.
func (q *Queue) ProcessOnce(ctx context.Context) error {
	now := time.Now()
	sends, err := q.store.DueSendRetries(ctx, now, sendBatch)
	if err != nil {
		return err
	}
	for _, r := range sends {
		q.processSend(ctx, r)
	}
	downloads, err := q.store.DueDownloadRetries(ctx, now, downloadBatch)
	if err != nil {
		return err
	}
	for _, r := range downloads {
		q.processDownload(ctx, r)
	}
	return nil
}

func (q *Queue) processSend(ctx context.Context, r *store.SendRetry) {
	log := q.log.With().
		Str("source_platform", string(r.SourcePlatform)).
		Str("source_message_id", r.SourceMessageID).
		Str("target_platform", string(r.TargetPlatform)).
		Int("attempt", r.AttemptCount).
		Logger()

	q.mu.RLock()
	send := q.senders[r.TargetPlatform]
	q.mu.RUnlock()
	if send == nil {
		log.Warn().Msg("No send callback registered, dropping retry record")
		_ = q.store.DeleteSendRetry(ctx, r.SourcePlatform, r.SourceMessageID, r.TargetPlatform)
		return
	}

	var msg message.Message
	if err := json.Unmarshal(r.Payload, &msg); err != nil {
		log.Error().Err(err).Msg("Corrupt retry payload, dropping record")
		_ = q.store.DeleteSendRetry(ctx, r.SourcePlatform, r.SourceMessageID, r.TargetPlatform)
		return
	}

	targetID, err := send(ctx, r, msg)
	if err == nil {
		if _, mapErr := q.store.AddMapping(ctx, store.Mapping{
			SourcePlatform:  r.SourcePlatform,
			SourceMessageID: r.SourceMessageID,
			TargetPlatform:  r.TargetPlatform,
			TargetMessageID: targetID,
		}); mapErr != nil {
			log.Error().Err(mapErr).Msg("Retried send succeeded but mapping insert failed")
		}
		_ = q.store.DeleteSendRetry(ctx, r.SourcePlatform, r.SourceMessageID, r.TargetPlatform)
		log.Info().Str("target_message_id", targetID).Msg("Retried send succeeded")
		return
	}

	r.AttemptCount++
	r.LastFailureReason = err.Error()
	if r.AttemptCount >= r.MaxAttempts {
		log.Warn().Err(err).Msg("Send retries exhausted, dropping record")
		_ = q.store.DeleteSendRetry(ctx, r.SourcePlatform, r.SourceMessageID, r.TargetPlatform)
		// A partial forward must not leave an orphaned mapping behind.
		_, _ = q.store.DeleteMapping(ctx, r.SourcePlatform, r.SourceMessageID, r.TargetPlatform)
		return
	}
	r.NextAttemptAt = time.Now().Add(Backoff(SendBase, r.AttemptCount))
	if err := q.store.UpdateSendRetry(ctx, r); err != nil {
		log.Error().Err(err).Msg("Failed to reschedule send retry")
		return
	}
	log.Debug().Err(err).Time("next_attempt", r.NextAttemptAt).Msg("Send retry rescheduled")
}

func (q *Queue) processDownload(ctx context.Context, r *store.DownloadRetry) {
	log := q.log.With().
		Str("platform", string(r.Platform)).
		Str("file_id", r.FileID).
		Int("attempt", r.AttemptCount).
		Logger()

	q.mu.RLock()
	download := q.downloads[r.Platform]
	q.mu.RUnlock()
	if download == nil {
		log.Warn().Msg("No download callback registered, dropping retry record")
		_ = q.store.DeleteDownloadRetry(ctx, r.Platform, r.FileID)
		return
	}

	if _, err := download(ctx, r.URL, r.LocalPath, r.UseProxy); err == nil {
		_ = q.store.DeleteDownloadRetry(ctx, r.Platform, r.FileID)
		log.Info().Str("path", r.LocalPath).Msg("Retried download succeeded")
		return
	} else {
		r.AttemptCount++
		r.LastFailureReason = err.Error()
	}

	if r.AttemptCount >= r.MaxAttempts {
		if r.UseProxy {
			// Exhausted through the proxy: one extra attempt direct.
			r.UseProxy = false
			r.MaxAttempts++
			r.NextAttemptAt = time.Now().Add(Backoff(DownloadBase, r.AttemptCount))
			if err := q.store.UpdateDownloadRetry(ctx, r); err != nil {
				log.Error().Err(err).Msg("Failed to flip download retry to direct")
				return
			}
			log.Warn().Msg("Proxy download exhausted, retrying once direct")
			return
		}
		log.Warn().Msg("Download retries exhausted, dropping record")
		_ = q.store.DeleteDownloadRetry(ctx, r.Platform, r.FileID)
		return
	}
	r.NextAttemptAt = time.Now().Add(Backoff(DownloadBase, r.AttemptCount))
	if err := q.store.UpdateDownloadRetry(ctx, r); err != nil {
		log.Error().Err(err).Msg("Failed to reschedule download retry")
		return
	}
	log.Debug().Time("next_attempt", r.NextAttemptAt).Msg("Download retry rescheduled")
}
