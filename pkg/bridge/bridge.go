// Package bridge assembles the full pipeline: store, both connection
// managers, the event router, the forwarder, the retry queue and the
// maintenance cron.
package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/meowcat-dev/qtbridge/pkg/bridgecfg"
	"github.com/meowcat-dev/qtbridge/pkg/forward"
	"github.com/meowcat-dev/qtbridge/pkg/httputil"
	"github.com/meowcat-dev/qtbridge/pkg/media"
	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/onebot"
	"github.com/meowcat-dev/qtbridge/pkg/retryq"
	"github.com/meowcat-dev/qtbridge/pkg/router"
	"github.com/meowcat-dev/qtbridge/pkg/store"
	"github.com/meowcat-dev/qtbridge/pkg/telegram"
)

// Bridge owns every long-running component of one bridge instance.
type Bridge struct {
	log zerolog.Logger
	cfg *bridgecfg.Config

	Store     *store.Store
	QQ        *onebot.Client
	TG        *telegram.Client
	Router    *router.Router
	Forwarder *forward.Forwarder
	Queue     *retryq.Queue

	engine *media.Engine
	cron   *cron.Cron
	ctx    context.Context
}

// New wires all components from a validated configuration. Nothing is started
// yet; call Start.
func New(ctx context.Context, log zerolog.Logger, cfg *bridgecfg.Config) (*Bridge, error) {
	st, err := store.New(ctx, cfg.Database.File, log)
	if err != nil {
		return nil, err
	}

	direct, err := httputil.NewClient(nil, false, 0)
	if err != nil {
		return nil, fmt.Errorf("building direct http client: %w", err)
	}
	proxied, err := httputil.NewClient(&cfg.Telegram.Proxy, cfg.Telegram.SkipTLSVerify, 0)
	if err != nil {
		return nil, fmt.Errorf("building proxied http client: %w", err)
	}

	qq := onebot.NewClient(log, onebot.Config{
		URL:            cfg.QQ.URL,
		AccessToken:    cfg.QQ.AccessToken,
		ReconnectDelay: time.Duration(cfg.QQ.ReconnectSeconds) * time.Second,
		RPCTimeout:     time.Duration(cfg.QQ.RPCSeconds) * time.Second,
	}, direct)
	tg := telegram.NewClient(log, telegram.Config{
		Host:         cfg.Telegram.Host,
		Token:        cfg.Telegram.Token,
		PollInterval: time.Duration(cfg.Telegram.PollIntervalSeconds) * time.Second,
		PollTimeout:  time.Duration(cfg.Telegram.PollTimeoutSeconds) * time.Second,
		RPCTimeout:   time.Duration(cfg.Telegram.RPCSeconds) * time.Second,
		SendRate:     float64(cfg.Telegram.SendRate),
	}, proxied)

	engine := media.NewEngine(log, direct, proxied)
	fwd := forward.New(log, st, &prober{e: engine}, cfg.Routes(),
		&qqPeer{c: qq}, &tgPeer{c: tg}, cfg.ForwardOptions())

	b := &Bridge{
		log:       log.With().Str("component", "bridge").Logger(),
		cfg:       cfg,
		Store:     st,
		QQ:        qq,
		TG:        tg,
		Forwarder: fwd,
		engine:    engine,
		cron:      cron.New(),
	}

	r := router.New(log, st)
	r.OnMessage(fwd.HandleMessage)
	r.OnNotice(fwd.HandleNotice)
	if cfg.Bridge.ArchiveMedia {
		r.OnAny(b.archiveEventMedia)
	}
	b.Router = r
	qq.SetEventHandler(r.Publish)
	tg.SetEventHandler(r.Publish)

	q := retryq.New(log, st, time.Duration(cfg.Bridge.RetryTickSeconds)*time.Second)
	q.RegisterSendCallback(message.PlatformQQ, fwd.RetrySender)
	q.RegisterSendCallback(message.PlatformTelegram, fwd.RetrySender)
	q.RegisterDownloadCallback(message.PlatformQQ, engine.Download)
	q.RegisterDownloadCallback(message.PlatformTelegram, engine.Download)
	b.Queue = q

	if _, err := b.cron.AddFunc(cfg.Bridge.MediaSweepSchedule, b.sweepMediaCache); err != nil {
		return nil, fmt.Errorf("invalid media_sweep_schedule: %w", err)
	}
	return b, nil
}

// Start brings up every component. The context bounds the whole lifetime;
// cancelling it stops the connections.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx
	b.Router.Start(ctx)
	b.QQ.Connect(ctx)
	b.TG.Connect(ctx)
	if *b.cfg.Bridge.EnableRetryQueue {
		b.Queue.Start()
	}
	b.cron.Start()

	// Best-effort identity check; the poll loop reports real liveness.
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if me, err := b.TG.GetMe(checkCtx); err != nil {
		b.log.Warn().Err(err).Msg("Telegram identity check failed")
	} else {
		b.log.Info().Str("bot", me.Get("username").String()).Msg("Telegram bot identified")
	}
	b.log.Info().Int("routes", len(b.cfg.Bridge.Routes)).Msg("Bridge started")
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (b *Bridge) Stop() {
	cronCtx := b.cron.Stop()
	<-cronCtx.Done()
	b.Queue.Stop()
	b.QQ.Disconnect()
	b.TG.Disconnect()
	b.Router.Stop()
	if err := b.Store.Close(); err != nil {
		b.log.Warn().Err(err).Msg("Failed to close store")
	}
	b.log.Info().Msg("Bridge stopped")
}

// sweepMediaCache drops fingerprint entries unused past the configured TTL.
func (b *Bridge) sweepMediaCache() {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cutoff := time.Now().AddDate(0, 0, -b.cfg.Bridge.MediaCacheTTLDays)
	removed, err := b.Store.SweepMediaFingerprints(ctx, cutoff)
	if err != nil {
		b.log.Warn().Err(err).Msg("Media cache sweep failed")
		return
	}
	if removed > 0 {
		b.log.Info().Int64("removed", removed).Msg("Swept stale media fingerprints")
	}
}

// archiveEventMedia keeps a local copy of forwarded media. Failures go to the
// durable download retry queue; the Telegram side may need the proxy, the QQ
// CDN is always fetched direct.
func (b *Bridge) archiveEventMedia(evt message.Event) {
	me, ok := evt.(*message.MessageEvent)
	if !ok {
		return
	}
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, seg := range me.Segments {
		url := seg.Get("url")
		if url == "" && strings.HasPrefix(seg.Get("file"), "http") {
			url = seg.Get("file")
		}
		if url == "" {
			continue
		}
		useProxy := me.Platform == message.PlatformTelegram && b.cfg.Telegram.Proxy.Configured()
		local := filepath.Join(b.cfg.Bridge.MediaDir, media.Fingerprint(url)+archiveExt(url))
		if _, err := b.engine.Download(ctx, url, local, useProxy); err != nil {
			b.log.Debug().Err(err).Str("url", url).Msg("Archive download failed, queueing retry")
			addErr := b.Store.AddDownloadRetry(ctx, store.DownloadRetry{
				Platform:          me.Platform,
				FileID:            url,
				Kind:              string(seg.Type),
				URL:               url,
				LocalPath:         local,
				UseProxy:          useProxy,
				MaxAttempts:       b.cfg.Bridge.MaxDownloadAttempts,
				NextAttemptAt:     time.Now().Add(retryq.DownloadBase),
				LastFailureReason: err.Error(),
			})
			if addErr != nil {
				b.log.Warn().Err(addErr).Msg("Failed to enqueue download retry")
			}
		}
	}
}

func archiveExt(url string) string {
	ext := filepath.Ext(url)
	if i := strings.IndexByte(ext, '?'); i >= 0 {
		ext = ext[:i]
	}
	if len(ext) > 5 {
		return ""
	}
	return ext
}
