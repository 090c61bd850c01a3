// Package router fans events from all connection managers into per
// conversation strands: events from the same (platform, conversation) are
// dispatched in arrival order, different conversations run concurrently.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/store"
)

// strandBuffer bounds the per-conversation backlog before Publish drops.
const strandBuffer = 128

// MessageHandler consumes chat messages in conversation order.
type MessageHandler func(ctx context.Context, evt *message.MessageEvent)

// NoticeHandler consumes recall/join/leave/edit notices in conversation order.
type NoticeHandler func(ctx context.Context, evt *message.NoticeEvent)

// Router is the fan-in point between connection managers and forwarders.
type Router struct {
	log   zerolog.Logger
	store *store.Store

	mu       sync.Mutex
	strands  map[string]chan message.Event
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	handlers struct {
		msg      []MessageHandler
		notice   []NoticeHandler
		catchAll []func(message.Event)
	}
}

// New creates a stopped router. Handlers must be registered before Start.
func New(log zerolog.Logger, st *store.Store) *Router {
	return &Router{
		log:     log.With().Str("component", "router").Logger(),
		store:   st,
		strands: make(map[string]chan message.Event),
	}
}

// OnMessage subscribes to chat messages.
func (r *Router) OnMessage(f MessageHandler) {
	r.handlers.msg = append(r.handlers.msg, f)
}

// OnNotice subscribes to notices.
func (r *Router) OnNotice(f NoticeHandler) {
	r.handlers.notice = append(r.handlers.notice, f)
}

// OnAny subscribes to every event including unknowns, after the typed
// handlers.
func (r *Router) OnAny(f func(message.Event)) {
	r.handlers.catchAll = append(r.handlers.catchAll, f)
}

// Start arms the router.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
}

// Stop cancels all strands and waits for in-flight dispatches to finish.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.cancel()
	r.strands = make(map[string]chan message.Event)
	r.mu.Unlock()
	r.wg.Wait()
}

// Publish is the event callback handed to connection managers. Heartbeats
// are recorded and swallowed; unknown events are logged and dropped; the
// rest is queued onto the conversation's strand.
func (r *Router) Publish(evt message.Event) {
	switch e := evt.(type) {
	case *message.NoticeEvent:
		if e.Kind == message.NoticeHeartbeat {
			r.recordHeartbeat(e)
			return
		}
	case *message.UnknownEvent:
		r.log.Debug().
			Str("platform", string(e.Platform)).
			Str("raw", truncate(e.Raw, 200)).
			Msg("Dropping unclassified event")
		r.runCatchAll(evt)
		return
	}

	key := strandKey(evt)
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	ch, ok := r.strands[key]
	if !ok {
		ch = make(chan message.Event, strandBuffer)
		r.strands[key] = ch
		r.wg.Add(1)
		go r.runStrand(ch)
	}
	r.mu.Unlock()

	select {
	case ch <- evt:
	default:
		r.log.Warn().Str("strand", key).Msg("Strand backlog full, dropping event")
	}
}

func strandKey(evt message.Event) string {
	switch e := evt.(type) {
	case *message.MessageEvent:
		return string(e.Platform) + "/" + e.ConversationID
	case *message.NoticeEvent:
		return string(e.Platform) + "/" + e.ConversationID
	default:
		return string(evt.EventPlatform()) + "/"
	}
}

func (r *Router) runStrand(ch chan message.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case evt := <-ch:
			r.dispatch(evt)
		}
	}
}

func (r *Router) dispatch(evt message.Event) {
	switch e := evt.(type) {
	case *message.MessageEvent:
		for _, f := range r.handlers.msg {
			f(r.ctx, e)
		}
	case *message.NoticeEvent:
		for _, f := range r.handlers.notice {
			f(r.ctx, e)
		}
	}
	r.runCatchAll(evt)
}

func (r *Router) runCatchAll(evt message.Event) {
	for _, f := range r.handlers.catchAll {
		f(evt)
	}
}

func (r *Router) recordHeartbeat(e *message.NoticeEvent) {
	if r.store == nil {
		return
	}
	ctx := context.Background()
	if r.ctx != nil {
		ctx = r.ctx
	}
	if err := r.store.SaveHeartbeat(ctx, e.Platform, e.Timestamp, e.Raw); err != nil {
		r.log.Warn().Err(err).Str("platform", string(e.Platform)).Msg("Failed to record heartbeat")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
