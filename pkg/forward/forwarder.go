package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/retryq"
	"github.com/meowcat-dev/qtbridge/pkg/store"
)

// Sentinel prefixes mark bridge-emitted text so a message echoed back by its
// own platform is recognized and not forwarded again.
const (
	SentinelFromTelegram = "[Telegram] "
	SentinelFromQQ       = "[QQ] "
)

// Options tunes forwarder policy. Zero values pick the defaults.
type Options struct {
	UserRefreshInterval    time.Duration
	MaxSendAttempts        int
	EnableMiniAppParsing   bool
	ShowRawJSONOnParseFail bool
	MaxJSONDisplayLength   int
}

const (
	defaultUserRefreshInterval = 10 * time.Minute
	defaultMaxSendAttempts     = 5
	defaultMaxJSONDisplay      = 500
)

// Forwarder applies routing, loopback and dedup policy to events from both
// sides, translates content, and delivers it to the peer platform.
type Forwarder struct {
	log    zerolog.Logger
	store  *store.Store
	media  MediaProber
	routes Routes
	qq     QQPeer
	tg     TGPeer
	opts   Options
}

// New builds a forwarder over the given peers and route table.
func New(log zerolog.Logger, st *store.Store, prober MediaProber, routes Routes, qq QQPeer, tg TGPeer, opts Options) *Forwarder {
	if opts.UserRefreshInterval <= 0 {
		opts.UserRefreshInterval = defaultUserRefreshInterval
	}
	if opts.MaxSendAttempts <= 0 {
		opts.MaxSendAttempts = defaultMaxSendAttempts
	}
	if opts.MaxJSONDisplayLength <= 0 {
		opts.MaxJSONDisplayLength = defaultMaxJSONDisplay
	}
	return &Forwarder{
		log:    log.With().Str("component", "forwarder").Logger(),
		store:  st,
		media:  prober,
		routes: routes,
		qq:     qq,
		tg:     tg,
		opts:   opts,
	}
}

// HandleMessage is the router's message callback.
func (f *Forwarder) HandleMessage(ctx context.Context, evt *message.MessageEvent) {
	if f.handleCommand(ctx, evt) {
		return
	}
	switch evt.Platform {
	case message.PlatformQQ:
		f.forwardFromQQ(ctx, evt)
	case message.PlatformTelegram:
		f.forwardFromTelegram(ctx, evt)
	}
}

// HandleNotice is the router's notice callback.
func (f *Forwarder) HandleNotice(ctx context.Context, evt *message.NoticeEvent) {
	switch evt.Kind {
	case message.NoticeRecall:
		f.propagateRecall(ctx, evt.Platform, evt.ConversationID, evt.AffectedID)
	case message.NoticeEdit:
		f.propagateEdit(ctx, evt)
	default:
		f.log.Debug().
			Str("platform", string(evt.Platform)).
			Str("kind", string(evt.Kind)).
			Msg("Ignoring notice")
	}
}

func (f *Forwarder) forwardFromQQ(ctx context.Context, evt *message.MessageEvent) {
	route := f.routes.ByQQ(evt.ConversationID)
	if route == nil {
		f.log.Debug().Str("conversation", evt.ConversationID).Msg("No route for conversation, dropping")
		return
	}
	if strings.HasPrefix(plainOf(evt), SentinelFromTelegram) {
		f.log.Debug().Str("message_id", evt.MessageID).Msg("Loopback of own forward, dropping")
		return
	}
	if existing, err := f.store.FindCounterpart(ctx, message.PlatformQQ, evt.MessageID, message.PlatformTelegram); err != nil {
		f.log.Warn().Err(err).Msg("Dedup lookup failed")
	} else if existing != "" {
		f.log.Debug().Str("message_id", evt.MessageID).Msg("Already bridged, dropping")
		return
	}

	f.warmUserCache(ctx, evt)
	translated := f.translateQQ(ctx, evt)
	if !substantial(translated) {
		return
	}
	if route.ShowSenderQQToTG {
		display := f.displayName(ctx, evt.Platform, evt.UserID, evt.ConversationID)
		translated = prependHeader(translated, "["+display+"]\t")
	}

	tgtID, err := f.DeliverToTelegram(ctx, route.TGConversation(), translated)
	if err != nil {
		f.log.Warn().Err(err).Str("message_id", evt.MessageID).Msg("Telegram delivery failed, queueing retry")
		f.enqueueSendRetry(ctx, evt, route, translated)
		return
	}
	if tgtID == "" {
		return
	}
	f.recordMapping(ctx, evt.Platform, evt.MessageID, message.PlatformTelegram, tgtID)
}

func (f *Forwarder) forwardFromTelegram(ctx context.Context, evt *message.MessageEvent) {
	route := f.routes.ByTG(evt.ConversationID)
	if route == nil {
		f.log.Debug().Str("conversation", evt.ConversationID).Msg("No route for conversation, dropping")
		return
	}
	if strings.HasPrefix(plainOf(evt), SentinelFromQQ) {
		f.log.Debug().Str("message_id", evt.MessageID).Msg("Loopback of own forward, dropping")
		return
	}
	if existing, err := f.store.FindCounterpart(ctx, message.PlatformTelegram, evt.MessageID, message.PlatformQQ); err != nil {
		f.log.Warn().Err(err).Msg("Dedup lookup failed")
	} else if existing != "" {
		f.log.Debug().Str("message_id", evt.MessageID).Msg("Already bridged, dropping")
		return
	}

	f.warmUserCache(ctx, evt)
	translated := f.translateTG(ctx, evt)
	if !substantial(translated) {
		return
	}
	if route.ShowSenderTGToQQ {
		display := f.displayName(ctx, evt.Platform, evt.UserID, evt.ConversationID)
		translated = prependHeader(translated, SentinelFromTelegram+"["+display+"]\t")
	}

	tgtID, err := f.DeliverToQQ(ctx, route.QQConversation, qqKind(route), translated)
	if err != nil {
		f.log.Warn().Err(err).Str("message_id", evt.MessageID).Msg("QQ delivery failed, queueing retry")
		f.enqueueSendRetry(ctx, evt, route, translated)
		return
	}
	if tgtID == "" {
		return
	}
	f.recordMapping(ctx, evt.Platform, evt.MessageID, message.PlatformQQ, tgtID)
}

func (f *Forwarder) recordMapping(ctx context.Context, src message.Platform, srcID string, tgt message.Platform, tgtID string) {
	fresh, err := f.store.AddMapping(ctx, store.Mapping{
		SourcePlatform:  src,
		SourceMessageID: srcID,
		TargetPlatform:  tgt,
		TargetMessageID: tgtID,
	})
	if err != nil {
		f.log.Error().Err(err).Str("source_id", srcID).Str("target_id", tgtID).Msg("Failed to persist mapping")
		return
	}
	if !fresh {
		f.log.Debug().Str("source_id", srcID).Msg("Mapping already present")
	}
}

func (f *Forwarder) enqueueSendRetry(ctx context.Context, evt *message.MessageEvent, route *Route, translated message.Message) {
	payload, err := json.Marshal(translated)
	if err != nil {
		f.log.Error().Err(err).Msg("Cannot serialize retry payload")
		return
	}
	rec := store.SendRetry{
		SourcePlatform:       evt.Platform,
		SourceMessageID:      evt.MessageID,
		TargetPlatform:       evt.Platform.Peer(),
		Payload:              payload,
		SourceConversationID: evt.ConversationID,
		AttemptCount:         0,
		MaxAttempts:          f.opts.MaxSendAttempts,
		NextAttemptAt:        time.Now().Add(retryq.SendBase),
		LastFailureReason:    "initial delivery failed",
	}
	if evt.Platform == message.PlatformQQ {
		rec.ConversationID = route.TGChat
		rec.TargetTopicID = route.TGTopic
	} else {
		rec.ConversationID = route.QQConversation
	}
	if err := f.store.AddSendRetry(ctx, rec); err != nil {
		f.log.Error().Err(err).Str("message_id", evt.MessageID).Msg("Failed to enqueue send retry")
	}
}

// propagateRecall deletes the peer copy of a recalled message. The mapping and
// any pending retry are removed even when the peer-side deletion fails, so a
// stale mapping can never resurrect a recalled message.
func (f *Forwarder) propagateRecall(ctx context.Context, src message.Platform, conversationID, affectedID string) {
	peer := src.Peer()
	if err := f.store.DeleteSendRetry(ctx, src, affectedID, peer); err != nil {
		f.log.Warn().Err(err).Msg("Failed to drop pending retry on recall")
	}
	counterpart, err := f.store.FindCounterpart(ctx, src, affectedID, peer)
	if err != nil {
		f.log.Warn().Err(err).Str("message_id", affectedID).Msg("Counterpart lookup failed on recall")
	}
	if counterpart != "" {
		if err := f.deleteOnPeer(ctx, src, conversationID, counterpart); err != nil {
			f.log.Warn().Err(err).
				Str("counterpart", counterpart).
				Msg("Peer-side deletion failed, removing mapping anyway")
		}
	}
	f.dropMappingPair(ctx, src, affectedID, peer, counterpart)
}

// deleteOnPeer deletes a message on the platform opposite to src. conversationID
// addresses the src side; the route table resolves the peer address.
func (f *Forwarder) deleteOnPeer(ctx context.Context, src message.Platform, conversationID, peerMsgID string) error {
	if src == message.PlatformQQ {
		route := f.routes.ByQQ(conversationID)
		if route == nil {
			return fmt.Errorf("no route for conversation %s", conversationID)
		}
		return f.tg.DeleteMessage(ctx, route.TGConversation(), peerMsgID)
	}
	return f.qq.DeleteMessage(ctx, peerMsgID)
}

func (f *Forwarder) dropMappingPair(ctx context.Context, src message.Platform, srcID string, peer message.Platform, peerID string) {
	deleted, err := f.store.DeleteMapping(ctx, src, srcID, peer)
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to delete mapping")
	}
	if !deleted && peerID != "" {
		// The recalled message may itself be a forwarded copy.
		if _, err := f.store.DeleteMapping(ctx, peer, peerID, src); err != nil {
			f.log.Warn().Err(err).Msg("Failed to delete reverse mapping")
		}
	}
}

// propagateEdit models an edit as delete-and-resend: the old peer copy is
// removed together with its mapping, then the replacement content goes through
// the normal forward path and records a fresh mapping.
func (f *Forwarder) propagateEdit(ctx context.Context, evt *message.NoticeEvent) {
	peer := evt.Platform.Peer()
	counterpart, err := f.store.FindCounterpart(ctx, evt.Platform, evt.AffectedID, peer)
	if err != nil {
		f.log.Warn().Err(err).Str("message_id", evt.AffectedID).Msg("Counterpart lookup failed on edit")
	}
	if counterpart != "" {
		if err := f.deleteOnPeer(ctx, evt.Platform, evt.ConversationID, counterpart); err != nil {
			f.log.Warn().Err(err).Str("counterpart", counterpart).Msg("Failed to delete outdated copy")
		}
		f.dropMappingPair(ctx, evt.Platform, evt.AffectedID, peer, counterpart)
	}
	if evt.Edited != nil {
		f.HandleMessage(ctx, evt.Edited)
	}
}

// handleCommand intercepts bridge control commands. Returns true when the
// event was consumed.
func (f *Forwarder) handleCommand(ctx context.Context, evt *message.MessageEvent) bool {
	switch strings.TrimSpace(plainOf(evt)) {
	case "/checkalive":
		f.replySameSide(ctx, evt, f.aliveReport(ctx))
		return true
	case "/recall":
		if evt.ReplyTo == "" {
			return true
		}
		f.propagateRecall(ctx, evt.Platform, evt.ConversationID, evt.ReplyTo)
		return true
	}
	return false
}

// aliveReport renders the last-heartbeat ages of both connections.
func (f *Forwarder) aliveReport(ctx context.Context) string {
	var sb strings.Builder
	sb.WriteString("💓 Bridge status")
	for _, p := range []message.Platform{message.PlatformQQ, message.PlatformTelegram} {
		sb.WriteString("\n")
		sb.WriteString(string(p))
		sb.WriteString(": ")
		hb, err := f.store.GetHeartbeat(ctx, p)
		switch {
		case err != nil:
			sb.WriteString("unknown")
		case hb == nil:
			sb.WriteString("no heartbeat yet")
		default:
			sb.WriteString("last heartbeat " + time.Since(hb.LastHeartbeatAt).Round(time.Second).String() + " ago")
		}
	}
	return sb.String()
}

func (f *Forwarder) replySameSide(ctx context.Context, evt *message.MessageEvent, text string) {
	var err error
	if evt.Platform == message.PlatformQQ {
		_, err = f.qq.SendMessage(ctx, evt.ConversationID, evt.Kind, message.Message{message.Text(text)})
	} else {
		_, err = f.tg.SendText(ctx, evt.ConversationID, text, evt.MessageID)
	}
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to answer command")
	}
}

// warmUserCache persists display hints carried by the event itself, throttled
// by the refresh interval.
func (f *Forwarder) warmUserCache(ctx context.Context, evt *message.MessageEvent) {
	if evt.SenderNickname == "" && evt.SenderCard == "" && evt.SenderTitle == "" {
		return
	}
	if !f.store.ShouldRefreshUser(ctx, evt.Platform, evt.UserID, evt.ConversationID, f.opts.UserRefreshInterval) {
		return
	}
	err := f.store.SaveUser(ctx, store.UserInfo{
		Platform:       evt.Platform,
		UserID:         evt.UserID,
		ConversationID: evt.ConversationID,
		Nickname:       evt.SenderNickname,
		GroupCard:      evt.SenderCard,
		Title:          evt.SenderTitle,
	})
	if err != nil {
		f.log.Warn().Err(err).Str("user_id", evt.UserID).Msg("Failed to cache user info")
	}
}

// displayName resolves the sender's display name, refreshing the cache from
// the platform API when the record is stale. API failures degrade to whatever
// is cached.
func (f *Forwarder) displayName(ctx context.Context, platform message.Platform, userID, conversationID string) string {
	if f.store.ShouldRefreshUser(ctx, platform, userID, conversationID, f.opts.UserRefreshInterval) {
		var profile *PeerProfile
		var err error
		if platform == message.PlatformQQ {
			profile, err = f.qq.MemberProfile(ctx, conversationID, userID)
		} else {
			profile, err = f.tg.MemberProfile(ctx, conversationID, userID)
		}
		if err != nil {
			f.log.Debug().Err(err).Str("user_id", userID).Msg("Profile refresh failed, using cache")
		} else if profile != nil {
			err = f.store.SaveUser(ctx, store.UserInfo{
				Platform:       platform,
				UserID:         userID,
				ConversationID: conversationID,
				Nickname:       profile.Nickname,
				GroupCard:      profile.Card,
				Title:          profile.Title,
			})
			if err != nil {
				f.log.Warn().Err(err).Msg("Failed to save refreshed profile")
			}
		}
	}
	return f.store.GetDisplayName(ctx, platform, userID, conversationID)
}

// prependHeader inserts a header text segment in front of the content while
// keeping reply segments first, since the receiving platform expects the reply
// marker to lead.
func prependHeader(msg message.Message, header string) message.Message {
	out := make(message.Message, 0, len(msg)+1)
	i := 0
	for ; i < len(msg) && msg[i].Type == message.SegReply; i++ {
		out = append(out, msg[i])
	}
	out = append(out, message.Text(header))
	return append(out, msg[i:]...)
}

// substantial reports whether a translated message carries anything worth
// delivering. Bare reply markers and whitespace-only text do not, and must
// not earn a sender header either.
func substantial(msg message.Message) bool {
	for _, seg := range msg {
		switch seg.Type {
		case message.SegReply:
		case message.SegText:
			if strings.TrimSpace(seg.Get("text")) != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}

func plainOf(evt *message.MessageEvent) string {
	if text := evt.Segments.PlainText(); text != "" {
		return text
	}
	return evt.RawText
}

func qqKind(route *Route) message.ConversationKind {
	if route.QQKind == "" {
		return message.ConversationGroup
	}
	return route.QQKind
}
