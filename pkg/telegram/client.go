// Package telegram implements the platform B connection manager: a long-poll
// update loop plus synchronous bot API calls over HTTPS.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/meowcat-dev/qtbridge/pkg/httputil"
	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// ErrAPIFailed means the bot API answered with ok=false.
var ErrAPIFailed = errors.New("telegram: api call failed")

// Config is the per-connection configuration for platform B.
type Config struct {
	Host         string
	Token        string
	PollInterval time.Duration
	PollTimeout  time.Duration
	RPCTimeout   time.Duration
	// SendRate caps outbound API calls per second; the platform throttles
	// bots around 30 msg/s globally.
	SendRate float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Host == "" {
		out.Host = "api.telegram.org"
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = 10 * time.Second
	}
	if out.RPCTimeout <= 0 {
		out.RPCTimeout = 30 * time.Second
	}
	if out.SendRate <= 0 {
		out.SendRate = 20
	}
	return out
}

// Client is the Variant P connection manager. Echo ids are still generated
// for log symmetry with the duplex side, but correlation is trivial: one
// response per call.
type Client struct {
	log     zerolog.Logger
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	handler func(message.Event)

	echo      atomic.Uint64
	offset    atomic.Int64
	connected atomic.Bool

	heartbeatAt atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient builds a stopped client. httpClient carries the optional proxy
// configuration.
func NewClient(log zerolog.Logger, cfg Config, httpClient *http.Client) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		log:     log.With().Str("component", "telegram").Logger(),
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), 1),
	}
}

// SetEventHandler installs the parsed-event callback. Must be called before
// Connect.
func (c *Client) SetEventHandler(f func(message.Event)) {
	c.handler = f
}

// IsConnected reports whether the last poll cycle succeeded.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect starts the long-poll loop. Idempotent while running.
func (c *Client) Connect(ctx context.Context) {
	if c.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pollLoop(runCtx)
}

// Disconnect stops the poll loop.
func (c *Client) Disconnect() {
	if c.done == nil {
		return
	}
	c.cancel()
	<-c.done
	c.done = nil
	c.connected.Store(false)
}

func (c *Client) pollLoop(ctx context.Context) {
	defer close(c.done)
	c.log.Info().Str("host", c.cfg.Host).Msg("Starting update poll loop")
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.connected.Store(false)
			c.log.Warn().Err(err).Msg("Update poll failed")
		} else {
			c.connected.Store(true)
			c.maybeEmitHeartbeat()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()
	result, err := c.Call(pollCtx, "getUpdates", map[string]any{
		"offset": c.offset.Load(),
		"limit":  100,
	})
	if err != nil {
		return err
	}
	result.ForEach(func(_, update gjson.Result) bool {
		if id := update.Get("update_id").Int(); id >= c.offset.Load() {
			c.offset.Store(id + 1)
		}
		evt := ParseUpdate(update)
		if evt == nil {
			return true
		}
		if c.handler != nil {
			c.handler(evt)
		}
		return true
	})
	return nil
}

// maybeEmitHeartbeat reports liveness at most every 30 seconds so the store
// is not rewritten on every poll cycle.
func (c *Client) maybeEmitHeartbeat() {
	now := time.Now().Unix()
	last := c.heartbeatAt.Load()
	if now-last < 30 || !c.heartbeatAt.CompareAndSwap(last, now) {
		return
	}
	if c.handler != nil {
		c.handler(&message.NoticeEvent{
			Platform:  message.PlatformTelegram,
			Kind:      message.NoticeHeartbeat,
			Timestamp: time.Now(),
			Raw:       `{"poll":"ok"}`,
		})
	}
}

// Call issues one bot API method synchronously and returns the decoded
// result field. Every call passes the shared rate limiter first.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, err
	}
	echo := c.echo.Add(1)
	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.RPCTimeout)
		defer cancel()
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL(), c.cfg.Token, method)
	headers := map[string]string{"Authorization": "Bot " + c.cfg.Token}
	var body []byte
	var err error
	if len(params) == 0 {
		// Parameterless methods (getMe) go over plain GET.
		body, _, err = httputil.GetJSON(callCtx, c.http, url, headers)
	} else {
		body, _, err = httputil.PostJSON(callCtx, c.http, url, headers, params)
	}
	if err != nil {
		return gjson.Result{}, fmt.Errorf("calling %s: %w", method, err)
	}
	root := gjson.ParseBytes(body)
	if !root.Get("ok").Bool() {
		return gjson.Result{}, fmt.Errorf("%w: %s: %s (echo %d)",
			ErrAPIFailed, method, root.Get("description").String(), echo)
	}
	return root.Get("result"), nil
}

// baseURL allows a scheme-qualified Host override for self-hosted bot API
// servers and tests; a bare hostname gets the standard https scheme.
func (c *Client) baseURL() string {
	if strings.Contains(c.cfg.Host, "://") {
		return strings.TrimSuffix(c.cfg.Host, "/")
	}
	return "https://" + c.cfg.Host
}

// FileURL builds the download URL for a file_path returned by getFile.
func (c *Client) FileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL(), c.cfg.Token, filePath)
}
