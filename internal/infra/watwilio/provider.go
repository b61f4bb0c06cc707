// Package watwilio implements the WhatsApp-Business provider (spec §4.3): a
// stateless REST client over the Twilio Messaging API, with a polled
// inbound stream in place of a push socket, using the official
// github.com/twilio/twilio-go SDK for transport.
package watwilio

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twapi "github.com/twilio/twilio-go/rest/api/v2010"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
	"clawdis/internal/conf"
)

func init() {
	repo.Register(domain.ProviderWATwilio, func() repo.Provider { return &Provider{} })
}

// Config is the tuning the relay supervisor derives from CLI flags
// (spec §6, §4.3: "configurable interval", "configurable lookback window").
type Config struct {
	Env      conf.TwilioEnv
	Interval time.Duration
	Lookback time.Duration
}

const (
	defaultInterval = 15 * time.Second
	defaultLookback = 10 * time.Minute
)

// Provider implements repo.Provider over Twilio's Messaging REST API.
type Provider struct {
	cfg    Config
	client *twilio.RestClient

	mu          sync.Mutex
	handler     repo.MessageHandler
	lastSeen    time.Time
	stopCh      chan struct{}
	stoppedOnce sync.Once
	wg          sync.WaitGroup
}

func (p *Provider) Initialize(ctx context.Context, config interface{}) error {
	cfg, ok := config.(Config)
	if !ok {
		return domain.NewError(domain.KindConfig, fmt.Errorf("watwilio: expected watwilio.Config, got %T", config))
	}
	if issues := cfg.Env.Validate(); len(issues) > 0 {
		return domain.NewError(domain.KindConfig, fmt.Errorf("watwilio: %s", strings.Join(issues, "; ")))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	p.cfg = cfg

	params := twilio.ClientParams{AccountSid: cfg.Env.AccountSID}
	if cfg.Env.AuthToken != "" {
		params.Username = cfg.Env.AccountSID
		params.Password = cfg.Env.AuthToken
	} else {
		params.Username = cfg.Env.APIKey
		params.Password = cfg.Env.APISecret
	}
	p.client = twilio.NewRestClientWithParams(params)
	return nil
}

// IsConnected is a local boolean per spec §4.3: this is a stateless REST
// client, so "connected" means "initialised and polling".
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

func (p *Provider) Disconnect() error {
	return p.StopListening()
}

func (p *Provider) OnMessage(h repo.MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Provider) Kind() domain.ProviderKind { return domain.ProviderWATwilio }
func (p *Provider) Capabilities() domain.ProviderCapabilities {
	return domain.CapabilitiesFor(domain.ProviderWATwilio)
}

// IsAuthenticated reports credential validity, which is already checked at
// Initialize time; Login/Logout are no-ops for a static-credential backend.
func (p *Provider) IsAuthenticated() bool       { return p.client != nil }
func (p *Provider) Login(ctx context.Context) error  { return nil }
func (p *Provider) Logout(ctx context.Context) error { return nil }
func (p *Provider) GetSessionId() string             { return p.cfg.Env.AccountSID }

// StartListening drives the poll loop at cfg.Interval (spec §4.3).
func (p *Provider) StartListening(ctx context.Context) error {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return nil
	}
	p.stopCh = make(chan struct{})
	p.lastSeen = time.Now().Add(-p.cfg.Lookback)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pollLoop(ctx)
	return nil
}

func (p *Provider) StopListening() error {
	p.mu.Lock()
	stopCh := p.stopCh
	p.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	p.stoppedOnce.Do(func() { close(stopCh) })
	p.wg.Wait()
	p.mu.Lock()
	p.stopCh = nil
	p.mu.Unlock()
	return nil
}

func (p *Provider) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.mu.Lock()
	stopCh := p.stopCh
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				log.Printf("[watwilio] poll iteration failed: %v", err)
			}
		}
	}
}

// pollOnce implements spec §4.3's dedup+ordering rule: list messages since
// the last-seen timestamp, process strictly oldest-first, and advance
// lastSeen to the newest message's DateSent once the iteration completes.
func (p *Provider) pollOnce(ctx context.Context) error {
	p.mu.Lock()
	since := p.lastSeen
	handler := p.handler
	p.mu.Unlock()

	params := &twapi.ListMessageParams{}
	params.SetDateSentAfter(since)
	params.SetTo(p.cfg.Env.WhatsAppFrom)

	msgs, err := p.client.Api.ListMessage(params)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	type candidate struct {
		sid      string
		from     string
		body     string
		sentAt   time.Time
		numMedia int
		mediaURL []string
	}

	var fresh []candidate
	newest := since
	for _, m := range msgs {
		if m.Direction == nil || *m.Direction != "inbound" {
			continue
		}
		sentAt := parseTwilioTime(m.DateSent)
		if !sentAt.After(since) {
			continue
		}
		if sentAt.After(newest) {
			newest = sentAt
		}

		c := candidate{sentAt: sentAt}
		if m.Sid != nil {
			c.sid = *m.Sid
		}
		if m.From != nil {
			c.from = *m.From
		}
		if m.Body != nil {
			c.body = *m.Body
		}
		if m.NumMedia != nil {
			if n, err := strconv.Atoi(*m.NumMedia); err == nil {
				c.numMedia = n
			}
		}
		fresh = append(fresh, c)
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].sentAt.Before(fresh[j].sentAt) })

	p.mu.Lock()
	if newest.After(p.lastSeen) {
		p.lastSeen = newest
	}
	p.mu.Unlock()

	if handler == nil {
		return nil
	}

	for _, c := range fresh {
		sender, err := domain.Normalize(c.from, domain.ProviderWATwilio)
		if err != nil {
			log.Printf("[watwilio] dropping message with unparseable sender %q: %v", c.from, err)
			continue
		}

		var media []domain.MediaAttachment
		for i := 0; i < c.numMedia; i++ {
			media = append(media, domain.MediaAttachment{Kind: domain.MediaDocument, URL: fmt.Sprintf("%s/Media/%d", c.sid, i)})
		}

		handler(&domain.InboundMessage{
			ID:          c.sid,
			Sender:      sender,
			Body:        c.body,
			TimestampMs: c.sentAt.UnixMilli(),
			Media:       media,
			Provider:    domain.ProviderWATwilio,
		})
	}
	return nil
}

func parseTwilioTime(s *string) time.Time {
	if s == nil || *s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC1123Z, *s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, *s); err == nil {
		return t
	}
	return time.Time{}
}

// Send implements spec §4.3: explicit sender and messaging-service id are
// mutually exclusive; media is attached by URL only.
func (p *Provider) Send(ctx context.Context, to domain.Identifier, body string, opts domain.SendOptions) domain.SendResult {
	params := &twapi.CreateMessageParams{}
	params.SetTo("whatsapp:" + string(to))
	if p.cfg.Env.MessagingSID != "" {
		params.SetMessagingServiceSid(p.cfg.Env.MessagingSID)
	} else {
		params.SetFrom(p.cfg.Env.WhatsAppFrom)
	}
	if body != "" {
		params.SetBody(body)
	}

	var mediaURLs []string
	for _, m := range opts.Media {
		if m.URL != "" {
			mediaURLs = append(mediaURLs, m.URL)
		}
	}
	if len(mediaURLs) > 0 {
		params.SetMediaUrl(mediaURLs)
	}

	resp, err := p.client.Api.CreateMessage(params)
	if err != nil {
		return domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
	}

	result := domain.SendResult{Status: domain.SendSent}
	if mapStatus(stringOrEmpty(resp.Status)) == domain.StatusFailed {
		result.Status = domain.SendFailed
	}
	if resp.Sid != nil {
		result.MessageID = *resp.Sid
	}
	if result.Status == domain.SendFailed {
		result.Error = formatTwilioError(resp.ErrorCode, resp.ErrorMessage)
	}
	return result
}

func (p *Provider) SendTyping(ctx context.Context, to domain.Identifier) {
	// No typing-indicator capability over the Business REST API (spec §4.1
	// capability table: TypingIndicator is false for wa-twilio).
}

// GetDeliveryStatus maps Twilio's status strings into the normalised set
// (spec §4.3's exact table).
func (p *Provider) GetDeliveryStatus(ctx context.Context, id string) domain.DeliveryStatus {
	msg, err := p.client.Api.FetchMessage(id, &twapi.FetchMessageParams{})
	if err != nil {
		return domain.StatusUnknown
	}
	return mapStatus(stringOrEmpty(msg.Status))
}

func mapStatus(status string) domain.DeliveryStatus {
	switch strings.ToLower(status) {
	case "sent", "sending", "queued":
		return domain.StatusSent
	case "delivered":
		return domain.StatusDelivered
	case "read":
		return domain.StatusRead
	case "failed", "undelivered", "canceled":
		return domain.StatusFailed
	default:
		return domain.StatusUnknown
	}
}

func formatTwilioError(code *int, msg *string) string {
	c := ""
	if code != nil {
		c = strconv.Itoa(*code)
	}
	m := ""
	if msg != nil {
		m = *msg
	}
	if c == "" && m == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", c, m)
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
