// Package waweb implements the WhatsApp-Web provider (§4.2): a persistent,
// authenticated client-protocol socket with QR pairing and an
// exponential-backoff reconnect loop, backed by the pure-Go
// modernc.org/sqlite driver for the whatsmeow device store.
package waweb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	wm "go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
	"clawdis/internal/conf"
)

func init() {
	repo.Register(domain.ProviderWAWeb, func() repo.Provider { return &Provider{} })
}

// Provider implements repo.Provider over a whatsmeow socket.
type Provider struct {
	cfg    conf.WAWebConfig
	client *wm.Client

	limiterSend *rate.Limiter

	mu       sync.Mutex
	handler  repo.MessageHandler
	handleID uint32

	listenCtx    context.Context
	listenCancel context.CancelFunc
	listenWG     sync.WaitGroup

	fatalMu sync.Mutex
	onFatal func(error)

	lidMapMu      sync.Mutex
	lidMapPath    string
	lidMapModTime time.Time
	lidMap        map[string]string
}

// OnFatal registers a callback invoked once the reconnect loop exhausts its
// attempt budget (spec §8 scenario 5: "fatal to supervisor; other providers
// keep running"). Not part of repo.Provider; the relay supervisor type-
// asserts to reach it, since no other provider kind needs a fatal hook.
func (p *Provider) OnFatal(f func(error)) {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	p.onFatal = f
}

func (p *Provider) Initialize(ctx context.Context, config interface{}) error {
	cfg, ok := config.(conf.WAWebConfig)
	if !ok {
		return domain.NewError(domain.KindConfig, fmt.Errorf("waweb: expected conf.WAWebConfig, got %T", config))
	}
	p.cfg = cfg
	p.limiterSend = rate.NewLimiter(rate.Every(50*time.Millisecond), 5)

	if err := os.MkdirAll(cfg.CredentialsDir, 0o755); err != nil {
		return domain.NewError(domain.KindConfig, fmt.Errorf("waweb: credentials dir: %w", err))
	}

	dbLog := waLog.Stdout("waweb/db", "ERROR", false)
	dbPath := filepath.Join(cfg.CredentialsDir, "store.db")
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", dbLog)
	if err != nil {
		return domain.NewError(domain.KindTransport, fmt.Errorf("waweb: open device store: %w", err))
	}

	device, err := container.GetFirstDevice(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		device = container.NewDevice()
	} else if err != nil {
		return domain.NewError(domain.KindTransport, fmt.Errorf("waweb: load device: %w", err))
	}

	clientLog := waLog.Stdout("waweb/client", "ERROR", false)
	p.client = wm.NewClient(device, clientLog)
	return nil
}

func (p *Provider) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

func (p *Provider) IsAuthenticated() bool {
	return p.client != nil && p.client.Store.ID != nil
}

func (p *Provider) GetSessionId() string {
	if p.client == nil || p.client.Store.ID == nil {
		return ""
	}
	return p.client.Store.ID.String()
}

// Login drives the interactive QR-pairing flow (spec §4.2: "Pairing emits a
// QR code on an external channel... re-emit periodically until scanned").
// An already-paired device connects directly without a QR prompt.
func (p *Provider) Login(ctx context.Context) error {
	if p.client.Store.ID != nil {
		return p.connect(ctx)
	}

	qrChan, err := p.client.GetQRChannel(ctx)
	if err != nil {
		return domain.NewError(domain.KindAuth, fmt.Errorf("waweb: qr channel: %w", err))
	}
	if err := p.client.Connect(); err != nil {
		return domain.NewError(domain.KindTransport, fmt.Errorf("waweb: connect: %w", err))
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
		case "success":
			return nil
		case "timeout", "err-client-outdated":
			return domain.NewError(domain.KindAuth, fmt.Errorf("waweb: pairing failed: %s", evt.Event))
		}
	}
	return domain.NewError(domain.KindAuth, errors.New("waweb: qr channel closed before pairing completed"))
}

func (p *Provider) connect(ctx context.Context) error {
	if p.client.IsConnected() {
		return nil
	}
	if err := p.client.Connect(); err != nil {
		return domain.NewError(domain.KindTransport, fmt.Errorf("waweb: connect: %w", err))
	}
	return nil
}

func (p *Provider) Logout(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Logout(ctx); err != nil {
		return domain.NewError(domain.KindAuth, fmt.Errorf("waweb: logout: %w", err))
	}
	return nil
}

func (p *Provider) Disconnect() error {
	p.StopListening()
	if p.client != nil {
		p.client.Disconnect()
	}
	return nil
}

func (p *Provider) OnMessage(h repo.MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Provider) Kind() domain.ProviderKind                 { return domain.ProviderWAWeb }
func (p *Provider) Capabilities() domain.ProviderCapabilities { return domain.CapabilitiesFor(domain.ProviderWAWeb) }

// StartListening registers the event handler and connects, then runs the
// reconnect supervisor for the lifetime of ctx (spec §4.2 state machine:
// Live → Reconnecting → (Live | Disconnected)).
func (p *Provider) StartListening(ctx context.Context) error {
	p.mu.Lock()
	p.handleID = p.client.AddEventHandler(p.dispatch)
	p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return err
	}

	p.listenCtx, p.listenCancel = context.WithCancel(ctx)
	p.listenWG.Add(1)
	go p.superviseConnection()
	return nil
}

func (p *Provider) StopListening() error {
	if p.listenCancel != nil {
		p.listenCancel()
		p.listenWG.Wait()
	}
	p.mu.Lock()
	if p.handleID != 0 && p.client != nil {
		p.client.RemoveEventHandler(p.handleID)
		p.handleID = 0
	}
	p.mu.Unlock()
	return nil
}

// superviseConnection watches for disconnects and reconnects with
// exponential backoff per spec §8 scenario 5, surfacing a fatal error once
// the attempt budget is exhausted.
func (p *Provider) superviseConnection() {
	defer p.listenWG.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-p.listenCtx.Done():
			return
		case <-ticker.C:
			if p.client.IsConnected() {
				attempt = 0
				continue
			}
			if !p.client.IsLoggedIn() && p.client.Store.ID != nil {
				// A backend-signalled logout is non-recoverable; suppress
				// reconnect (spec §4.2).
				return
			}

			attempt++
			if attempt > p.cfg.Reconnect.MaxAttempts {
				err := domain.NewError(domain.KindTransport, fmt.Errorf("waweb: reconnect exhausted after %d attempts", p.cfg.Reconnect.MaxAttempts))
				log.Printf("[waweb] %v", err)
				p.fatalMu.Lock()
				cb := p.onFatal
				p.fatalMu.Unlock()
				if cb != nil {
					cb(err)
				}
				return
			}

			delay := backoffDelay(p.cfg.Reconnect, attempt)
			select {
			case <-time.After(delay):
			case <-p.listenCtx.Done():
				return
			}

			if err := p.client.Connect(); err != nil {
				log.Printf("[waweb] reconnect attempt %d failed: %v", attempt, err)
			}
		}
	}
}

// backoffDelay implements {initialMs, maxMs, factor, jitter, maxAttempts}:
// delay = min(initialMs * factor^(attempt-1), maxMs) ± jitter.
func backoffDelay(p conf.ReconnectPolicy, attempt int) time.Duration {
	raw := float64(p.InitialMs) * math.Pow(p.Factor, float64(attempt-1))
	if raw > float64(p.MaxMs) {
		raw = float64(p.MaxMs)
	}
	if p.JitterMs > 0 {
		raw += float64(rand.Intn(2*p.JitterMs+1) - p.JitterMs)
		if raw < 0 {
			raw = 0
		}
	}
	return time.Duration(raw) * time.Millisecond
}

func (p *Provider) dispatch(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok || msg.Info.IsFromMe {
		return
	}

	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}

	inbound, err := p.toInboundMessage(msg)
	if err != nil {
		log.Printf("[waweb] dropping inbound message %s: %v", msg.Info.ID, err)
		return
	}
	h(inbound)
}

func (p *Provider) toInboundMessage(evt *events.Message) (*domain.InboundMessage, error) {
	sender, err := p.resolveSenderE164(evt.Info.Sender)
	if err != nil {
		return nil, err
	}

	isGroup := evt.Info.Chat.Server == types.GroupServer
	receiver := domain.Identifier(evt.Info.Chat.String())
	if isGroup {
		// Group session keys route on the raw chat JID, not a normalised
		// E.164 receiver (spec §4.7 table).
		receiver = domain.Identifier(evt.Info.Chat.String())
	}

	inbound := &domain.InboundMessage{
		ID:          evt.Info.ID,
		Sender:      sender,
		Receiver:    receiver,
		TimestampMs: evt.Info.Timestamp.UnixMilli(),
		DisplayName: evt.Info.PushName,
		Provider:    domain.ProviderWAWeb,
		IsGroup:     isGroup,
		Raw:         evt,
	}

	if m := evt.Message; m != nil {
		switch {
		case m.GetExtendedTextMessage() != nil && m.GetExtendedTextMessage().GetText() != "":
			inbound.Body = m.GetExtendedTextMessage().GetText()
			inbound.MentionsMe = mentionsSelf(m.GetExtendedTextMessage().GetContextInfo().GetMentionedJID(), p.client.Store.ID)
		case m.GetConversation() != "":
			inbound.Body = m.GetConversation()
		case m.GetImageMessage() != nil:
			inbound.Body = m.GetImageMessage().GetCaption()
		case m.GetVideoMessage() != nil:
			inbound.Body = m.GetVideoMessage().GetCaption()
		}

		if media, kind := extractMedia(m); media != nil {
			path, err := p.downloadMedia(media, kind)
			if err != nil {
				log.Printf("[waweb] media download failed for %s: %v", evt.Info.ID, err)
			} else {
				inbound.Media = append(inbound.Media, domain.MediaAttachment{Kind: kind, Path: path})
			}
		}
	}

	return inbound, nil
}

// resolveSenderE164 implements the best-effort JID→E.164 translation (§4.2,
// §6): an ordinary JID normalises directly, but a "@lid" linked-id sender
// must be looked up in the on-disk reverse-mapping file. A missing mapping
// is a not-found error, which dispatch logs and drops rather than surfacing
// a non-addressable sender.
func (p *Provider) resolveSenderE164(sender types.JID) (domain.Identifier, error) {
	if sender.Server != types.HiddenUserServer {
		return domain.Normalize(sender.User, domain.ProviderWAWeb)
	}

	mapping, err := p.loadLIDMap()
	if err != nil {
		return "", domain.NewError(domain.KindNotFound, fmt.Errorf("lid reverse mapping unavailable for %s: %w", sender.User, err))
	}

	e164, ok := mapping[sender.User]
	if !ok {
		return "", domain.NewError(domain.KindNotFound, fmt.Errorf("no reverse mapping for lid %s", sender.User))
	}
	return domain.Normalize(e164, domain.ProviderWAWeb)
}

// reverseMapPath is the per-device lid-mapping file named after our own
// account id, e.g. <cfg>/credentials/lid-mapping-<id>_reverse.json (spec §6).
func (p *Provider) reverseMapPath() string {
	ownID := ""
	if p.client != nil && p.client.Store != nil && p.client.Store.ID != nil {
		ownID = p.client.Store.ID.User
	}
	return filepath.Join(p.cfg.CredentialsDir, fmt.Sprintf("lid-mapping-%s_reverse.json", ownID))
}

// loadLIDMap reads and caches the reverse-mapping file, reloading it when
// its modification time changes so a mapping added while the provider is
// already running becomes visible without a restart.
func (p *Provider) loadLIDMap() (map[string]string, error) {
	p.lidMapMu.Lock()
	defer p.lidMapMu.Unlock()

	path := p.reverseMapPath()
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if p.lidMap != nil && p.lidMapPath == path && p.lidMapModTime.Equal(info.ModTime()) {
		return p.lidMap, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, err
	}

	p.lidMap = mapping
	p.lidMapPath = path
	p.lidMapModTime = info.ModTime()
	return mapping, nil
}

func mentionsSelf(mentioned []string, self *types.JID) bool {
	if self == nil {
		return false
	}
	selfUser := self.User
	for _, jid := range mentioned {
		if strings.HasPrefix(jid, selfUser+"@") {
			return true
		}
	}
	return false
}

// extractMedia returns the whatsmeow downloadable message and its domain
// kind for whichever of image/audio/video/document is present.
func extractMedia(m *waProto.Message) (wm.DownloadableMessage, domain.MediaKind) {
	switch {
	case m.GetImageMessage() != nil:
		return m.GetImageMessage(), domain.MediaImage
	case m.GetAudioMessage() != nil:
		if m.GetAudioMessage().GetPTT() {
			return m.GetAudioMessage(), domain.MediaVoice
		}
		return m.GetAudioMessage(), domain.MediaAudio
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage(), domain.MediaVideo
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage(), domain.MediaDocument
	default:
		return nil, ""
	}
}

func (p *Provider) downloadMedia(media wm.DownloadableMessage, kind domain.MediaKind) (string, error) {
	data, err := p.client.Download(context.Background(), media)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}

	dir := filepath.Join(os.TempDir(), "clawdis-waweb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("scratch dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d", kind, time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	return path, nil
}

// Send implements the outbound half of spec §4.1: text goes through
// SendMessage directly, media is uploaded first and attached to the
// matching proto field.
func (p *Provider) Send(ctx context.Context, to domain.Identifier, body string, opts domain.SendOptions) domain.SendResult {
	if err := p.limiterSend.Wait(ctx); err != nil {
		return domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
	}

	jid, err := jidFor(to)
	if err != nil {
		return domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
	}

	if len(opts.Media) == 0 {
		resp, err := p.client.SendMessage(ctx, jid, &waProto.Message{Conversation: proto.String(body)})
		if err != nil {
			return domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
		}
		return domain.SendResult{MessageID: resp.ID, Status: domain.SendSent}
	}

	var lastID string
	for _, att := range opts.Media {
		msg, err := p.buildMediaMessage(ctx, att, body)
		if err != nil {
			return domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
		}
		resp, err := p.client.SendMessage(ctx, jid, msg)
		if err != nil {
			return domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
		}
		lastID = resp.ID
	}
	return domain.SendResult{MessageID: lastID, Status: domain.SendSent}
}

func (p *Provider) buildMediaMessage(ctx context.Context, att domain.MediaAttachment, caption string) (*waProto.Message, error) {
	data := att.Buffer
	if data == nil && att.Path != "" {
		raw, err := os.ReadFile(att.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", att.Path, err)
		}
		data = raw
	}

	mediaType := wm.MediaDocument
	switch att.Kind {
	case domain.MediaImage:
		mediaType = wm.MediaImage
	case domain.MediaVideo:
		mediaType = wm.MediaVideo
	case domain.MediaAudio, domain.MediaVoice:
		mediaType = wm.MediaAudio
	}

	up, err := p.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	msg := &waProto.Message{}
	switch mediaType {
	case wm.MediaImage:
		msg.ImageMessage = &waProto.ImageMessage{
			Caption: proto.String(caption), Mimetype: proto.String(att.MIME),
			URL: &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: &up.FileLength,
		}
	case wm.MediaVideo:
		msg.VideoMessage = &waProto.VideoMessage{
			Caption: proto.String(caption), Mimetype: proto.String(att.MIME),
			URL: &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: &up.FileLength,
		}
	case wm.MediaAudio:
		msg.AudioMessage = &waProto.AudioMessage{
			Mimetype: proto.String(att.MIME),
			URL:      &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: &up.FileLength,
			PTT: proto.Bool(att.Kind == domain.MediaVoice),
		}
	default:
		msg.DocumentMessage = &waProto.DocumentMessage{
			Title: proto.String(att.FileName), Caption: proto.String(caption), Mimetype: proto.String(att.MIME),
			URL: &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: &up.FileLength,
		}
	}
	return msg, nil
}

func (p *Provider) SendTyping(ctx context.Context, to domain.Identifier) {
	jid, err := jidFor(to)
	if err != nil {
		return
	}
	_ = p.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// GetDeliveryStatus is not meaningfully trackable from the socket client
// without persisting a receipt-event map this build doesn't keep; wa-web
// delivery receipts arrive asynchronously as events.Receipt and are not
// wired to a per-message query path (spec names delivery receipts as a
// capability, not a required polling API).
func (p *Provider) GetDeliveryStatus(ctx context.Context, id string) domain.DeliveryStatus {
	return domain.StatusUnknown
}

func jidFor(id domain.Identifier) (types.JID, error) {
	s := strings.TrimPrefix(string(id), "+")
	if strings.Contains(string(id), "@") {
		return types.ParseJID(string(id))
	}
	return types.NewJID(s, types.DefaultUserServer), nil
}
