package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/google/uuid"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
	"clawdis/internal/conf"
)

func init() {
	repo.Register(domain.ProviderTelegram, func() repo.Provider { return &Provider{} })
}

const orphanTTL = time.Hour

// Config is the credential+tuning set Initialize expects (spec §6, §4.4).
type Config struct {
	APIID        int
	APIHash      string
	SessionDir   string
	TempDir      string
	MaxMediaSize int64
}

// ConfigFromEnv builds a Config from conf.TelegramEnv plus the resolved
// config directory, applying the 2 GiB default/clamp spec §4.4 requires.
func ConfigFromEnv(env conf.TelegramEnv, cfgDir string) (Config, error) {
	id, err := strconv.Atoi(env.APIID)
	if err != nil {
		return Config{}, domain.NewError(domain.KindConfig, fmt.Errorf("telegram: invalid TELEGRAM_API_ID: %w", err))
	}
	tempDir := env.TempDirOverride
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "clawdis-telegram")
	}
	return Config{
		APIID:        id,
		APIHash:      env.APIHash,
		SessionDir:   filepath.Join(cfgDir, "telegram", "session"),
		TempDir:      tempDir,
		MaxMediaSize: int64(env.MaxMediaMB) * 1024 * 1024,
	}, nil
}

// SessionFilePath is the on-disk session token location §6 names:
// <cfg>/telegram/session/session.string.
func SessionFilePath(cfg Config) string {
	return filepath.Join(cfg.SessionDir, "session.string")
}

// legacySessionFilePath is the pre-migration session file name, still
// cleaned up on logout so a stale credential can't linger on disk.
func legacySessionFilePath(cfg Config) string {
	return filepath.Join(cfg.SessionDir, "session.json")
}

// Provider implements repo.Provider over a gotd/td MTProto session.
type Provider struct {
	cfg    Config
	client *telegram.Client
	api    *tg.Client

	mu       sync.Mutex
	handler  repo.MessageHandler
	self     *tg.User
	peers    map[int64]tg.InputPeerClass // seen-entity cache for id-based resolution
	username map[string]tg.InputPeerClass

	runCancel context.CancelFunc
	runDone   chan struct{}
}

func (p *Provider) Initialize(ctx context.Context, config interface{}) error {
	cfg, ok := config.(Config)
	if !ok {
		return domain.NewError(domain.KindConfig, fmt.Errorf("telegram: expected telegram.Config, got %T", config))
	}
	p.cfg = cfg
	p.peers = make(map[int64]tg.InputPeerClass)
	p.username = make(map[string]tg.InputPeerClass)

	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return domain.NewError(domain.KindConfig, fmt.Errorf("telegram: session dir: %w", err))
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return domain.NewError(domain.KindConfig, fmt.Errorf("telegram: temp dir: %w", err))
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(p.onNewMessage)

	p.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: p.sessionFile()},
		UpdateHandler:  dispatcher,
	})
	p.api = p.client.API()
	return nil
}

func (p *Provider) sessionFile() string {
	return SessionFilePath(p.cfg)
}

func (p *Provider) IsConnected() bool {
	return p.runCancel != nil
}

func (p *Provider) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self != nil
}

func (p *Provider) GetSessionId() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.self == nil {
		return ""
	}
	return strconv.FormatInt(p.self.ID, 10)
}

// Login drives the three-stage phone/code/password flow (spec §4.4). A
// failed attempt cleans up the session file rather than leaving a
// half-written one.
func (p *Provider) Login(ctx context.Context) error {
	var loginErr error
	runErr := p.client.Run(ctx, func(ctx context.Context) error {
		status, err := p.client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		if status.Authorized {
			return p.cacheSelf(ctx)
		}

		flow := auth.NewFlow(terminalAuthenticator{}, auth.SendCodeOptions{})
		if err := p.client.Auth().IfNecessary(ctx, flow); err != nil {
			loginErr = domain.NewError(domain.KindAuth, fmt.Errorf("telegram: login: %w", err))
			return nil
		}
		return p.cacheSelf(ctx)
	})
	if runErr != nil {
		os.Remove(p.sessionFile())
		return domain.NewError(domain.KindAuth, fmt.Errorf("telegram: login: %w", runErr))
	}
	if loginErr != nil {
		os.Remove(p.sessionFile())
		return loginErr
	}
	return nil
}

func (p *Provider) cacheSelf(ctx context.Context) error {
	me, err := p.api.UsersGetFullUser(ctx, &tg.InputUserSelf{})
	if err != nil {
		return err
	}
	for _, u := range me.Users {
		if user, ok := u.(*tg.User); ok && user.Self {
			p.mu.Lock()
			p.self = user
			p.mu.Unlock()
			return nil
		}
	}
	return errors.New("telegram: could not resolve self user")
}

// Logout revokes server-side and erases both the preferred and legacy
// session token files (spec §4.4).
func (p *Provider) Logout(ctx context.Context) error {
	err := p.client.Run(ctx, func(ctx context.Context) error {
		_, err := p.api.AuthLogOut(ctx)
		return err
	})
	os.Remove(p.sessionFile())
	os.Remove(legacySessionFilePath(p.cfg))
	if err != nil {
		return domain.NewError(domain.KindAuth, fmt.Errorf("telegram: logout: %w", err))
	}
	return nil
}

func (p *Provider) Disconnect() error {
	return p.StopListening()
}

func (p *Provider) OnMessage(h repo.MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Provider) Kind() domain.ProviderKind { return domain.ProviderTelegram }
func (p *Provider) Capabilities() domain.ProviderCapabilities {
	caps := domain.CapabilitiesFor(domain.ProviderTelegram)
	if p.cfg.MaxMediaSize > 0 {
		caps.MaxMediaSize = p.cfg.MaxMediaSize
	}
	return caps
}

// StartListening runs the MTProto connection for the lifetime of ctx,
// sweeping orphaned outbound-media temp files on startup (spec §4.4).
func (p *Provider) StartListening(ctx context.Context) error {
	if swept, err := sweepOrphans(p.cfg.TempDir, downloadNamePrefix, orphanTTL, time.Now()); err != nil {
		log.Printf("[telegram] orphan sweep failed: %v", err)
	} else if swept > 0 {
		log.Printf("[telegram] swept %d orphaned temp file(s)", swept)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel
	p.runDone = make(chan struct{})

	go func() {
		defer close(p.runDone)
		if err := p.client.Run(runCtx, func(ctx context.Context) error {
			if err := p.cacheSelf(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}); err != nil && runCtx.Err() == nil {
			log.Printf("[telegram] client run exited: %v", err)
		}
	}()
	return nil
}

func (p *Provider) StopListening() error {
	if p.runCancel == nil {
		return nil
	}
	p.runCancel()
	<-p.runDone
	p.runCancel = nil
	return nil
}

func (p *Provider) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}

	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		return nil
	}

	p.rememberEntities(e)

	sender, displayName := p.resolveSenderIdentity(msg.PeerID, e)

	inbound := &domain.InboundMessage{
		ID:          strconv.Itoa(msg.ID),
		Sender:      sender,
		Body:        msg.Message,
		TimestampMs: int64(msg.Date) * 1000,
		DisplayName: displayName,
		Provider:    domain.ProviderTelegram,
	}

	if msg.Media != nil {
		if att, err := p.downloadMedia(ctx, msg.Media); err != nil {
			log.Printf("[telegram] media download failed for message %d: %v", msg.ID, err)
		} else if att != nil {
			inbound.Media = append(inbound.Media, *att)
		}
	}

	handler(inbound)
	return nil
}

func (p *Provider) rememberEntities(e tg.Entities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, u := range e.Users {
		p.peers[id] = &tg.InputPeerUser{UserID: id, AccessHash: u.AccessHash}
		if u.Username != "" {
			p.username[strings.ToLower(u.Username)] = p.peers[id]
		}
	}
}

func (p *Provider) resolveSenderIdentity(peer tg.PeerClass, e tg.Entities) (domain.Identifier, string) {
	userPeer, ok := peer.(*tg.PeerUser)
	if !ok {
		return "unknown", ""
	}
	u, ok := e.Users[userPeer.UserID]
	if !ok {
		return domain.Identifier(strconv.FormatInt(userPeer.UserID, 10)), ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if u.Username != "" {
		id, err := domain.Normalize("@"+u.Username, domain.ProviderTelegram)
		if err == nil {
			return id, name
		}
	}
	if u.Phone != "" {
		// Reuse the E.164 normaliser; the message's Provider field still
		// carries the telegram kind, not this identifier's shape.
		if id, err := domain.Normalize(u.Phone, domain.ProviderWAWeb); err == nil {
			return id, name
		}
	}
	return domain.Identifier(strconv.FormatInt(userPeer.UserID, 10)), name
}

// downloadMedia implements spec §4.4's kind dispatch (photo→image,
// voice-attr→voice, video-attr→video, audio-attr→audio, else→document).
// Failures degrade to a nil attachment rather than failing the message.
func (p *Provider) downloadMedia(ctx context.Context, media tg.MessageMediaClass) (*domain.MediaAttachment, error) {
	dl := downloader.NewDownloader()

	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, errors.New("telegram: photo media without concrete photo")
		}
		loc := &tg.InputPhotoFileLocation{ID: photo.ID, AccessHash: photo.AccessHash, FileReference: photo.FileReference}
		path := p.tempPath("image")
		if _, err := dl.Download(p.api, loc).ToPath(ctx, path); err != nil {
			return nil, err
		}
		return &domain.MediaAttachment{Kind: domain.MediaImage, Path: path}, nil

	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, errors.New("telegram: document media without concrete document")
		}
		kind := classifyDocument(doc)
		loc := &tg.InputDocumentFileLocation{ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference}
		path := p.tempPath(string(kind))
		if _, err := dl.Download(p.api, loc).ToPath(ctx, path); err != nil {
			return nil, err
		}
		return &domain.MediaAttachment{Kind: kind, Path: path, MIME: doc.MimeType, Size: doc.Size}, nil

	default:
		return nil, nil
	}
}

// downloadNamePrefix is the fixed filename prefix (spec §6:
// telegram-dl-<uuid>.tmp) sweepOrphans matches on, so it only ever deletes
// files this provider created.
const downloadNamePrefix = "telegram-dl-"

func (p *Provider) tempPath(string) string {
	return filepath.Join(p.cfg.TempDir, fmt.Sprintf("%s%s.tmp", downloadNamePrefix, uuid.NewString()))
}

// Send resolves to, then sends text and/or media (spec §4.4 entity
// resolution + outbound media streaming).
func (p *Provider) Send(ctx context.Context, to domain.Identifier, body string, opts domain.SendOptions) domain.SendResult {
	var result domain.SendResult
	err := p.client.Run(ctx, func(ctx context.Context) error {
		peer, err := p.resolvePeer(ctx, string(to))
		if err != nil {
			result = domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
			return nil
		}

		if len(opts.Media) == 0 {
			upd, err := p.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
				Peer:     peer,
				Message:  body,
				RandomID: randomID(),
			})
			if err != nil {
				result = domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
				return nil
			}
			result = domain.SendResult{Status: domain.SendSent, MessageID: updateMessageID(upd)}
			return nil
		}

		for _, att := range opts.Media {
			id, err := p.sendOneMedia(ctx, peer, att, body)
			if err != nil {
				result = domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
				return nil
			}
			result = domain.SendResult{Status: domain.SendSent, MessageID: id}
		}
		return nil
	})
	if err != nil {
		return domain.SendResult{Status: domain.SendFailed, Error: err.Error()}
	}
	return result
}

func (p *Provider) sendOneMedia(ctx context.Context, peer tg.InputPeerClass, att domain.MediaAttachment, caption string) (string, error) {
	localPath := att.Path
	cleanup := func() {}

	if localPath == "" && att.URL != "" {
		path, err := p.downloadToTemp(ctx, att.URL)
		if err != nil {
			return "", err
		}
		localPath = path
		cleanup = func() { os.Remove(path) }
	}
	defer cleanup()

	if localPath == "" {
		return "", errors.New("telegram: media attachment has neither Path nor URL")
	}

	up := uploader.NewUploader(p.api)
	file, err := up.FromPath(ctx, localPath)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	upd, err := p.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    &tg.InputMediaUploadedDocument{File: file, MimeType: mimeOrDefault(att.MIME)},
		Message:  caption,
		RandomID: randomID(),
	})
	if err != nil {
		return "", err
	}
	return updateMessageID(upd), nil
}

func mimeOrDefault(m string) string {
	if m == "" {
		return "application/octet-stream"
	}
	return m
}

// downloadToTemp streams a URL to a temp file, enforcing maxMediaSize via a
// HEAD probe (when supported) and an inline size-tracking writer (spec
// §4.4). The temp file is the caller's responsibility to remove.
func (p *Provider) downloadToTemp(ctx context.Context, url string) (string, error) {
	if resp, err := http.Head(url); err == nil {
		defer resp.Body.Close()
		if resp.ContentLength > 0 && resp.ContentLength > p.cfg.MaxMediaSize {
			return "", errMediaTooLarge
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	path := p.tempPath("outbound")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	limited := newSizeLimitedWriter(f, p.cfg.MaxMediaSize)
	if _, err := io.Copy(limited, resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// resolvePeer implements spec §4.4 entity resolution: strip the optional
// "telegram:" namespace, try the raw form, and on failure retry once with
// an "@" prefix.
func (p *Provider) resolvePeer(ctx context.Context, raw string) (tg.InputPeerClass, error) {
	raw = strings.TrimPrefix(raw, "telegram:")

	if peer, ok := p.lookupCached(raw); ok {
		return peer, nil
	}
	if peer, err := p.resolveOnce(ctx, raw); err == nil {
		return peer, nil
	}

	retry := raw
	if !strings.HasPrefix(retry, "@") {
		retry = "@" + retry
	}
	peer, err := p.resolveOnce(ctx, retry)
	if err != nil {
		return nil, domain.NewError(domain.KindNotFound, fmt.Errorf("telegram: could not resolve %q: %w", raw, err))
	}
	return peer, nil
}

func (p *Provider) lookupCached(raw string) (tg.InputPeerClass, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := strings.ToLower(strings.TrimPrefix(raw, "@"))
	if peer, ok := p.username[name]; ok {
		return peer, true
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if peer, ok := p.peers[id]; ok {
			return peer, true
		}
	}
	return nil, false
}

func (p *Provider) resolveOnce(ctx context.Context, raw string) (tg.InputPeerClass, error) {
	if strings.HasPrefix(raw, "@") {
		resolved, err := p.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: strings.TrimPrefix(raw, "@")})
		if err != nil {
			return nil, err
		}
		for _, u := range resolved.Users {
			if user, ok := u.(*tg.User); ok {
				peer := &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
				p.mu.Lock()
				p.peers[user.ID] = peer
				p.username[strings.ToLower(user.Username)] = peer
				p.mu.Unlock()
				return peer, nil
			}
		}
		return nil, errors.New("telegram: username resolved to no user")
	}
	return nil, fmt.Errorf("telegram: %q is not a known entity", raw)
}

func (p *Provider) SendTyping(ctx context.Context, to domain.Identifier) {
	_ = p.client.Run(ctx, func(ctx context.Context) error {
		peer, err := p.resolvePeer(ctx, string(to))
		if err != nil {
			return err
		}
		_, err = p.api.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{Peer: peer, Action: &tg.SendMessageTypingAction{}})
		return err
	})
}

// GetDeliveryStatus is always unknown (spec §4.4: "the backend does not
// expose reliable write-through acknowledgement").
func (p *Provider) GetDeliveryStatus(ctx context.Context, id string) domain.DeliveryStatus {
	return domain.StatusUnknown
}

func randomID() int64 {
	var b [8]byte
	u := uuid.New()
	copy(b[:], u[:8])
	n := int64(0)
	for _, v := range b {
		n = n<<8 | int64(v)
	}
	if n < 0 {
		n = -n
	}
	return n
}

func updateMessageID(u tg.UpdatesClass) string {
	switch v := u.(type) {
	case *tg.Updates:
		for _, upd := range v.Updates {
			if m, ok := upd.(*tg.UpdateMessageID); ok {
				return strconv.Itoa(m.ID)
			}
		}
	}
	return ""
}

// terminalAuthenticator reads the phone/code/password prompts from the
// process's own stdin, the interactive flow spec §4.4 requires for the
// native client-protocol login.
type terminalAuthenticator struct{}

func (terminalAuthenticator) Phone(_ context.Context) (string, error) {
	return readPrompt("Phone number (E.164): ")
}

func (terminalAuthenticator) Password(_ context.Context) (string, error) {
	return readPrompt("Two-factor password: ")
}

func (terminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readPrompt("Login code: ")
}

func (terminalAuthenticator) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (terminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, auth.ErrPasswordAuthNeeded
}

func readPrompt(prompt string) (string, error) {
	fmt.Print(prompt)
	var line string
	if _, err := fmt.Scanln(&line); err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
