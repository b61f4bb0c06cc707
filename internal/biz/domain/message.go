package domain

// MediaKind tags the attachment types the relay understands.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaDocument MediaKind = "document"
)

// MediaAttachment carries exactly one of Buffer, Path or URL as its payload;
// callers are expected to check them in that order.
type MediaAttachment struct {
	Kind      MediaKind
	Buffer    []byte
	Path      string
	URL       string
	MIME      string
	FileName  string
	Size      int64
	Thumbnail []byte
}

// InboundMessage is the normalised record every provider adapter produces
// from its backend's own message shape.
type InboundMessage struct {
	ID          string
	Sender      Identifier
	Receiver    Identifier
	Body        string
	TimestampMs int64
	DisplayName string
	Media       []MediaAttachment
	Provider    ProviderKind
	IsGroup     bool
	MentionsMe  bool
	GroupSubject string
	Raw         interface{}
}

// SendOptions configures an outbound Send call.
type SendOptions struct {
	Media       []MediaAttachment
	ReplyTo     string
	SendTyping  bool
}

// SendStatus is the terminal state of an outbound send attempt.
type SendStatus string

const (
	SendSent   SendStatus = "sent"
	SendQueued SendStatus = "queued"
	SendFailed SendStatus = "failed"
)

// SendResult reports the outcome of Provider.Send. A failed send is
// represented here, not by an error return: Send never throws.
type SendResult struct {
	MessageID string
	Status    SendStatus
	Error     string
	Metadata  map[string]string
}
