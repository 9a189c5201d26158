package evolution

import (
	"encoding/json"
	"time"
)

// ProviderMessage is the provider's wire shape for one message. The message
// body is a tagged union keyed by the populated field under Message; the
// normalizer maps it into the canonical store type.
type ProviderMessage struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	MessageTimestamp int64           `json:"messageTimestamp,omitempty"`
	Status           string          `json:"status,omitempty"`
	Participant      string          `json:"participant,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

type MessageKey struct {
	ID          string `json:"id"`
	RemoteJid   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
}

type MessageContent struct {
	Conversation        string           `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedText    `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaMessage    `json:"imageMessage,omitempty"`
	VideoMessage        *MediaMessage    `json:"videoMessage,omitempty"`
	AudioMessage        *MediaMessage    `json:"audioMessage,omitempty"`
	DocumentMessage     *DocumentMessage `json:"documentMessage,omitempty"`
	LocationMessage     *LocationMessage `json:"locationMessage,omitempty"`
	ContactMessage      *ContactMessage  `json:"contactMessage,omitempty"`
	StickerMessage      *json.RawMessage `json:"stickerMessage,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text"`
}

type MediaMessage struct {
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
}

type DocumentMessage struct {
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

type LocationMessage struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name,omitempty"`
}

type ContactMessage struct {
	DisplayName string `json:"displayName,omitempty"`
	Vcard       string `json:"vcard,omitempty"`
}

type SendResult struct {
	ID        string `json:"id"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// WebhookEvent is one provider webhook delivery. Event is the discriminator
// ("messages.upsert", "connection.update", ...); Data keeps the kind-specific
// payload opaque until the processor dispatches on Event.
type WebhookEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	Sender   string          `json:"sender,omitempty"`
	DateTime time.Time       `json:"date_time,omitempty"`
}

// Payloads for the non-message webhook kinds.

type MessageUpdateData struct {
	KeyID     string `json:"keyId"`
	RemoteJid string `json:"remoteJid"`
	Status    string `json:"status"`
	FromMe    bool   `json:"fromMe"`
}

type ContactUpdateData struct {
	RemoteJid     string         `json:"remoteJid"`
	PushName      string         `json:"pushName,omitempty"`
	ProfilePicURL string         `json:"profilePicUrl,omitempty"`
	IsGroup       bool           `json:"isGroup,omitempty"`
	Participants  []string       `json:"participants,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

type PresenceUpdateData struct {
	RemoteJid string `json:"remoteJid"`
	Presence  string `json:"presence"`
}

type ChatUpdateData struct {
	RemoteJid   string `json:"remoteJid"`
	Name        string `json:"name,omitempty"`
	UnreadCount *int64 `json:"unreadCount,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
}

type ConnectionUpdateData struct {
	State      string `json:"state"`
	StatusCode int    `json:"statusCode,omitempty"`
}
