package models

import "time"

type User struct {
	ID          int64  `json:"id,string"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
	Password    []byte `json:"-"`
}

type Channel struct {
	ID   int64  `json:"id,string"`
	Name string `json:"name"`
}

type ChannelMember struct {
	ChannelID int64     `json:"channelID,string"`
	UserID    int64     `json:"userID,string"`
	Role      string    `json:"role"`
	Since     time.Time `json:"since"`
}

// Message is either channel-scoped or a direct message, never both:
// exactly one of ChannelID and RecipientID is non-nil. When
// ContainsSensitive is set the Content column stays empty and the body
// lives in Ciphertext.
type Message struct {
	ID                int64      `json:"id,string"`
	ChannelID         *int64     `json:"channelID,string,omitempty"`
	RecipientID       *int64     `json:"recipientID,string,omitempty"`
	SenderID          int64      `json:"senderID,string"`
	Content           string     `json:"content"`
	Ciphertext        []byte     `json:"-"`
	ContainsSensitive bool       `json:"containsSensitive"`
	CreatedAt         time.Time  `json:"createdAt"`
	EditedAt          *time.Time `json:"editedAt,omitempty"`
	DeletedAt         *time.Time `json:"-"`
	Deleted           bool       `json:"deleted,omitempty"`
	Flagged           bool       `json:"flagged,omitempty"`
	FlagReason        string     `json:"-"`
	ReadAt            *time.Time `json:"readAt,omitempty"`
	Sender            User       `json:"sender"`
}

const (
	ContextGlobal  = "global"
	ContextChannel = "channel"
	ContextDM      = "dm"
)

const (
	LevelAll      = "all"
	LevelMentions = "mentions"
	LevelNone     = "none"
)

// NotificationPreference rows are keyed by (user, context type, context id).
// ContextID is nil if and only if ContextType is global.
type NotificationPreference struct {
	UserID      int64     `json:"userID,string"`
	ContextType string    `json:"contextType"`
	ContextID   *int64    `json:"contextID,string,omitempty"`
	Level       string    `json:"level"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AuditEntry rows are append-only. Critical entries carry the hash chain,
// batched routine entries are written without linkage.
type AuditEntry struct {
	ID        int64     `json:"id,string"`
	EventID   string    `json:"eventID"`
	Actor     *int64    `json:"actor,string,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	Address   string    `json:"address"`
	Critical  bool      `json:"critical"`
	PrevHash  string    `json:"prevHash"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

type ConfigFile struct {
	Address             string
	Port                string
	TlsCert             string
	TlsKey              string
	JwtSecret           string
	EncryptionKey       string
	SnowflakeWorkerID   int64
	SelfContained       bool
	LogToFile           bool
	LogLevel            string
	DbUser              string
	DbPassword          string
	DbAddress           string
	DbPort              string
	DbDatabase          string
	RedisAddress        string
	HandshakeTimeoutSec int
	IdleTimeoutSec      int
	MaxMessageLength    int
	AuditFlushSec       int
	AuditBufferSize     int
}
