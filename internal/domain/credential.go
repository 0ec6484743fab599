package domain

import "time"

type CredentialType string

const (
	CredentialTypeSSOSession  CredentialType = "sso_session"
	CredentialTypeOAuth2Token CredentialType = "oauth2_token"
)

// Metadata keys used to round-trip a Session through a Credential.
const (
	CredentialMetaSessionID = "session_id"
	CredentialMetaUsername  = "username"
	CredentialMetaCreatedAt = "created_at"
	CredentialMetaState     = "state"
)

// Credential is the storage-oriented projection of a session's secrets.
type Credential struct {
	UserID        string            `json:"user_id"`
	Type          CredentialType    `json:"credential_type"`
	AccessToken   string            `json:"access_token"`
	RefreshToken  string            `json:"refresh_token,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	DirectoryType DirectoryType     `json:"directory_type,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CredentialRecord is the relational row backing a persisted credential.
type CredentialRecord struct {
	Key           string            `gorm:"column:credential_key;primaryKey;size:255"`
	UserID        string            `gorm:"size:255;index;not null"`
	Type          CredentialType    `gorm:"size:64;not null"`
	AccessToken   string            `gorm:"type:text"`
	RefreshToken  string            `gorm:"type:text"`
	ExpiresAt     *time.Time        `gorm:"index"`
	DirectoryType DirectoryType     `gorm:"size:64"`
	Metadata      map[string]string `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (CredentialRecord) TableName() string { return "sso_credentials" }
