package database

import "time"

// Secret is one entry of the encrypted secret store. Value is a Fernet token;
// plaintext never reaches this table.
type Secret struct {
	Key            string    `gorm:"primaryKey;size:512" json:"key"`
	Value          string    `gorm:"type:text;not null" json:"-"`
	Accessibility  string    `gorm:"not null;default:when-unlocked-this-device-only" json:"accessibility"`
	Synchronizable bool      `gorm:"not null;default:false" json:"synchronizable"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SSHAuditLog records one connection or command event.
type SSHAuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID string    `gorm:"index;size:36" json:"connection_id"`
	ServerID     string    `gorm:"index;size:36" json:"server_id"`
	ServerName   string    `json:"server_name"`
	EventType    string    `gorm:"index;not null" json:"event_type"`
	Details      string    `gorm:"type:text" json:"details"`
	CreatedAt    time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}
