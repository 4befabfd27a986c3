package models

import "time"

// ExchangeLogConfig controls persistence of bridged exchanges
type ExchangeLogConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	Workers    int  `yaml:"workers,omitempty" json:"workers,omitzero"`
	BufferSize int  `yaml:"buffer_size,omitempty" json:"buffer_size,omitzero"`
}

// ExchangeRecord is one bridged exchange as stored in the exchange log
type ExchangeRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RequestID      string    `gorm:"not null;size:100;index;default:''" json:"request_id"`
	CredentialHash string    `gorm:"not null;size:64;index;default:''" json:"credential_hash,omitzero"`
	Model          string    `gorm:"not null;size:100;default:''" json:"model,omitzero"`
	Outcome        string    `gorm:"not null;size:20;index;default:''" json:"outcome"`
	Generation     uint64    `gorm:"not null;default:0" json:"generation"`
	Chunks         int       `gorm:"not null;default:0" json:"chunks"`
	Bytes          int64     `gorm:"not null;default:0" json:"bytes"`
	DurationMs     int64     `gorm:"not null;default:0" json:"duration_ms"`
	ErrorMessage   string    `gorm:"not null;type:text;default:''" json:"error_message,omitzero"`
	StartedAt      time.Time `gorm:"not null" json:"started_at"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime;index" json:"created_at"`
}

func (ExchangeRecord) TableName() string {
	return "exchanges"
}

// ExchangeStats aggregates the exchange log
type ExchangeStats struct {
	TotalExchanges int64   `json:"total_exchanges"`
	Completed      int64   `json:"completed"`
	Errored        int64   `json:"errored"`
	Aborted        int64   `json:"aborted"`
	TotalChunks    int64   `json:"total_chunks"`
	TotalBytes     int64   `json:"total_bytes"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

// ExchangeQuery filters exchange log reads
type ExchangeQuery struct {
	Outcome   string
	RequestID string
	Since     time.Time
	Limit     int
	Offset    int
}
