package domain

import (
	"time"
)

type RunStatus string

const (
	RunStatusIdle           RunStatus = "idle"
	RunStatusDeviceSelected RunStatus = "device_selected"
	RunStatusAttached       RunStatus = "session_attached"
	RunStatusDumping        RunStatus = "dumping"
	RunStatusAssembling     RunStatus = "assembling"
	RunStatusSucceeded      RunStatus = "succeeded"
	RunStatusFailed         RunStatus = "failed"
)

// IsTerminal 是否为终态
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// DumpRun 一次 dump 执行记录
type DumpRun struct {
	ID              string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Target          string      `gorm:"type:varchar(255);not null;index:idx_target" json:"target"`
	DisplayName     string      `gorm:"type:varchar(255)" json:"display_name,omitempty"`
	BundleID        string      `gorm:"type:varchar(255)" json:"bundle_id,omitempty"`
	DeviceID        string      `gorm:"type:varchar(128)" json:"device_id,omitempty"`
	DeviceName      string      `gorm:"type:varchar(255)" json:"device_name,omitempty"`
	Status          RunStatus   `gorm:"type:varchar(20);not null;default:'idle';index:idx_status" json:"status"`
	FailureType     FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage    string      `gorm:"type:text" json:"error_message,omitempty"`
	ArtifactCount   int         `gorm:"default:0" json:"artifact_count"`
	FailedTransfers int         `gorm:"default:0" json:"failed_transfers"`
	BytesReceived   int64       `gorm:"default:0" json:"bytes_received"`
	ArchivePath     string      `gorm:"type:varchar(500)" json:"archive_path,omitempty"`
	StartedAt       time.Time   `gorm:"not null" json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	DurationMs      int64       `gorm:"default:0" json:"duration_ms"`
}

func (DumpRun) TableName() string {
	return "dump_runs"
}

// Elapsed 运行耗时（未结束时按当前时间计算）
func (r *DumpRun) Elapsed() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// RunProgress 运行中的实时状态，供状态服务查询
type RunProgress struct {
	RunID     string    `json:"run_id"`
	Target    string    `json:"target"`
	Device    string    `json:"device,omitempty"`
	Status    RunStatus `json:"status"`
	Messages  int       `json:"messages"`
	Artifacts int       `json:"artifacts"`
	Failures  int       `json:"failures"`
	Bytes     int64     `json:"bytes"`
	StartedAt time.Time `json:"started_at"`
}
