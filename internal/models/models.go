// Package models holds the persisted entities of the booru core.
package models

import (
	"time"

	"github.com/google/uuid"
)

type Library struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	Path         string     `json:"path" db:"path"`
	ScanInterval int64      `json:"scanInterval" db:"scan_interval"`
	LastScanAt   *time.Time `json:"lastScanAt" db:"last_scan_at"`
	NextScanAt   *time.Time `json:"nextScanAt" db:"next_scan_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

type TagSource string

const (
	TagSourceManual     TagSource = "Manual"
	TagSourceAutoTagger TagSource = "AutoTagger"
	TagSourceFolderRule TagSource = "FolderRule"
)

// FileIdentity is the platform-specific (device, value) pair used for move
// detection. It is absent entirely on platforms that cannot resolve one.
type FileIdentity struct {
	Device string `json:"device"`
	Value  string `json:"value"`
}

type Post struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	LibraryID        uuid.UUID     `json:"libraryId" db:"library_id"`
	RelativePath     string        `json:"relativePath" db:"relative_path"`
	ContentHash      string        `json:"contentHash" db:"content_hash"`
	FileIdentity     *FileIdentity `json:"fileIdentity,omitempty"`
	PerceptualHashD  *uint64       `json:"perceptualHashD,omitempty" db:"perceptual_hash_d"`
	PerceptualHashP  *uint64       `json:"perceptualHashP,omitempty" db:"perceptual_hash_p"`
	SizeBytes        int64         `json:"sizeBytes" db:"size_bytes"`
	Width            int           `json:"width" db:"width"`
	Height           int           `json:"height" db:"height"`
	ContentType      string        `json:"contentType" db:"content_type"`
	ImportDate       time.Time     `json:"importDate" db:"import_date"`
	FileModifiedDate time.Time     `json:"fileModifiedDate" db:"file_modified_date"`
	IsFavorite       bool          `json:"isFavorite" db:"is_favorite"`
}

type Tag struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	CategoryID *uuid.UUID `json:"categoryId,omitempty" db:"category_id"`
}

type TagCategory struct {
	ID    uuid.UUID `json:"id" db:"id"`
	Name  string    `json:"name" db:"name"`
	Color string    `json:"color" db:"color"`
	Order int       `json:"order" db:"order"`
}

type PostTag struct {
	PostID uuid.UUID `json:"postId" db:"post_id"`
	TagID  uuid.UUID `json:"tagId" db:"tag_id"`
	Source TagSource `json:"source" db:"source"`
}

type PostSource struct {
	PostID uuid.UUID `json:"postId" db:"post_id"`
	Order  int       `json:"order" db:"order"`
	URL    string    `json:"url" db:"url"`
}

type DuplicateGroupType string

const (
	DuplicateGroupExact      DuplicateGroupType = "Exact"
	DuplicateGroupPerceptual DuplicateGroupType = "Perceptual"
)

type DuplicateGroup struct {
	ID                uuid.UUID          `json:"id" db:"id"`
	Type              DuplicateGroupType `json:"type" db:"type"`
	SimilarityPercent *int               `json:"similarityPercent,omitempty" db:"similarity_percent"`
	IsResolved        bool               `json:"isResolved" db:"is_resolved"`
	DetectedDate      time.Time          `json:"detectedDate" db:"detected_date"`
	Entries           []DuplicateGroupEntry `json:"entries,omitempty"`
}

type DuplicateGroupEntry struct {
	GroupID uuid.UUID `json:"groupId" db:"group_id"`
	PostID  uuid.UUID `json:"postId" db:"post_id"`
}

type ExcludedFile struct {
	LibraryID    uuid.UUID `json:"libraryId" db:"library_id"`
	RelativePath string    `json:"relativePath" db:"relative_path"`
	ContentHash  string    `json:"contentHash" db:"content_hash"`
	Reason       string    `json:"reason" db:"reason"`
	ExcludedAt   time.Time `json:"excludedAt" db:"excluded_at"`
}

type LibraryIgnoredPath struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	LibraryID           uuid.UUID `json:"libraryId" db:"library_id"`
	RelativePathPrefix  string    `json:"relativePathPrefix" db:"relative_path_prefix"`
}

type JobStatus string

const (
	JobStatusIdle      JobStatus = "Idle"
	JobStatusRunning   JobStatus = "Running"
	JobStatusCompleted JobStatus = "Completed"
	JobStatusFailed    JobStatus = "Failed"
	JobStatusCancelled JobStatus = "Cancelled"
)

type JobExecution struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	JobKey              string     `json:"jobKey" db:"job_key"`
	JobName             string     `json:"jobName" db:"job_name"`
	Status              JobStatus  `json:"status" db:"status"`
	StartTime           time.Time  `json:"startTime" db:"start_time"`
	EndTime             *time.Time `json:"endTime,omitempty" db:"end_time"`
	ErrorMessage        *string    `json:"errorMessage,omitempty" db:"error_message"`
	ActivityText        string     `json:"activityText" db:"activity_text"`
	FinalText           string     `json:"finalText" db:"final_text"`
	ProgressCurrent     int64      `json:"progressCurrent" db:"progress_current"`
	ProgressTotal       int64      `json:"progressTotal" db:"progress_total"`
	ResultSchemaVersion int        `json:"resultSchemaVersion" db:"result_schema_version"`
	ResultJson          *string    `json:"resultJson,omitempty" db:"result_json"`
}

type ScheduledJob struct {
	JobName        string     `json:"jobName" db:"job_name"`
	CronExpression string     `json:"cronExpression" db:"cron_expression"`
	IsEnabled      bool       `json:"isEnabled" db:"is_enabled"`
	LastRun        *time.Time `json:"lastRun,omitempty" db:"last_run"`
	NextRun        *time.Time `json:"nextRun,omitempty" db:"next_run"`
}

type LogLevel string

const (
	LogLevelDebug   LogLevel = "Debug"
	LogLevelInfo    LogLevel = "Info"
	LogLevelWarning LogLevel = "Warning"
	LogLevelError   LogLevel = "Error"
)

type AppLogEntry struct {
	ID             uuid.UUID `json:"id" db:"id"`
	TimestampUtc   time.Time `json:"timestampUtc" db:"timestamp_utc"`
	Level          LogLevel  `json:"level" db:"level"`
	Category       string    `json:"category" db:"category"`
	Message        string    `json:"message" db:"message"`
	Exception      *string   `json:"exception,omitempty" db:"exception"`
	Template       *string   `json:"template,omitempty" db:"template"`
	PropertiesJson *string   `json:"propertiesJson,omitempty" db:"properties_json"`
}
