// model.go: GORM models for defect records, reviews, ingest runs and issues.
package datastore

import "time"

// Defect represents one aggregated defect record, one row per
// serial/reference/defect-code combination with disposition counts collapsed
// across all inspection loops. The composite unique index is what makes
// re-ingesting the same export file replace rows instead of duplicating them.
type Defect struct {
	ID           uint   `gorm:"primaryKey"`
	SerialNumber string `gorm:"size:64;uniqueIndex:idx_defects_key,priority:1;index:idx_defects_serial"`
	RefID        string `gorm:"size:64;uniqueIndex:idx_defects_key,priority:2;column:ref_id"`
	DefectCode   string `gorm:"size:64;uniqueIndex:idx_defects_key,priority:3;index:idx_defects_code"`

	FalseCallCount  int
	OverriddenCount int
	ReworkableCount int
	Outcome         string `gorm:"size:40;index:idx_defects_outcome"`

	// Metadata carried through from the export, first value per combination
	EventDate     time.Time `gorm:"index:idx_defects_eventdate"`
	PartNumber    string    `gorm:"size:64;index:idx_defects_part"`
	ComponentPN   string    `gorm:"size:64;index:idx_defects_component"`
	MachineName   string    `gorm:"size:64;index:idx_defects_machine"`
	OperationName string    `gorm:"size:64"`
	LineName      string    `gorm:"size:64;index:idx_defects_line"`

	// Provenance
	SourceFile string `gorm:"size:255"`
	RunID      string `gorm:"size:36;index"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Review *DefectReview `gorm:"foreignKey:DefectID;constraint:OnDelete:CASCADE"`

	// Virtual field populated from Review for API responses
	Verified string `gorm:"-"`
}

// DefectReview represents an operator's manual verdict on an aggregated
// defect record. It overlays the computed outcome, it never rewrites it.
// The unique index on DefectID keeps it one review per record.
type DefectReview struct {
	ID         uint   `gorm:"primaryKey"`
	DefectID   uint   `gorm:"uniqueIndex;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:DefectID;references:ID"`
	Verified   string `gorm:"type:varchar(20)"` // ReviewConfirmed or ReviewFalseCall
	Notes      string `gorm:"type:text"`
	ReviewedBy string `gorm:"size:64"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// Review verdict values.
const (
	ReviewConfirmed = "confirmed"
	ReviewFalseCall = "false_call"
)

// IngestRun records one processing pass over one export file.
type IngestRun struct {
	ID          uint      `gorm:"primaryKey"`
	RunID       string    `gorm:"size:36;uniqueIndex"` // UUID assigned at run start
	FileName    string    `gorm:"size:255;index"`
	Source      string    `gorm:"size:16"` // file, directory, upload, ftp, sftp
	StartedAt   time.Time `gorm:"index"`
	CompletedAt time.Time
	DurationMS  int64

	RowCount    int // raw rows read from the file
	SkippedRows int // rows dropped by validation
	GroupCount  int // aggregated defect records upserted

	// Per-outcome counts of the upserted records
	FalseCount   int
	RealCount    int
	FixedCount   int
	SuspectCount int

	Status string `gorm:"size:16;index"` // running, completed, partial, failed
	Error  string `gorm:"type:text"`
}

// Ingest run status values. A run is partial when it completed but had to
// skip rows.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)

// Issue is a manually authored root-cause-analysis record with an
// independent lifecycle. It references defect aggregates informally, by date
// range and component, not by foreign key.
type Issue struct {
	ID           uint      `gorm:"primaryKey"`
	DateReported time.Time `gorm:"index;not null"`
	LineName     string    `gorm:"size:64"`
	Shift        string    `gorm:"size:16"`
	SerialNumber string    `gorm:"size:64"`
	ComponentPN  string    `gorm:"size:64;index"`
	RefID        string    `gorm:"size:64;column:ref_id"`
	Category     string    `gorm:"size:32;index"`
	IssueType    string    `gorm:"size:64"`
	Description  string    `gorm:"type:text"`

	// 5W2H framework
	WhatIssue      string `gorm:"type:text"`
	WhereOccurred  string `gorm:"size:128"`
	WhyPreliminary string `gorm:"type:text"`
	WhenHappened   string `gorm:"size:64"`
	WhoDetected    string `gorm:"size:64"`
	HowDetected    string `gorm:"size:64"`
	HowMuchImpact  string `gorm:"type:text"`

	// Action tracking
	ShortTermFix      string `gorm:"type:text"`
	LongTermAction    string `gorm:"type:text"`
	ResponsiblePerson string `gorm:"size:64"`
	DueDate           *time.Time
	Status            string `gorm:"size:16;index"`

	// RCA tracking
	RCACompleted       bool
	RCAMethod          string `gorm:"size:16"`
	RootCauseFinal     string `gorm:"type:text"`
	EffectivenessCheck bool

	// Rework / scrap
	Disposition    string `gorm:"size:32"`
	ReworkTimeMins float64
	ReworkCost     float64

	// AOI outcome counts snapshotted for the issue's date range
	AOIFalse   int
	AOIReal    int
	AOIFixed   int
	AOISuspect int

	CreatedAt time.Time
	UpdatedAt time.Time

	Changes []IssueChange `gorm:"foreignKey:IssueID;constraint:OnDelete:CASCADE"`
}

// IssueChange is one append-only changelog entry recording a field-level
// edit to an issue record. Rows are never updated after insert.
type IssueChange struct {
	ID        uint      `gorm:"primaryKey"`
	IssueID   uint      `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:IssueID;references:ID"`
	FieldName string    `gorm:"size:64;not null"`
	OldValue  string    `gorm:"type:text"`
	NewValue  string    `gorm:"type:text"`
	ChangedBy string    `gorm:"size:64"`
	ChangedAt time.Time `gorm:"index"`
}
