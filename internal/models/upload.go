package models

import "time"

// CorrelationKey identifies one upload item everywhere it travels: it is the
// item's id in the queue, the session key in the channel manager, and the id
// the ingest pipeline echoes back on every progress event. There is exactly
// one source of truth for this value; nothing else may stand in for it.
type CorrelationKey string

func (k CorrelationKey) String() string { return string(k) }

// ItemStatus is the lifecycle state of a single upload item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusUploading  ItemStatus = "uploading"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusDuplicate  ItemStatus = "duplicate"
	StatusError      ItemStatus = "error"
)

// Terminal reports whether no further automatic transition can leave s.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDuplicate || s == StatusError
}

// BatchStatus is derived in full from item statuses on every change and is
// never transitioned directly.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
	BatchDuplicate BatchStatus = "duplicate"
	BatchError     BatchStatus = "error"
	BatchPartial   BatchStatus = "partial"
)

// FileRef describes the file an item carries. Data holds the payload for
// in-memory submissions; Path points at a file on disk instead. After a
// restore only Name and Size survive, since raw payloads are not persisted.
type FileRef struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Path string `json:"path,omitempty"`
	Data []byte `json:"-"`
}

// UploadResult is the terminal outcome reported by the ingest pipeline.
type UploadResult struct {
	Duplicate  bool   `json:"duplicate,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

// Item is one file's upload/ingestion unit of work.
type Item struct {
	ID            CorrelationKey `json:"id"`
	File          FileRef        `json:"file"`
	Status        ItemStatus     `json:"status"`
	Progress      int            `json:"progress"` // 0-100
	Stage         string         `json:"stage,omitempty"`
	Message       string         `json:"message,omitempty"`
	Error         string         `json:"error,omitempty"`
	Result        *UploadResult  `json:"result,omitempty"`
	BatchID       string         `json:"batch_id"`
	SessionID     string         `json:"session_id,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	CompletedTime *time.Time     `json:"completed_time,omitempty"`
}

// Batch is a named group of items submitted together. CompletedFiles and
// ErrorFiles are derived counts, recomputed whenever an item changes.
type Batch struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Items          []*Item     `json:"items"`
	Status         BatchStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	TotalFiles     int         `json:"total_files"`
	CompletedFiles int         `json:"completed_files"`
	ErrorFiles     int         `json:"error_files"`
}

// QueueState is a point-in-time snapshot of the whole queue.
type QueueState struct {
	Batches       []*Batch `json:"batches"`
	Visible       bool     `json:"visible"`
	Minimized     bool     `json:"minimized"`
	ActiveUploads int      `json:"active_uploads"`
	TotalProgress int      `json:"total_progress"` // 0-100, mean effective progress
}

// ProgressEvent is one message pushed by the ingest pipeline over an item's
// progress channel. Stage vocabulary: upload, extract, embed, tag, index,
// complete.
type ProgressEvent struct {
	CorrelationID CorrelationKey `json:"correlation_id"`
	Stage         string         `json:"stage"`
	Progress      int            `json:"progress"`
	Message       string         `json:"message,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      *UploadResult  `json:"metadata,omitempty"`
}

const StageComplete = "complete"

// Terminal reports whether e ends the item's processing: an embedded error,
// duplicate metadata, or the complete stage at full progress.
func (e *ProgressEvent) Terminal() bool {
	if e.Error != "" {
		return true
	}
	if e.Metadata != nil && e.Metadata.Duplicate {
		return true
	}
	return e.Stage == StageComplete && e.Progress >= 100
}
