package model

import "time"

// TransactionStatus is the terminal/non-terminal state of a Transaction.
type TransactionStatus string

const (
	TransactionActive     TransactionStatus = "active"
	TransactionRollingBack TransactionStatus = "rolling-back"
	TransactionCommitted  TransactionStatus = "committed"
	TransactionRolledBack TransactionStatus = "rolled-back"
)

// ResourceKind identifies what a ResourceRecord governs and therefore how
// it is committed or rolled back (spec.md §4.5).
type ResourceKind string

const (
	ResourceStagingDirectory  ResourceKind = "staging-directory"
	ResourceTemporaryDiskFile ResourceKind = "temporary-disk-file"
	ResourceFinalDiskFile     ResourceKind = "final-disk-file"
	ResourceVMDefinition      ResourceKind = "vm-definition"
	ResourceCustom            ResourceKind = "custom"
)

// ResourceRecord is one entry in a Transaction's ordered log.
type ResourceRecord struct {
	Kind      ResourceKind      `json:"kind"`
	ID        string            `json:"id"`
	Host      string            `json:"host"`
	FinalPath string            `json:"final_path,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// UndoDescriptor carries the arbitrary undo payload for ResourceCustom
	// records. It is opaque to the Transaction Manager; the orchestrator
	// interprets it when rollback invokes a custom undo.
	UndoDescriptor string `json:"undo_descriptor,omitempty"`
}

// TransactionLog is the serializable audit record for one Transaction,
// written to {state_dir}/transactions/{operation_id}.json (spec.md §6).
type TransactionLog struct {
	TransactionID string            `json:"transaction_id"`
	OperationType string            `json:"operation_type"`
	Status        TransactionStatus `json:"status"`
	StagingDir    string            `json:"staging_dir"`
	Started       time.Time         `json:"started"`
	Ended         *time.Time        `json:"ended,omitempty"`
	Records       []ResourceRecord  `json:"records"`
}

// OperationPhase is the lifecycle state of an OperationHandle.
type OperationPhase string

const (
	OperationPending   OperationPhase = "pending"
	OperationRunning   OperationPhase = "running"
	OperationCompleted OperationPhase = "completed"
	OperationFailed    OperationPhase = "failed"
	OperationCancelled OperationPhase = "cancelled"
)

// Progress is the externally observable transfer progress of an
// in-flight operation.
type Progress struct {
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	SpeedBytesPerSec float64 `json:"speed_bytes_per_sec"`
	ETASeconds       float64 `json:"eta_seconds"`
}

// OperationHandle is the UUID-keyed record exposing progress and outcome
// for one clone or sync invocation (spec.md §3).
type OperationHandle struct {
	ID            string
	OperationType string
	Status        OperationPhase
	Progress      Progress
	Error         error
	Result        *CloneResult
	Created       time.Time
	Started       time.Time
	Completed     time.Time
}

// terminalPhases lists the terminal phases of OperationHandle.Status; used
// to enforce the no-backward-transitions invariant (spec.md §8 property 6).
var terminalPhases = map[OperationPhase]bool{
	OperationCompleted: true,
	OperationFailed:    true,
	OperationCancelled: true,
}

// IsTerminal reports whether phase is one of the three terminal states.
func (p OperationPhase) IsTerminal() bool {
	return terminalPhases[p]
}
