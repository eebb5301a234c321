package domain

// TaskState is the lifecycle state of a task inside the vault.
type TaskState string

const (
	StateDetected        TaskState = "detected"
	StateClassified      TaskState = "classified"
	StateAutoRouted      TaskState = "auto_routed"
	StatePendingApproval TaskState = "pending_approval"
	StateApproved        TaskState = "approved"
	StateRejected        TaskState = "rejected"
	StateExpired         TaskState = "expired"
	StateCompleted       TaskState = "completed"
)

// allowedTransitions is the single source of truth for the lifecycle.
// Terminal states map to empty sets.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	StateDetected: {
		StateClassified: {},
	},
	StateClassified: {
		StateAutoRouted:      {},
		StatePendingApproval: {},
	},
	StateAutoRouted: {
		StateCompleted: {},
	},
	StatePendingApproval: {
		StateApproved: {},
		StateRejected: {},
		StateExpired:  {},
	},
	StateApproved: {
		StateCompleted: {},
	},
	StateRejected:  {},
	StateExpired:   {},
	StateCompleted: {},
}

// Terminal reports whether no further transitions are allowed from s.
func (s TaskState) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// Valid reports whether s is a known lifecycle state.
func (s TaskState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// ValidateTransition rejects anything not listed in the transition table.
func ValidateTransition(identity string, from, to TaskState) error {
	if !from.Valid() || !to.Valid() {
		return &IllegalTransitionError{Identity: identity, From: from, To: to}
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return &IllegalTransitionError{Identity: identity, From: from, To: to}
	}
	return nil
}

// Urgency is the classifier-assigned severity label. Assigned once,
// immutable afterwards.
type Urgency string

const (
	UrgencyLow    Urgency = "Low"
	UrgencyMedium Urgency = "Medium"
	UrgencyHigh   Urgency = "High"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	default:
		return false
	}
}

// Task is the central entity tracked through the lifecycle.
type Task struct {
	Identity         string    `json:"identity"`
	OriginalName     string    `json:"original_name"`
	CurrentName      string    `json:"current_name"`
	Urgency          Urgency   `json:"urgency,omitempty"`
	Plan             []string  `json:"plan,omitempty"`
	State            TaskState `json:"state"`
	ApprovalDeadline *string   `json:"approval_deadline,omitempty" format:"date-time"`
	CreatedAt        string    `json:"created_at" format:"date-time"`
	UpdatedAt        string    `json:"updated_at" format:"date-time"`
}

// Renamed reports whether the entry rename was applied on detection.
func (t Task) Renamed() bool {
	return t.OriginalName != t.CurrentName
}

// HistoryEntry is one committed transition. History rows are append-only;
// the last row's ToState always equals the task's live state.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"identity"`
	FromState TaskState `json:"from_state"`
	ToState   TaskState `json:"to_state"`
	Note      string    `json:"note,omitempty"`
	TS        string    `json:"ts" format:"date-time"`
}

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// State returns the lifecycle state a decision resolves to.
func (d Decision) State() TaskState {
	if d == DecisionApproved {
		return StateApproved
	}
	return StateRejected
}

// ApprovalRecord ties a pending human decision to exactly one task.
// It is closed when the task leaves pending_approval for any reason.
type ApprovalRecord struct {
	Identity    string  `json:"identity"`
	Description string  `json:"description"`
	RequestFile string  `json:"request_file"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	Deadline    string  `json:"deadline" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
	Outcome     string  `json:"outcome,omitempty"`
}

// Open reports whether the record still awaits a decision.
func (a ApprovalRecord) Open() bool {
	return a.ClosedAt == nil
}

// AuditEntry is one immutable row of the vault ledger. The ledger is the
// durable source of truth; the registry is reconstructed from it on startup.
type AuditEntry struct {
	ID           int64  `json:"id"`
	EventID      string `json:"event_id"`
	TS           string `json:"ts" format:"date-time"`
	TaskIdentity string `json:"task_identity"`
	Kind         string `json:"kind"`
	Detail       string `json:"detail_json"`
}

// Audit event kinds. task.error entries record failures without a state change.
const (
	EventDetected        = "task.detected"
	EventClassified      = "task.classified"
	EventRouted          = "task.routed"
	EventApprovalOpened  = "approval.opened"
	EventApprovalDecided = "approval.decided"
	EventApprovalExpired = "approval.expired"
	EventCompleted       = "task.completed"
	EventError           = "task.error"
)
