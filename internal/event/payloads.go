package event

import "encoding/json"

// Payload structs, one per event type. Fields marked omitempty are
// optional on the wire; everything else is stable.

type AgentRegisteredData struct {
	Name            string `json:"agent_name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

type AgentActiveData struct {
	Name string `json:"agent_name"`
}

type MessageSentData struct {
	MessageID   string   `json:"message_id"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Importance  string   `json:"importance"`
	AckRequired bool     `json:"ack_required,omitempty"`
	Broadcast   bool     `json:"broadcast,omitempty"`
}

type MessageReadData struct {
	MessageID string `json:"message_id"`
	Agent     string `json:"agent"`
}

type MessageAckedData struct {
	MessageID string `json:"message_id"`
	Agent     string `json:"agent"`
}

type FileReservedData struct {
	AgentName   string   `json:"agent_name"`
	Paths       []string `json:"paths"`
	Exclusive   bool     `json:"exclusive"`
	Reason      string   `json:"reason,omitempty"`
	TTLSeconds  int      `json:"ttl_seconds"`
	ExpiresAtMS int64    `json:"expires_at_ms"`
}

// FileReleasedData covers explicit releases, admin releases, and the
// expiry sweep (Expired true, ReservationIDs set).
type FileReleasedData struct {
	AgentName      string   `json:"agent_name"`
	Paths          []string `json:"paths,omitempty"`
	ReservationIDs []string `json:"reservation_ids,omitempty"`
	ReleaseAll     bool     `json:"release_all,omitempty"`
	TargetAgent    string   `json:"target_agent,omitempty"`
	Expired        bool     `json:"expired,omitempty"`
}

type CellCreatedData struct {
	CellID      string   `json:"cell_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	IssueType   string   `json:"issue_type"`
	Priority    int      `json:"priority"`
	ParentID    string   `json:"parent_id,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// CellPatch carries only the fields being changed. Pointer fields
// distinguish "clear" from "leave alone".
type CellPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
}

type CellUpdatedData struct {
	CellID string    `json:"cell_id"`
	Actor  string    `json:"actor,omitempty"`
	Patch  CellPatch `json:"patch"`
}

type CellStatusChangedData struct {
	CellID string `json:"cell_id"`
	Actor  string `json:"actor,omitempty"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type CellClosedData struct {
	CellID string `json:"cell_id"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type CellDeletedData struct {
	CellID string `json:"cell_id"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CellRecord is the JSONL interchange form used by snapshot export and
// import. Timestamps travel with the record so a round trip preserves
// history and the content hash.
type CellRecord struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Status       string           `json:"status"`
	Priority     int              `json:"priority"`
	IssueType    string           `json:"issue_type"`
	ParentID     string           `json:"parent_id,omitempty"`
	Assignee     string           `json:"assignee,omitempty"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	ClosedAt     string           `json:"closed_at,omitempty"`
	CloseReason  string           `json:"close_reason,omitempty"`
	Dependencies []DependencyEdge `json:"dependencies,omitempty"`
	Labels       []string         `json:"labels,omitempty"`
	Comments     []CommentRecord  `json:"comments,omitempty"`
}

type DependencyEdge struct {
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

type CommentRecord struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

type CellImportedData struct {
	Record CellRecord `json:"record"`
	Hash   string     `json:"hash"`
	Actor  string     `json:"actor,omitempty"`
}

type CellCommentedData struct {
	CellID string `json:"cell_id"`
	Author string `json:"author,omitempty"`
	Body   string `json:"body"`
}

type CellLabeledData struct {
	CellID string   `json:"cell_id"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type DependencyAddedData struct {
	CellID       string `json:"cell_id"`
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
	Actor        string `json:"actor,omitempty"`
}

type DependencyRemovedData struct {
	CellID       string `json:"cell_id"`
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
	Actor        string `json:"actor,omitempty"`
}

// EpicCreatedData holds the whole decomposition so the epic, its
// subtasks, and their dependency edges project atomically.
type EpicCreatedData struct {
	EpicID       string        `json:"epic_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Priority     int           `json:"priority"`
	CreatedBy    string        `json:"created_by,omitempty"`
	SubtaskCount int           `json:"subtask_count"`
	SubtaskIDs   []string      `json:"subtask_ids"`
	Subtasks     []EpicSubtask `json:"subtasks"`
}

// EpicSubtask dependencies are indices into the subtask list and must
// point backward, which keeps the projected graph a DAG by construction.
type EpicSubtask struct {
	CellID      string   `json:"cell_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	Files       []string `json:"files,omitempty"`
	DependsOn   []int    `json:"depends_on,omitempty"`
}

type SwarmCheckpointedData struct {
	EpicID       string          `json:"epic_id"`
	BeadID       string          `json:"bead_id"`
	Strategy     string          `json:"strategy,omitempty"`
	Files        []string        `json:"files,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Directives   string          `json:"directives,omitempty"`
	Recovery     json.RawMessage `json:"recovery,omitempty"`
}

type SwarmCompletedData struct {
	BeadID         string   `json:"bead_id"`
	EpicID         string   `json:"epic_id,omitempty"`
	AgentName      string   `json:"agent_name"`
	Summary        string   `json:"summary,omitempty"`
	FilesTouched   []string `json:"files_touched,omitempty"`
	ScopeViolation bool     `json:"scope_violation,omitempty"`
	Violations     []string `json:"violations,omitempty"`
}

type EntityLinkData struct {
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	LinkType   string  `json:"link_type"`
	Strength   float64 `json:"strength"`
}

type DecisionRecordedData struct {
	DecisionID      string           `json:"decision_id"`
	DecisionType    string           `json:"decision_type"`
	AgentName       string           `json:"agent_name,omitempty"`
	EpicID          string           `json:"epic_id,omitempty"`
	BeadID          string           `json:"bead_id,omitempty"`
	Decision        json.RawMessage  `json:"decision"`
	Rationale       string           `json:"rationale,omitempty"`
	InputsGathered  json.RawMessage  `json:"inputs_gathered,omitempty"`
	PolicyEvaluated json.RawMessage  `json:"policy_evaluated,omitempty"`
	Alternatives    json.RawMessage  `json:"alternatives,omitempty"`
	PrecedentCited  json.RawMessage  `json:"precedent_cited,omitempty"`
	OutcomeEventID  int64            `json:"outcome_event_id,omitempty"`
	QualityScore    *float64         `json:"quality_score,omitempty"`
	Links           []EntityLinkData `json:"links,omitempty"`
}

// DecisionLinkedData attaches entity links to a decision after the
// fact, for links discovered once the decision already exists.
type DecisionLinkedData struct {
	DecisionID string           `json:"decision_id"`
	Links      []EntityLinkData `json:"links"`
}

// MemoryStoredData carries the full content plus any extraction output
// so replay rebuilds the memory row, entity rows, and links without
// rerunning the extractor. Embeddings are the one exception: vectors are
// not event-derivable and are restored by the backfill instead.
type MemoryStoredData struct {
	MemoryID       string           `json:"memory_id"`
	Content        string           `json:"content"`
	ContentPreview string           `json:"content_preview"`
	Tags           []string         `json:"tags,omitempty"`
	Collection     string           `json:"collection"`
	Confidence     float64          `json:"confidence"`
	Entities       []EntityRef      `json:"entities,omitempty"`
	Relations      []EntityRelation `json:"relations,omitempty"`
	RelatedIDs     []string         `json:"related_ids,omitempty"`
}

type EntityRef struct {
	PrefLabel string   `json:"pref_label"`
	AltLabels []string `json:"alt_labels,omitempty"`
}

type EntityRelation struct {
	Broader  string `json:"broader"`
	Narrower string `json:"narrower"`
}

type MemoryPatch struct {
	Content    *string   `json:"content,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	Collection *string   `json:"collection,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

type MemoryUpdatedData struct {
	MemoryID string      `json:"memory_id"`
	Patch    MemoryPatch `json:"patch"`
}

type MemoryDeletedData struct {
	MemoryID string `json:"memory_id"`
}

type MemoryValidatedData struct {
	MemoryID string `json:"memory_id"`
}

type MemoryFoundData struct {
	Query       string   `json:"query"`
	AgentName   string   `json:"agent_name,omitempty"`
	MemoryIDs   []string `json:"memory_ids,omitempty"`
	ResultCount int      `json:"result_count"`
}
