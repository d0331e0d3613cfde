// Package store provides the encrypted SQLite-backed vault store.
// Plaintext columns hold identifiers and timestamps; every user-authored text
// column holds an AEAD ciphertext blob, and every mutation appends a signed
// operation to the per-device oplog inside the same transaction.
package store

// Conversation groups messages under an encrypted title.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"` // decrypted
	CreatedAt int64  `json:"createdAtMs"`
	UpdatedAt int64  `json:"updatedAtMs"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single entry in a conversation. Content is stored encrypted;
// the struct carries the decrypted form.
type Message struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	Role              string `json:"role"`
	Content           string `json:"content"` // decrypted
	CreatedAt         int64  `json:"createdAtMs"`
	UpdatedAt         int64  `json:"updatedAtMs"`
	UpdatedByDeviceID string `json:"updatedByDeviceId"`
	UpdatedBySeq      int64  `json:"updatedBySeq"`
	IsDeleted         bool   `json:"isDeleted"`
	IsMemory          bool   `json:"isMemory"`
	NeedsEmbedding    bool   `json:"needsEmbedding"`
}

// Attachment is content-addressed by sha256; bytes live on disk, encrypted.
type Attachment struct {
	SHA256       string `json:"sha256"`
	MimeType     string `json:"mimeType"`
	RelativePath string `json:"relativePath"`
	ByteLen      int64  `json:"byteLen"`
	CreatedAt    int64  `json:"createdAtMs"`
}

// Job status values shared by the enrichment queues.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobOK      = "ok"
	JobFailed  = "failed"
)

// Semantic parse and autofill jobs use succeeded instead of ok.
const (
	JobSucceeded = "succeeded"
	JobCanceled  = "canceled"
)

// AnnotationKind selects the annotator for an attachment.
type AnnotationKind string

const (
	AnnotationImage    AnnotationKind = "image"
	AnnotationDocument AnnotationKind = "document"
	AnnotationAudio    AnnotationKind = "audio"
	AnnotationVideo    AnnotationKind = "video"
)

// EnrichmentRow is one attachment enrichment record (exif, place, or
// annotation). Payload is the decrypted JSON payload, empty until status=ok.
type EnrichmentRow struct {
	SHA256      string `json:"sha256"`
	Lang        string `json:"lang,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	NextRetryAt int64  `json:"nextRetryAt,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Payload     string `json:"payload,omitempty"`
	UpdatedAt   int64  `json:"updatedAtMs"`
}

// Todo status values.
const (
	TodoInbox      = "inbox"
	TodoOpen       = "open"
	TodoInProgress = "in_progress"
	TodoDone       = "done"
	TodoDismissed  = "dismissed"
)

// Todo is a task; title is stored encrypted.
type Todo struct {
	ID             string `json:"id"`
	Title          string `json:"title"` // decrypted
	DueAtMs        *int64 `json:"dueAtMs,omitempty"`
	Status         string `json:"status"`
	SourceEntryID  string `json:"sourceEntryId,omitempty"`
	CreatedAt      int64  `json:"createdAtMs"`
	UpdatedAt      int64  `json:"updatedAtMs"`
	ReviewStage    *int64 `json:"reviewStage,omitempty"`
	NextReviewAtMs *int64 `json:"nextReviewAtMs,omitempty"`
	LastReviewAtMs *int64 `json:"lastReviewAtMs,omitempty"`
	NeedsEmbedding bool   `json:"needsEmbedding"`
}

// TodoActivity types.
const (
	ActivityStatusChange = "status_change"
	ActivityNote         = "note"
	ActivitySummary      = "summary"
)

// TodoActivity is an append-only record attached to a todo.
type TodoActivity struct {
	ID              string `json:"id"`
	TodoID          string `json:"todoId"`
	Type            string `json:"type"`
	FromStatus      string `json:"fromStatus,omitempty"`
	ToStatus        string `json:"toStatus,omitempty"`
	Content         string `json:"content,omitempty"` // decrypted
	SourceMessageID string `json:"sourceMessageId,omitempty"`
	CreatedAt       int64  `json:"createdAtMs"`
	NeedsEmbedding  bool   `json:"needsEmbedding"`
}

// TodoRecurrence describes a recurring todo series. RuleJSON holds the
// serialized rule, e.g. {"freq":"daily"}.
type TodoRecurrence struct {
	TodoID          string `json:"todoId"`
	SeriesID        string `json:"seriesId"`
	OccurrenceIndex int64  `json:"occurrenceIndex"`
	RuleJSON        string `json:"ruleJson"`
	CreatedAt       int64  `json:"createdAtMs"`
	UpdatedAt       int64  `json:"updatedAtMs"`
}

// Event is a calendar entry; title is stored encrypted.
type Event struct {
	ID            string `json:"id"`
	Title         string `json:"title"` // decrypted
	StartAtMs     int64  `json:"startAtMs"`
	EndAtMs       int64  `json:"endAtMs"`
	TZ            string `json:"tz"`
	SourceEntryID string `json:"sourceEntryId,omitempty"`
	CreatedAt     int64  `json:"createdAtMs"`
	UpdatedAt     int64  `json:"updatedAtMs"`
}

// Tag is a label; name is stored encrypted per-id. System tags carry a stable
// id of the form system.tag.<key>.
type Tag struct {
	ID        string `json:"id"`
	Name      string `json:"name"` // decrypted
	SystemKey string `json:"systemKey,omitempty"`
	IsSystem  bool   `json:"isSystem"`
	Color     string `json:"color,omitempty"`
	CreatedAt int64  `json:"createdAtMs"`
	UpdatedAt int64  `json:"updatedAtMs"`
}

// Autofill decision values recorded in message_tag_autofill_events.
const (
	AutofillApplied   = "applied"
	AutofillSuggested = "suggested"
	AutofillNone      = "none"
)

// AutofillEvent records one tag autofill decision with its evidence.
type AutofillEvent struct {
	ID           string  `json:"id"`
	MessageID    string  `json:"messageId"`
	Decision     string  `json:"decision"`
	AppliedTagID string  `json:"appliedTagId,omitempty"`
	Confidence   float64 `json:"confidence"`
	EvidenceJSON string  `json:"evidenceJson"`
	CreatedAt    int64   `json:"createdAtMs"`
}

// SemanticParseJob tracks parsing a user message into a structured action,
// with bookkeeping so an undo can reverse the applied action exactly once.
type SemanticParseJob struct {
	ID                    string `json:"id"`
	MessageID             string `json:"messageId"`
	Status                string `json:"status"`
	Attempts              int    `json:"attempts"`
	NextRetryAt           int64  `json:"nextRetryAt,omitempty"`
	LastError             string `json:"lastError,omitempty"`
	AppliedActionKind     string `json:"appliedActionKind,omitempty"`
	AppliedTodoID         string `json:"appliedTodoId,omitempty"`
	AppliedTodoTitle      string `json:"appliedTodoTitle,omitempty"`
	AppliedPrevTodoStatus string `json:"appliedPrevTodoStatus,omitempty"`
	UndoneAtMs            int64  `json:"undoneAtMs,omitempty"`
	CreatedAt             int64  `json:"createdAtMs"`
	UpdatedAt             int64  `json:"updatedAtMs"`
}

// OplogEntry is one row of the per-device append-only ledger. OpJSON is the
// encrypted envelope as stored; decode through Store.DecryptOp.
type OplogEntry struct {
	OpID      string `json:"opId"`
	DeviceID  string `json:"deviceId"`
	Seq       int64  `json:"seq"`
	OpJSON    []byte `json:"-"`
	CreatedAt int64  `json:"createdAtMs"`
}
