package store

import "time"

// AccountState tracks the liveness of an account's connection to its
// provider. Transitions happen only through the sync manager's liveness
// monitor; Invalid is terminal until credentials are refreshed externally.
type AccountState string

const (
	AccountLive    AccountState = "live"
	AccountDown    AccountState = "down"
	AccountInvalid AccountState = "invalid"
)

// Account is a synced email account.
type Account struct {
	ID              int64        `db:"id"`
	NamespaceID     int64        `db:"namespace_id"`
	Email           string       `db:"email"`
	Provider        string       `db:"provider"`
	State           AccountState `db:"state"`
	SyncShouldRun   bool         `db:"sync_should_run"`
	SyncEmail       bool         `db:"sync_email"`
	DesiredSyncHost *string      `db:"desired_sync_host"`
	CreatedAt       time.Time    `db:"created_at"`
}

// Folder is a remote IMAP mailbox tracked for an account. Folder names are
// byte-exact; the server decides case sensitivity, so we never fold case.
type Folder struct {
	ID               int64      `db:"id"`
	AccountID        int64      `db:"account_id"`
	Name             string     `db:"name"`
	SyncShouldRun    bool       `db:"sync_should_run"`
	InitialSyncStart *time.Time `db:"initial_sync_start"`
	InitialSyncEnd   *time.Time `db:"initial_sync_end"`
}

// Cursor is the per-folder sync position. HighestModSeq is monotonically
// non-decreasing; a UIDValidity change invalidates every cached UID for the
// folder. FetchedMin/FetchedMax bound the backfill window already covered.
type Cursor struct {
	FolderID        int64      `db:"folder_id"`
	UIDValidity     uint32     `db:"uidvalidity"`
	UIDNext         uint32     `db:"uidnext"`
	HighestModSeq   uint64     `db:"highestmodseq"`
	FetchedMin      *uint32    `db:"fetchedmin"`
	FetchedMax      *uint32    `db:"fetchedmax"`
	LastSlowRefresh *time.Time `db:"last_slow_refresh"`
}

// ImapUID links a remote (folder, UID) pair to a local message. Both
// foreign keys are required: a UID row with no linked message is invalid
// state and the store never produces one.
type ImapUID struct {
	FolderID   int64  `db:"folder_id"`
	MsgUID     uint32 `db:"msg_uid"`
	MessageID  int64  `db:"message_id"`
	ExtraFlags string `db:"extra_flags"`
}

// Message is a locally materialized mail message. Deletion is two-phase:
// DeletedAt marks the tombstone, PurgeDeleted removes the row later.
type Message struct {
	ID           int64      `db:"id"`
	PublicID     string     `db:"public_id"`
	NamespaceID  int64      `db:"namespace_id"`
	ThreadID     int64      `db:"thread_id"`
	Subject      string     `db:"subject"`
	MessageIDHdr string     `db:"message_id_header"`
	ReceivedDate time.Time  `db:"received_date"`
	IsDraft      bool       `db:"is_draft"`
	DecodeError  bool       `db:"decode_error"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

// Thread groups messages. Under the one-message-per-thread policy every
// message is the sole member of its thread; RecentDate and SubjectDate are
// derived from the message at creation and never user-set.
type Thread struct {
	ID          int64      `db:"id"`
	PublicID    string     `db:"public_id"`
	NamespaceID int64      `db:"namespace_id"`
	Subject     string     `db:"subject"`
	RecentDate  time.Time  `db:"recentdate"`
	SubjectDate time.Time  `db:"subjectdate"`
	DeletedAt   *time.Time `db:"deleted_at"`
}

// ActionType identifies a locally-initiated mutation to replay remotely.
type ActionType string

const (
	ActionArchive ActionType = "archive"
	ActionMove    ActionType = "move"
	ActionDelete  ActionType = "delete"
)

// ActionStatus is the lifecycle state of an action log entry. Succeeded and
// Failed are terminal.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
)

// ActionLogEntry is a durable work item for the dispatcher. The log is
// append-only except for status/retries updates.
type ActionLogEntry struct {
	ID             int64        `db:"id"`
	NamespaceID    int64        `db:"namespace_id"`
	ObjectPublicID string       `db:"object_public_id"`
	Type           ActionType   `db:"type"`
	Status         ActionStatus `db:"status"`
	Retries        int          `db:"retries"`
	ExtraArgs      string       `db:"extra_args"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

// Terminal reports whether the entry has reached a final status.
func (e *ActionLogEntry) Terminal() bool {
	return e.Status == ActionSucceeded || e.Status == ActionFailed
}
