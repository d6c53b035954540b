// Package transaction defines the shared vocabulary of the OrderMesh 2PC
// protocol: transaction and participant state machines, the prepare vote, and
// the wire payloads exchanged between the broker and supplier services.
package transaction

import "time"

// Status represents the global state of a distributed transaction as tracked
// by the coordinator. The sequence is monotonic: INIT -> PREPARED ->
// COMMITTING -> {COMMITTED | ABORTED}, with a single shortcut INIT -> ABORTED
// when a participant declines during the prepare phase.
type Status string

const (
	StatusInit               Status = "INIT"                // Transaction created, no participant contacted yet
	StatusPrepared           Status = "PREPARED"            // Every participant voted YES
	StatusCommitting         Status = "COMMITTING"          // Commit phase in progress
	StatusCommitted          Status = "COMMITTED"           // Every contacted participant committed
	StatusAborted            Status = "ABORTED"             // Transaction rolled back (or never fully prepared)
	StatusPartiallyCommitted Status = "PARTIALLY_COMMITTED" // Commit phase failed after at least one participant committed
)

// Terminal reports whether no further status transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusAborted, StatusPartiallyCommitted:
		return true
	}
	return false
}

// ParticipantStatus tracks one supplier's progress within a transaction.
// Transitions: PARTICIPATING -> PREPARED -> {COMMITTED | ABORTED}, or
// PARTICIPATING -> ABORTED directly on a prepare failure.
type ParticipantStatus string

const (
	ParticipantParticipating ParticipantStatus = "PARTICIPATING"
	ParticipantPrepared      ParticipantStatus = "PREPARED"
	ParticipantCommitted     ParticipantStatus = "COMMITTED"
	ParticipantAborted       ParticipantStatus = "ABORTED"
)

// VoteReason says why a participant voted the way it did. Every failure mode
// of the prepare call collapses into a NO vote, but the reason is kept so the
// outcome is exhaustive and testable rather than an opaque error chain.
type VoteReason string

const (
	ReasonOK                VoteReason = "OK"                 // YES vote
	ReasonInsufficientStock VoteReason = "INSUFFICIENT_STOCK" // 400 from the supplier
	ReasonUnknownProduct    VoteReason = "UNKNOWN_PRODUCT"    // 404 from the supplier
	ReasonDuplicateTxID     VoteReason = "DUPLICATE_TX_ID"    // 409 from the supplier
	ReasonTransportError    VoteReason = "TRANSPORT_ERROR"    // timeout, connection failure, malformed response
	ReasonRejected          VoteReason = "REJECTED"           // any other non-success status
)

// Vote is the tagged outcome of one prepare call.
type Vote struct {
	Yes    bool
	Reason VoteReason
	Detail string // supplier-provided message, for logs only
}

// VoteYes is the single YES outcome.
func VoteYes() Vote { return Vote{Yes: true, Reason: ReasonOK} }

// VoteNo builds a NO outcome with the given reason.
func VoteNo(reason VoteReason, detail string) Vote {
	return Vote{Yes: false, Reason: reason, Detail: detail}
}

// LineItem is one ordered product as handed to the coordinator by the
// checkout collaborator. SupplierID is 1-based and must resolve to a
// configured supplier base URL.
type LineItem struct {
	ProductID  int64 `json:"productId"`
	Quantity   int   `json:"quantity"`
	SupplierID int   `json:"supplierId"`
}

// PrepareItem is one product line inside a prepare request. The supplier id
// is implicit: a prepare request only ever carries one supplier's items.
type PrepareItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// PrepareRequest is the body of POST /transaction/prepare/{transactionId}.
type PrepareRequest struct {
	TransactionID string        `json:"transactionId"`
	Items         []PrepareItem `json:"items"`
}

// Record is the coordinator's durable view of one transaction.
type Record struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ParticipantRecord is the coordinator's durable view of one (transaction,
// supplier) pair.
type ParticipantRecord struct {
	ID            int64             `json:"id"`
	TransactionID string            `json:"transactionId"`
	SupplierID    int               `json:"supplierId"`
	Address       string            `json:"participantAddress"`
	Status        ParticipantStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}
