package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/ordermesh/core/transaction"
	"github.com/sushant-115/ordermesh/pkg/connection"
)

// Outcomes surfaced to the checkout collaborator. ErrTransactionAborted means
// no supplier's stock changed; ErrPartiallyCommitted means the commit phase
// failed after at least one supplier had already applied its decrement, which
// is a real inconsistency the caller must not mistake for a clean abort.
var (
	ErrTransactionAborted   = errors.New("distributed transaction aborted")
	ErrPartiallyCommitted   = errors.New("distributed transaction partially committed")
	ErrNoItems              = errors.New("no items to order")
	ErrUnresolvableSupplier = errors.New("unresolvable supplier id")
)

// Config tunes the coordinator.
type Config struct {
	// ParallelPrepare fans the prepare phase out to all suppliers at once
	// instead of the default strictly sequential loop. The parallel variant
	// contacts every supplier (no early exit on the first NO vote), so
	// suppliers that would never have been reached sequentially may stage and
	// then receive a rollback. Default false.
	ParallelPrepare bool
}

// Coordinator drives one distributed order transaction from a line-item list
// to a definitive outcome, persisting every state transition to the
// coordinator log before the next network call.
type Coordinator struct {
	cfg       Config
	directory *connection.Directory
	log       *Log
	logger    *zap.Logger

	transactions metric.Int64Counter
	votes        metric.Int64Counter
}

// New wires a coordinator over the supplier directory and coordinator log.
func New(cfg Config, dir *connection.Directory, log *Log, logger *zap.Logger, meter metric.Meter) (*Coordinator, error) {
	transactions, err := meter.Int64Counter("ordermesh.coordinator.transactions_total",
		metric.WithDescription("Distributed transactions driven, by final status."))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions counter: %w", err)
	}
	votes, err := meter.Int64Counter("ordermesh.coordinator.votes_total",
		metric.WithDescription("Prepare votes observed, by reason."))
	if err != nil {
		return nil, fmt.Errorf("failed to create votes counter: %w", err)
	}
	return &Coordinator{
		cfg:          cfg,
		directory:    dir,
		log:          log,
		logger:       logger,
		transactions: transactions,
		votes:        votes,
	}, nil
}

// participantState tracks one supplier group through the protocol.
type participantState struct {
	supplierID int
	baseURL    string
	items      []transaction.PrepareItem
	recordID   int64
	prepared   bool
}

// ExecuteTransaction runs the full 2PC protocol for the given line items and
// returns the transaction id. A nil error means every supplier committed; the
// caller may then persist the order. ErrTransactionAborted and
// ErrPartiallyCommitted report the two failure outcomes after all bookkeeping
// is finalized.
func (c *Coordinator) ExecuteTransaction(ctx context.Context, items []transaction.LineItem) (string, error) {
	if len(items) == 0 {
		return "", ErrNoItems
	}

	// Precondition: every supplier id must resolve before the protocol
	// starts. A bad id here is a caller error, not a NO vote.
	groups, err := c.groupBySupplier(items)
	if err != nil {
		return "", err
	}

	txID := uuid.NewString()
	log := c.logger.With(zap.String("txn", txID))
	log.Info("Starting distributed transaction",
		zap.Int("items", len(items)),
		zap.Int("suppliers", len(groups)))

	// Durability before action: the INIT record reaches disk before any
	// supplier is contacted.
	if err := c.log.CreateTransaction(txID); err != nil {
		return "", fmt.Errorf("failed to persist transaction: %w", err)
	}

	var abort bool
	if c.cfg.ParallelPrepare {
		abort, err = c.preparePhaseParallel(ctx, txID, groups, log)
	} else {
		abort, err = c.preparePhaseSequential(ctx, txID, groups, log)
	}
	if err != nil {
		return txID, err
	}

	if abort {
		c.abortPhase(ctx, txID, groups, log)
		c.transactions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(transaction.StatusAborted))))
		log.Warn("Transaction aborted")
		return txID, ErrTransactionAborted
	}

	status, err := c.commitPhase(ctx, txID, groups, log)
	c.transactions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	return txID, err
}

// groupBySupplier buckets line items per supplier, resolving each supplier's
// address, and returns the groups in ascending supplier-id order so the
// contact order is deterministic.
func (c *Coordinator) groupBySupplier(items []transaction.LineItem) ([]*participantState, error) {
	bySupplier := make(map[int]*participantState)
	for _, item := range items {
		state, ok := bySupplier[item.SupplierID]
		if !ok {
			baseURL, err := c.directory.Resolve(item.SupplierID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnresolvableSupplier, err)
			}
			state = &participantState{supplierID: item.SupplierID, baseURL: baseURL}
			bySupplier[item.SupplierID] = state
		}
		state.items = append(state.items, transaction.PrepareItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	groups := make([]*participantState, 0, len(bySupplier))
	for _, state := range bySupplier {
		groups = append(groups, state)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].supplierID < groups[j].supplierID })
	return groups, nil
}

// preparePhaseSequential contacts suppliers one at a time, stopping at the
// first NO vote. Suppliers never contacted hold no stake and are not sent an
// abort.
func (c *Coordinator) preparePhaseSequential(ctx context.Context, txID string, groups []*participantState, log *zap.Logger) (abort bool, err error) {
	for _, state := range groups {
		if err := c.registerParticipant(txID, state); err != nil {
			return false, err
		}

		vote := c.sendPrepare(ctx, txID, state)
		c.recordVote(ctx, txID, state, vote, log)

		if !vote.Yes {
			if err := c.log.SetTransactionStatus(txID, transaction.StatusAborted); err != nil {
				return false, fmt.Errorf("failed to persist abort: %w", err)
			}
			log.Warn("Aborting early after NO vote",
				zap.Int("supplier", state.supplierID),
				zap.String("reason", string(vote.Reason)))
			return true, nil
		}
	}
	return false, nil
}

// preparePhaseParallel contacts every supplier concurrently and aggregates
// all votes before deciding. No early exit: a NO vote does not prevent the
// remaining prepares from completing, so every YES voter is known and gets a
// rollback.
func (c *Coordinator) preparePhaseParallel(ctx context.Context, txID string, groups []*participantState, log *zap.Logger) (abort bool, err error) {
	for _, state := range groups {
		if err := c.registerParticipant(txID, state); err != nil {
			return false, err
		}
	}

	votes := make([]transaction.Vote, len(groups))
	var wg sync.WaitGroup
	for i, state := range groups {
		wg.Add(1)
		go func(i int, state *participantState) {
			defer wg.Done()
			votes[i] = c.sendPrepare(ctx, txID, state)
		}(i, state)
	}
	wg.Wait()

	for i, state := range groups {
		c.recordVote(ctx, txID, state, votes[i], log)
		if !votes[i].Yes {
			abort = true
		}
	}
	if abort {
		if err := c.log.SetTransactionStatus(txID, transaction.StatusAborted); err != nil {
			return false, fmt.Errorf("failed to persist abort: %w", err)
		}
	}
	return abort, nil
}

// registerParticipant persists the PARTICIPATING record for a supplier before
// it is contacted.
func (c *Coordinator) registerParticipant(txID string, state *participantState) error {
	recordID, err := c.log.AddParticipant(txID, state.supplierID, state.baseURL)
	if err != nil {
		return fmt.Errorf("failed to persist participant record: %w", err)
	}
	state.recordID = recordID
	return nil
}

// recordVote persists the participant transition implied by a vote.
func (c *Coordinator) recordVote(ctx context.Context, txID string, state *participantState, vote transaction.Vote, log *zap.Logger) {
	c.votes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(vote.Reason))))
	if vote.Yes {
		state.prepared = true
		if err := c.log.SetParticipantStatus(txID, state.recordID, transaction.ParticipantPrepared); err != nil {
			log.Error("Failed to persist participant PREPARED", zap.Error(err))
		}
		log.Info("Supplier voted YES",
			zap.Int("supplier", state.supplierID),
			zap.String("address", state.baseURL))
		return
	}
	if err := c.log.SetParticipantStatus(txID, state.recordID, transaction.ParticipantAborted); err != nil {
		log.Error("Failed to persist participant ABORTED", zap.Error(err))
	}
	log.Warn("Supplier voted NO",
		zap.Int("supplier", state.supplierID),
		zap.String("address", state.baseURL),
		zap.String("reason", string(vote.Reason)),
		zap.String("detail", vote.Detail))
}

// commitPhase drives phase 2 for a fully prepared transaction and finalizes
// the global status.
func (c *Coordinator) commitPhase(ctx context.Context, txID string, groups []*participantState, log *zap.Logger) (transaction.Status, error) {
	if err := c.log.SetTransactionStatus(txID, transaction.StatusPrepared); err != nil {
		return transaction.StatusPrepared, fmt.Errorf("failed to persist PREPARED: %w", err)
	}
	if err := c.log.SetTransactionStatus(txID, transaction.StatusCommitting); err != nil {
		return transaction.StatusCommitting, fmt.Errorf("failed to persist COMMITTING: %w", err)
	}
	log.Info("All suppliers prepared, committing")

	committed := 0
	failed := false
	for _, state := range groups {
		if !state.prepared {
			continue
		}
		url := fmt.Sprintf("%s/transaction/commit/%s", state.baseURL, txID)
		if err := c.post(ctx, url); err != nil {
			failed = true
			log.Error("Commit call failed; participant left unresolved",
				zap.Int("supplier", state.supplierID),
				zap.Error(err))
			if err := c.log.SetParticipantStatus(txID, state.recordID, transaction.ParticipantAborted); err != nil {
				log.Error("Failed to persist participant ABORTED", zap.Error(err))
			}
			continue
		}
		committed++
		if err := c.log.SetParticipantStatus(txID, state.recordID, transaction.ParticipantCommitted); err != nil {
			log.Error("Failed to persist participant COMMITTED", zap.Error(err))
		}
		log.Info("Supplier committed", zap.Int("supplier", state.supplierID))
	}

	switch {
	case !failed:
		if err := c.log.SetTransactionStatus(txID, transaction.StatusCommitted); err != nil {
			return transaction.StatusCommitting, fmt.Errorf("failed to persist COMMITTED: %w", err)
		}
		log.Info("Transaction committed")
		return transaction.StatusCommitted, nil
	case committed > 0:
		// Some suppliers applied their decrement and at least one did not.
		// Surface this as its own outcome; it is not an abort, and committed
		// suppliers are not compensated.
		if err := c.log.SetTransactionStatus(txID, transaction.StatusPartiallyCommitted); err != nil {
			return transaction.StatusCommitting, fmt.Errorf("failed to persist PARTIALLY_COMMITTED: %w", err)
		}
		log.Error("Transaction partially committed",
			zap.Int("committed", committed))
		return transaction.StatusPartiallyCommitted, ErrPartiallyCommitted
	default:
		if err := c.log.SetTransactionStatus(txID, transaction.StatusAborted); err != nil {
			return transaction.StatusCommitting, fmt.Errorf("failed to persist ABORTED: %w", err)
		}
		log.Warn("Transaction aborted during commit phase")
		return transaction.StatusAborted, ErrTransactionAborted
	}
}

// abortPhase sends a rollback to every supplier that voted YES before the NO
// vote was seen. Rollback call failures are logged and ignored: the
// participant is marked ABORTED in the coordinator's bookkeeping regardless.
func (c *Coordinator) abortPhase(ctx context.Context, txID string, groups []*participantState, log *zap.Logger) {
	for _, state := range groups {
		if !state.prepared {
			continue
		}
		url := fmt.Sprintf("%s/transaction/rollback/%s", state.baseURL, txID)
		if err := c.post(ctx, url); err != nil {
			log.Error("Rollback call failed",
				zap.Int("supplier", state.supplierID),
				zap.Error(err))
		} else {
			log.Info("Supplier rolled back", zap.Int("supplier", state.supplierID))
		}
		if err := c.log.SetParticipantStatus(txID, state.recordID, transaction.ParticipantAborted); err != nil {
			log.Error("Failed to persist participant ABORTED", zap.Error(err))
		}
	}
}

// sendPrepare issues one prepare call and interprets the result as a vote.
// Every failure mode (non-success status, timeout, connection failure,
// malformed response) becomes a NO vote with a reason code; nothing escapes
// as an error.
func (c *Coordinator) sendPrepare(ctx context.Context, txID string, state *participantState) transaction.Vote {
	body, err := json.Marshal(transaction.PrepareRequest{TransactionID: txID, Items: state.items})
	if err != nil {
		return transaction.VoteNo(transaction.ReasonTransportError, err.Error())
	}

	url := fmt.Sprintf("%s/transaction/prepare/%s", state.baseURL, txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return transaction.VoteNo(transaction.ReasonTransportError, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.directory.Client().Do(req)
	if err != nil {
		return transaction.VoteNo(transaction.ReasonTransportError, err.Error())
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusOK:
		return transaction.VoteYes()
	case http.StatusBadRequest:
		return transaction.VoteNo(transaction.ReasonInsufficientStock, string(detail))
	case http.StatusNotFound:
		return transaction.VoteNo(transaction.ReasonUnknownProduct, string(detail))
	case http.StatusConflict:
		return transaction.VoteNo(transaction.ReasonDuplicateTxID, string(detail))
	default:
		return transaction.VoteNo(transaction.ReasonRejected,
			fmt.Sprintf("status %d: %s", resp.StatusCode, detail))
	}
}

// post issues an empty-bodied POST and treats any non-2xx status as an error.
// Used for commit and rollback calls.
func (c *Coordinator) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.directory.Client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
