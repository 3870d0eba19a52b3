package counts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/vouchers"
)

// TxRepository exposes the transactional count operations.
type TxRepository interface {
	// NextCode advances the company's count sequence and returns the
	// formatted code.
	NextCode(ctx context.Context, companyID int64) (string, error)
	InsertCount(ctx context.Context, count Count) (int64, error)
	InsertItems(ctx context.Context, countID int64, items []CountItem) error
	GetCountForUpdate(ctx context.Context, id int64) (Count, error)
	ListItems(ctx context.Context, countID int64) ([]CountItem, error)
	DeleteItems(ctx context.Context, countID int64) error
	UpdateHeader(ctx context.Context, id int64, countDate time.Time, totalVariance int64) error
	DeleteCount(ctx context.Context, id int64) error
	MarkPosted(ctx context.Context, id int64, postedAt time.Time) error
	// Ledger exposes the stock engine bound to the same transaction.
	Ledger() ledger.Tx
	// Vouchers exposes the voucher writer bound to the same transaction.
	Vouchers() vouchers.TxRepository
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Count, error)
	List(ctx context.Context, filter ListFilter) ([]Count, int, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records posted counts.
type MetricsPort interface {
	ObserveCountPosted()
}

// ListFilter narrows count listings.
type ListFilter struct {
	CompanyID int64
	StoreID   int64
	Status    Status
	Page      int
	PerPage   int
}

// PostResult reports the vouchers a posting produced.
type PostResult struct {
	Count          Count             `json:"count"`
	ReceiptVoucher *vouchers.Voucher `json:"receipt_voucher,omitempty"`
	IssueVoucher   *vouchers.Voucher `json:"issue_voucher,omitempty"`
}

// Service coordinates inventory counts. System stock is always snapshotted
// from the ledger at write time, never accepted from the client.
type Service struct {
	repo    RepositoryPort
	ledger  *ledger.Service
	audit   AuditPort
	locker  *redislock.Client
	lockTTL time.Duration
	logger  *slog.Logger
	metrics MetricsPort
}

// NewService builds Service. locker may be nil, in which case posting relies
// on the row lock alone.
func NewService(repo RepositoryPort, lg *ledger.Service, audit AuditPort, locker *redislock.Client, lockTTL time.Duration, logger *slog.Logger, metrics MetricsPort) *Service {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Service{repo: repo, ledger: lg, audit: audit, locker: locker, lockTTL: lockTTL, logger: logger, metrics: metrics}
}

// Get loads one count with its items.
func (s *Service) Get(ctx context.Context, id int64) (Count, error) {
	if id <= 0 {
		return Count{}, shared.ErrValidation
	}
	return s.repo.Get(ctx, id)
}

// List returns count headers matching the filter plus the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Count, int, error) {
	return s.repo.List(ctx, filter)
}

// Create snapshots system stock per line, derives differences and the total
// variance, assigns the next count code and stores the sheet as PENDING.
func (s *Service) Create(ctx context.Context, input CreateInput) (Count, error) {
	if err := validateItems(input.Items); err != nil {
		return Count{}, err
	}
	var count Count
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		branchID, err := tx.Ledger().StoreBranch(ctx, input.StoreID)
		if err != nil {
			return fmt.Errorf("resolve store %d: %w", input.StoreID, err)
		}
		if branchID != input.BranchID {
			return fmt.Errorf("store %d does not belong to branch %d: %w", input.StoreID, input.BranchID, shared.ErrValidation)
		}

		items, err := s.snapshotItems(ctx, tx, input.StoreID, input.Items)
		if err != nil {
			return err
		}

		code, err := tx.NextCode(ctx, input.CompanyID)
		if err != nil {
			return fmt.Errorf("next count code: %w", err)
		}

		countDate := input.CountDate
		if countDate.IsZero() {
			countDate = time.Now()
		}
		count = Count{
			CompanyID:     input.CompanyID,
			BranchID:      input.BranchID,
			StoreID:       input.StoreID,
			UserID:        input.UserID,
			Code:          code,
			Status:        StatusPending,
			CountDate:     countDate,
			TotalVariance: totalVariance(items),
		}
		id, err := tx.InsertCount(ctx, count)
		if err != nil {
			return err
		}
		count.ID = id
		if err := tx.InsertItems(ctx, id, items); err != nil {
			return err
		}
		count.Items = items
		return nil
	})
	if err != nil {
		return Count{}, err
	}
	s.recordAudit(ctx, input.UserID, "count.create", count)
	return count, nil
}

// Update replaces a pending count's line set with freshly snapshotted system
// stock. Posted counts are immutable.
func (s *Service) Update(ctx context.Context, id, actorID int64, input UpdateInput) (Count, error) {
	if id <= 0 {
		return Count{}, shared.ErrValidation
	}
	if err := validateItems(input.Items); err != nil {
		return Count{}, err
	}
	var count Count
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		count, err = tx.GetCountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if count.Status != StatusPending {
			return ErrCountImmutable
		}

		items, err := s.snapshotItems(ctx, tx, count.StoreID, input.Items)
		if err != nil {
			return err
		}
		if err := tx.DeleteItems(ctx, id); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, id, items); err != nil {
			return err
		}

		if !input.CountDate.IsZero() {
			count.CountDate = input.CountDate
		}
		count.TotalVariance = totalVariance(items)
		count.Items = items
		return tx.UpdateHeader(ctx, id, count.CountDate, count.TotalVariance)
	})
	if err != nil {
		return Count{}, err
	}
	s.recordAudit(ctx, actorID, "count.update", count)
	return count, nil
}

// Delete removes a pending count. Posted counts are immutable.
func (s *Service) Delete(ctx context.Context, id, actorID int64) error {
	if id <= 0 {
		return shared.ErrValidation
	}
	var count Count
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		count, err = tx.GetCountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if count.Status != StatusPending {
			return ErrCountImmutable
		}
		if err := tx.DeleteItems(ctx, id); err != nil {
			return err
		}
		return tx.DeleteCount(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "count.delete", count)
	return nil
}

// Post reconciles a pending count in one transaction: all surpluses become
// exactly one receipt voucher and all shortages exactly one issue voucher,
// then the status flips to POSTED. Shortage lines pass the write guard like
// any other issue. Any failure rolls the whole posting back, leaving the
// count PENDING with no partial vouchers.
func (s *Service) Post(ctx context.Context, id, actorID int64) (PostResult, error) {
	if id <= 0 {
		return PostResult{}, shared.ErrValidation
	}
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, shared.CountPostLockKey(id), s.lockTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return PostResult{}, ErrPostLocked
			}
			return PostResult{}, fmt.Errorf("obtain post lock: %w", err)
		}
		defer func() {
			if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.Warn("release post lock", "count_id", id, "error", err)
			}
		}()
	}

	var result PostResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		count, err := tx.GetCountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if count.Status == StatusPosted {
			return ErrAlreadyPosted
		}
		items, err := tx.ListItems(ctx, id)
		if err != nil {
			return err
		}
		count.Items = items

		writer := vouchers.NewWriter(tx.Vouchers(), s.ledger)
		notes := fmt.Sprintf("inventory count %s", count.Code)

		var surplus, shortage []vouchers.LineInput
		for _, item := range items {
			switch {
			case item.Difference > 0:
				surplus = append(surplus, vouchers.LineInput{ItemID: item.ItemID, Quantity: item.Difference, UnitPrice: item.Cost})
			case item.Difference < 0:
				shortage = append(shortage, vouchers.LineInput{ItemID: item.ItemID, Quantity: -item.Difference, UnitPrice: item.Cost})
			}
		}

		if len(surplus) > 0 {
			receipt, err := writer.CreateReceipt(ctx, vouchers.CreateReceiptInput{
				CompanyID: count.CompanyID,
				StoreID:   count.StoreID,
				UserID:    count.UserID,
				Notes:     notes,
				Lines:     surplus,
			})
			if err != nil {
				return fmt.Errorf("post surplus: %w", err)
			}
			result.ReceiptVoucher = &receipt
		}
		if len(shortage) > 0 {
			issue, err := writer.CreateIssue(ctx, vouchers.CreateIssueInput{
				CompanyID: count.CompanyID,
				StoreID:   count.StoreID,
				UserID:    count.UserID,
				Notes:     notes,
				Lines:     shortage,
			})
			if err != nil {
				return fmt.Errorf("post shortage: %w", err)
			}
			result.IssueVoucher = &issue
		}

		postedAt := time.Now()
		if err := tx.MarkPosted(ctx, id, postedAt); err != nil {
			return err
		}
		count.Status = StatusPosted
		count.PostedAt = &postedAt
		result.Count = count
		return nil
	})
	if err != nil {
		return PostResult{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveCountPosted()
	}
	s.recordPostAudit(ctx, actorID, result)
	return result, nil
}

// recordPostAudit links the count to its compensating vouchers under a
// deterministic reference, so repeated inspection of the same posting always
// resolves to one id.
func (s *Service) recordPostAudit(ctx context.Context, actorID int64, result PostResult) {
	if s.audit == nil {
		return
	}
	postRef := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("COUNTPOST:%d", result.Count.ID)))
	meta := map[string]any{
		"code":     result.Count.Code,
		"post_ref": postRef.String(),
	}
	if result.ReceiptVoucher != nil {
		meta["receipt_voucher"] = result.ReceiptVoucher.Number
	}
	if result.IssueVoucher != nil {
		meta["issue_voucher"] = result.IssueVoucher.Number
	}
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   "count.post",
		Entity:   "inventory_count",
		EntityID: strconv.FormatInt(result.Count.ID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit count post", "count", result.Count.Code, "error", err)
	}
}

func (s *Service) snapshotItems(ctx context.Context, tx TxRepository, storeID int64, inputs []ItemInput) ([]CountItem, error) {
	items := make([]CountItem, 0, len(inputs))
	for _, in := range inputs {
		systemStock, err := s.ledger.BalanceTx(ctx, tx.Ledger(), storeID, in.ItemID)
		if err != nil {
			return nil, fmt.Errorf("snapshot item %d: %w", in.ItemID, err)
		}
		items = append(items, CountItem{
			ItemID:      in.ItemID,
			SystemStock: systemStock,
			ActualStock: in.ActualStock,
			Difference:  in.ActualStock - systemStock,
			Cost:        in.Cost,
		})
	}
	return items, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, count Count) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory_count",
		EntityID: strconv.FormatInt(count.ID, 10),
		Meta: map[string]any{
			"code":           count.Code,
			"status":         count.Status,
			"total_variance": count.TotalVariance,
		},
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit count", "count", count.Code, "error", err)
	}
}
