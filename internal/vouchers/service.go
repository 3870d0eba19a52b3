package vouchers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Voucher, error)
	List(ctx context.Context, filter ListFilter) ([]Voucher, int, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ListFilter narrows voucher listings.
type ListFilter struct {
	CompanyID int64
	Type      Type
	StoreID   int64
	Page      int
	PerPage   int
}

// Service coordinates voucher writes: each create or edit opens one
// transaction in which the write guard and the document insert see the same
// snapshot.
type Service struct {
	repo        RepositoryPort
	ledger      *ledger.Service
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	logger      *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, lg *ledger.Service, audit AuditPort, idem *shared.IdempotencyStore, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: lg, audit: audit, idempotency: idem, logger: logger}
}

// Get loads one voucher with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Voucher, error) {
	if id <= 0 {
		return Voucher{}, shared.ErrValidation
	}
	return s.repo.Get(ctx, id)
}

// List returns voucher headers matching the filter plus the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Voucher, int, error) {
	return s.repo.List(ctx, filter)
}

// CreateReceipt writes a receipt voucher.
func (s *Service) CreateReceipt(ctx context.Context, input CreateReceiptInput, idemKey string) (Voucher, error) {
	if err := s.claimKey(ctx, idemKey); err != nil {
		return Voucher{}, err
	}
	var voucher Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = NewWriter(tx, s.ledger).CreateReceipt(ctx, input)
		return err
	})
	if err != nil {
		s.releaseKey(ctx, idemKey)
		return Voucher{}, err
	}
	s.recordAudit(ctx, input.UserID, "voucher.receipt.create", voucher)
	return voucher, nil
}

// CreateIssue writes an issue voucher; the write guard rejects it when any
// line would drive the store balance negative.
func (s *Service) CreateIssue(ctx context.Context, input CreateIssueInput, idemKey string) (Voucher, error) {
	if err := s.claimKey(ctx, idemKey); err != nil {
		return Voucher{}, err
	}
	var voucher Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = NewWriter(tx, s.ledger).CreateIssue(ctx, input)
		return err
	})
	if err != nil {
		s.releaseKey(ctx, idemKey)
		return Voucher{}, err
	}
	s.recordAudit(ctx, input.UserID, "voucher.issue.create", voucher)
	return voucher, nil
}

// CreateTransfer writes a transfer voucher guarded on the source store only.
func (s *Service) CreateTransfer(ctx context.Context, input CreateTransferInput, idemKey string) (Voucher, error) {
	if err := s.claimKey(ctx, idemKey); err != nil {
		return Voucher{}, err
	}
	var voucher Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = NewWriter(tx, s.ledger).CreateTransfer(ctx, input)
		return err
	})
	if err != nil {
		s.releaseKey(ctx, idemKey)
		return Voucher{}, err
	}
	s.recordAudit(ctx, input.UserID, "voucher.transfer.create", voucher)
	return voucher, nil
}

// UpdateLines replaces a voucher's full line set. Only the positive net
// per-item increase is re-checked against the debited store.
func (s *Service) UpdateLines(ctx context.Context, voucherID, actorID int64, lines []LineInput) (Voucher, error) {
	if voucherID <= 0 {
		return Voucher{}, shared.ErrValidation
	}
	var voucher Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = NewWriter(tx, s.ledger).ReplaceLines(ctx, voucherID, lines)
		return err
	})
	if err != nil {
		return Voucher{}, err
	}
	s.recordAudit(ctx, actorID, "voucher.lines.replace", voucher)
	return voucher, nil
}

func (s *Service) claimKey(ctx context.Context, key string) error {
	if key == "" || s.idempotency == nil {
		return nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "vouchers"); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	return nil
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		s.logger.Warn("release idempotency key", "key", key, "error", err)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, voucher Voucher) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_voucher",
		EntityID: strconv.FormatInt(voucher.ID, 10),
		Meta: map[string]any{
			"number": voucher.Number,
			"type":   voucher.Type,
			"lines":  len(voucher.Lines),
		},
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit voucher", "voucher", voucher.Number, "error", err)
	}
}
