package members

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Service implements the member registry.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	validator *validator.Validate
	now       func() time.Time
}

// NewService builds Service instance.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, validator: NewValidator(), now: time.Now}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Register creates a member and assigns the next member number.
func (s *Service) Register(ctx context.Context, actor shared.Actor, in Input) (Member, error) {
	if err := rbac.Authorize(actor, rbac.PermMembersEdit); err != nil {
		return Member{}, err
	}
	draft, err := s.prepare(in)
	if err != nil {
		return Member{}, err
	}
	now := s.now()
	draft.Status = StatusActive
	draft.RegisteredAt = now

	var created Member
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		taken, err := tx.IdentityDocumentTaken(ctx, draft.IdentityDocument, 0)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: identity document already registered", shared.ErrValidation)
		}
		if err := checkUser(ctx, tx, draft.UserID); err != nil {
			return err
		}
		seq, err := tx.NextMemberSeq(ctx)
		if err != nil {
			return err
		}
		draft.Seq = seq
		draft.Number = FormatNumber(now.Year(), seq)
		created, err = tx.InsertMember(ctx, draft)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "member.create", "member", created.ID, map[string]any{
			"new": snapshot(created),
		}, now))
	})
	if err != nil {
		return Member{}, err
	}
	s.logger.Info("member registered", slog.Int64("member_id", created.ID), slog.String("member_number", created.Number))
	return created, nil
}

// Update replaces the writable fields of a member. Number and status are kept.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, in Input) (Member, error) {
	if err := rbac.Authorize(actor, rbac.PermMembersEdit); err != nil {
		return Member{}, err
	}
	draft, err := s.prepare(in)
	if err != nil {
		return Member{}, err
	}
	var updated Member
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetMemberForUpdate(ctx, id)
		if err != nil {
			return err
		}
		taken, err := tx.IdentityDocumentTaken(ctx, draft.IdentityDocument, id)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: identity document already registered", shared.ErrValidation)
		}
		if err := checkUser(ctx, tx, draft.UserID); err != nil {
			return err
		}
		next := current
		next.IdentityDocument = draft.IdentityDocument
		next.FirstName = draft.FirstName
		next.LastName = draft.LastName
		next.Email = draft.Email
		next.Phone = draft.Phone
		next.Address = draft.Address
		next.BirthDate = draft.BirthDate
		next.UserID = draft.UserID
		updated, err = tx.UpdateMember(ctx, next)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "member.update", "member", id, map[string]any{
			"old": snapshot(current),
			"new": snapshot(updated),
		}, s.now()))
	})
	if err != nil {
		return Member{}, err
	}
	return updated, nil
}

// ChangeStatus moves a member between ACTIVE, INACTIVE and SUSPENDED.
func (s *Service) ChangeStatus(ctx context.Context, actor shared.Actor, id int64, status Status) (Member, error) {
	if err := rbac.Authorize(actor, rbac.PermMembersEdit); err != nil {
		return Member{}, err
	}
	if !status.Valid() {
		return Member{}, fmt.Errorf("%w: unknown member status %q", shared.ErrValidation, status)
	}
	var updated Member
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetMemberForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next := current
		next.Status = status
		updated, err = tx.UpdateMember(ctx, next)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "member.status", "member", id, map[string]any{
			"old": map[string]any{"status": current.Status},
			"new": map[string]any{"status": updated.Status},
		}, s.now()))
	})
	if err != nil {
		return Member{}, err
	}
	return updated, nil
}

// Get returns a single member.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Member, error) {
	if err := rbac.Authorize(actor, rbac.PermMembersView); err != nil {
		return Member{}, err
	}
	return s.repo.Get(ctx, id)
}

// Search matches the query case-insensitively against member number,
// identity document and names. Results are ordered by member number.
func (s *Service) Search(ctx context.Context, actor shared.Actor, q SearchQuery) ([]Member, shared.Pagination, error) {
	if err := rbac.Authorize(actor, rbac.PermMembersView); err != nil {
		return nil, shared.Pagination{}, err
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown member status %q", shared.ErrValidation, q.Status)
	}
	q.Query = normalizeText(q.Query)
	q.Page, q.PageSize = shared.NormalizePage(q.Page, q.PageSize)
	list, total, err := s.repo.Search(ctx, q)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(q.Page, q.PageSize, total), nil
}

// EnsureMember returns the member holding document, registering it from in
// when absent. Used at startup for the mutual aid fund holder.
func (s *Service) EnsureMember(ctx context.Context, in Input) (Member, error) {
	existing, err := s.repo.FindByIdentityDocument(ctx, strings.ToUpper(strings.TrimSpace(in.IdentityDocument)))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Member{}, err
	}
	return s.Register(ctx, rbac.SystemActor(), in)
}

func (s *Service) prepare(in Input) (Member, error) {
	in.IdentityDocument = strings.ToUpper(strings.TrimSpace(in.IdentityDocument))
	in.FirstName = normalizeText(in.FirstName)
	in.LastName = normalizeText(in.LastName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Address = normalizeText(in.Address)
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return Member{}, err
	}
	birth, err := time.Parse(time.DateOnly, in.BirthDate)
	if err != nil {
		return Member{}, fmt.Errorf("%w: birth_date must be YYYY-MM-DD", shared.ErrValidation)
	}
	if !birth.Before(s.now()) {
		return Member{}, fmt.Errorf("%w: birth_date must be in the past", shared.ErrValidation)
	}
	return Member{
		IdentityDocument: in.IdentityDocument,
		FirstName:        in.FirstName,
		LastName:         in.LastName,
		Email:            in.Email,
		Phone:            in.Phone,
		Address:          in.Address,
		BirthDate:        birth,
		UserID:           in.UserID,
	}, nil
}

func checkUser(ctx context.Context, tx TxRepository, userID *int64) error {
	if userID == nil {
		return nil
	}
	ok, err := tx.UserExists(ctx, *userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d: %w", *userID, shared.ErrNotFound)
	}
	return nil
}

// normalizeText trims and composes to NFC so visually equal names compare equal.
func normalizeText(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

func snapshot(m Member) map[string]any {
	return map[string]any{
		"member_number":     m.Number,
		"identity_document": m.IdentityDocument,
		"first_name":        m.FirstName,
		"last_name":         m.LastName,
		"email":             m.Email,
		"phone":             m.Phone,
		"address":           m.Address,
		"birth_date":        m.BirthDate.Format(time.DateOnly),
		"status":            m.Status,
		"user_id":           m.UserID,
	}
}
