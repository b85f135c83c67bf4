package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/members"
	"github.com/caja-rds/caja-rds/internal/users"
)

type adminEnsurer interface {
	EnsureAdmin(ctx context.Context, admin users.BootstrapAdmin) (bool, error)
}

type memberEnsurer interface {
	EnsureMember(ctx context.Context, in members.Input) (members.Member, error)
}

type poolEnsurer interface {
	EnsurePool(ctx context.Context, holderMemberID int64) (ledger.Account, error)
}

// Seeds groups the services touched when seeding first-start data.
type Seeds struct {
	Users     adminEnsurer
	Members   memberEnsurer
	MutualAid poolEnsurer
}

// Seed creates the bootstrap administrator, the fund holder member and the
// pooled mutual aid account. Every step is idempotent.
func Seed(ctx context.Context, cfg *Config, seeds Seeds, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	created, err := seeds.Users.EnsureAdmin(ctx, users.BootstrapAdmin{
		Username: cfg.BootstrapAdminUsername,
		Email:    cfg.BootstrapAdminEmail,
		Password: cfg.BootstrapAdminPassword,
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		logger.Warn("bootstrap administrator created, change its password", slog.String("username", cfg.BootstrapAdminUsername))
	}

	holder, err := seeds.Members.EnsureMember(ctx, members.Input{
		IdentityDocument: cfg.MutualAidFundDocument,
		FirstName:        "Fondo",
		LastName:         "Ayuda Mutua",
		Email:            cfg.MutualAidFundEmail,
		BirthDate:        "2000-01-01",
	})
	if err != nil {
		return fmt.Errorf("fund holder: %w", err)
	}
	if _, err := seeds.MutualAid.EnsurePool(ctx, holder.ID); err != nil {
		return fmt.Errorf("mutual aid pool: %w", err)
	}
	return nil
}
