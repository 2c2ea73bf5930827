// Package operators seeds operator accounts. A fresh deployment has an empty
// operators table and every tool endpoint requires auth, so the first account
// has to come from somewhere other than the API itself.
package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository"
	"github.com/cutover-io/cutover/pkg/crypto"
)

// Bootstrap ensures the named operator exists, creating it with the given
// password when missing. An existing account is left untouched: the bootstrap
// credentials only ever open the door, they never rotate a password. Empty
// name or password skips seeding entirely.
func Bootstrap(ctx context.Context, repo repository.OperatorRepository, log *slog.Logger, name, password string) error {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return nil
	}
	if _, err := repo.GetOperatorByName(ctx, name); err == nil {
		log.Info("bootstrap operator already present", "name", name)
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("look up bootstrap operator: %w", err)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	operator := &domain.Operator{
		ID:           uuid.NewString(),
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.CreateOperator(ctx, operator); err != nil {
		return fmt.Errorf("create bootstrap operator: %w", err)
	}
	log.Info("bootstrap operator created", "name", name)
	return nil
}
