package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// IdentityRepository resolves channel addresses against the platform's
// account lookup tables. The role column tags which account table the id
// belongs to; this service never joins into those tables itself.
type IdentityRepository struct {
	client *ScyllaClient
}

func NewIdentityRepository(client *ScyllaClient, logger *zap.Logger) *IdentityRepository {
	return &IdentityRepository{
		client: client,
	}
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	return r.lookup(ctx, r.client.Prepared.GetAccountByEmail, email)
}

func (r *IdentityRepository) FindByPhone(ctx context.Context, phone string) (*model.Identity, error) {
	return r.lookup(ctx, r.client.Prepared.GetAccountByPhone, phone)
}

func (r *IdentityRepository) lookup(ctx context.Context, stmt *gocql.Query, address string) (*model.Identity, error) {
	var userID, role string

	err := stmt.WithContext(ctx).Bind(address).Scan(&userID, &role)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrIdentityNotFound
		}
		util.Error("Failed to resolve identity", zap.Error(err))
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}

	return &model.Identity{
		UserID: userID,
		Role:   model.Role(role),
	}, nil
}
