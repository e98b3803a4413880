// Package auth issues and validates the API keys buyer principals present
// through the gateway.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"tavren/internal/domain"
	"tavren/pkg/errors"

	"github.com/google/uuid"
)

// APIKeyRepository defines storage operations for API keys
type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) error
	List(ctx context.Context) ([]domain.APIKey, error)
	GetByKeyHash(ctx context.Context, hash string) (*domain.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

type APIKeyService struct {
	repo APIKeyRepository
}

func NewAPIKeyService(repo APIKeyRepository) *APIKeyService {
	return &APIKeyService{repo: repo}
}

// CreateKey generates a new API key for a buyer principal. The raw key is
// returned exactly once; only its hash is stored.
func (s *APIKeyService) CreateKey(ctx context.Context, principal uuid.UUID, name string) (*domain.APIKey, string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", errors.Wrap(err, "failed to generate random bytes")
	}

	rawKey := "tvn_live_" + hex.EncodeToString(keyBytes)

	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])

	apiKey := &domain.APIKey{
		ID:        uuid.New(),
		Principal: principal,
		Name:      name,
		KeyPrefix: rawKey[:12],
		KeyHash:   keyHash,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, apiKey); err != nil {
		return nil, "", err
	}

	return apiKey, rawKey, nil
}

func (s *APIKeyService) ListKeys(ctx context.Context) ([]domain.APIKey, error) {
	return s.repo.List(ctx)
}

func (s *APIKeyService) RevokeKey(ctx context.Context, id uuid.UUID) error {
	return s.repo.Revoke(ctx, id)
}

// ValidateKey resolves a raw key to its record, rejecting revoked keys.
func (s *APIKeyService) ValidateKey(ctx context.Context, rawKey string) (*domain.APIKey, error) {
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])

	key, err := s.repo.GetByKeyHash(ctx, keyHash)
	if err != nil {
		return nil, errors.ErrAPIKeyInvalid
	}
	if !key.IsActive {
		return nil, errors.ErrAPIKeyInvalid
	}

	if err := s.repo.UpdateLastUsed(ctx, key.ID); err == nil {
		now := time.Now().UTC()
		key.LastUsedAt = &now
	}

	return key, nil
}
