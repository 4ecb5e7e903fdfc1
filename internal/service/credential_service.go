// Package service holds the thin coordination layer between transport-level
// clients, caches and stores.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"arbridge/internal/crypto"
	"arbridge/internal/domain"
)

// CredentialService encrypts and decrypts API credential bags around the
// store. The store only ever sees ciphertext; the master password stays in
// this service.
type CredentialService struct {
	store    domain.CredentialStore
	password string
	audit    domain.AuditStore // optional
	logger   *slog.Logger
}

// NewCredentialService creates a CredentialService. The master password must
// not be empty.
func NewCredentialService(store domain.CredentialStore, password string, logger *slog.Logger) (*CredentialService, error) {
	if password == "" {
		return nil, errors.New("service: credential master password must not be empty")
	}
	return &CredentialService{
		store:    store,
		password: password,
		logger:   logger.With(slog.String("component", "credential_service")),
	}, nil
}

// SetAuditStore enables audit logging of credential writes.
func (s *CredentialService) SetAuditStore(audit domain.AuditStore) { s.audit = audit }

// Save encrypts the credential bag and persists it for (user, exchange),
// replacing any previous bag.
func (s *CredentialService) Save(ctx context.Context, userID, exchange string, creds domain.Credentials) error {
	encrypted, err := crypto.EncryptCredentials(creds, s.password)
	if err != nil {
		return fmt.Errorf("service: encrypt credentials: %w", err)
	}
	if err := s.store.Put(ctx, userID, exchange, encrypted); err != nil {
		return fmt.Errorf("service: store credentials: %w", err)
	}
	s.logger.InfoContext(ctx, "credentials saved",
		slog.String("user_id", userID),
		slog.String("exchange", exchange),
		slog.String("credentials", creds.Redacted()),
	)
	if s.audit != nil {
		if err := s.audit.Log(ctx, "credentials_saved", map[string]any{
			"user_id":  userID,
			"exchange": exchange,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Load fetches and decrypts the credential bag for (user, exchange). Returns
// domain.ErrNotFound when no bag is stored.
func (s *CredentialService) Load(ctx context.Context, userID, exchange string) (domain.Credentials, error) {
	encrypted, err := s.store.Get(ctx, userID, exchange)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("service: load credentials %s/%s: %w", userID, exchange, err)
	}
	creds, err := crypto.DecryptCredentials(encrypted, s.password)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("service: decrypt credentials %s/%s: %w", userID, exchange, err)
	}
	return creds, nil
}

// Delete removes the stored bag for (user, exchange).
func (s *CredentialService) Delete(ctx context.Context, userID, exchange string) error {
	if err := s.store.Delete(ctx, userID, exchange); err != nil {
		return fmt.Errorf("service: delete credentials %s/%s: %w", userID, exchange, err)
	}
	s.logger.InfoContext(ctx, "credentials deleted",
		slog.String("user_id", userID),
		slog.String("exchange", exchange),
	)
	return nil
}
