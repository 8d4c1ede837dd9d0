package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// Submitter places orders for one wallet and can look them up afterwards.
type Submitter interface {
	SubmitMarketOrder(ctx context.Context, tokenID string, side models.Side, amount decimal.Decimal) (*OrderResult, error)
	LookupOrder(ctx context.Context, orderID string) (*OpenOrder, error)
}

var _ Submitter = (*ClobClient)(nil)

// Decrypter turns a stored ciphertext back into a private key.
type Decrypter interface {
	Decrypt(payload string) (string, error)
}

// SessionFactory builds an authenticated session from a plaintext private key.
type SessionFactory func(ctx context.Context, privateKeyHex string) (Submitter, error)

// NewClobSessionFactory returns a factory that creates CLOB clients and
// derives their API credentials up front.
func NewClobSessionFactory(cfg ClobConfig) SessionFactory {
	return func(ctx context.Context, privateKeyHex string) (Submitter, error) {
		auth, err := NewAuth(privateKeyHex, cfg.ChainID)
		if err != nil {
			return nil, err
		}

		client := NewClobClient(cfg, auth)

		derivCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if _, err := client.DeriveAPICreds(derivCtx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// SessionManager owns one authenticated session per managed account.
// Sessions are created on first use and live until invalidated.
type SessionManager struct {
	decrypter Decrypter
	factory   SessionFactory
	sessions  map[int64]Submitter // accountID -> session
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewSessionManager creates an empty session manager.
func NewSessionManager(decrypter Decrypter, factory SessionFactory) *SessionManager {
	return &SessionManager{
		decrypter: decrypter,
		factory:   factory,
		sessions:  make(map[int64]Submitter),
		logger:    slog.Default().With("component", "sessions"),
	}
}

// Get returns the cached session for the account, creating it on a miss.
// The private key is only decrypted on a miss.
func (sm *SessionManager) Get(ctx context.Context, account models.ManagedAccount) (Submitter, error) {
	sm.mu.RLock()
	session, exists := sm.sessions[account.ID]
	sm.mu.RUnlock()

	if exists {
		return session, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check after acquiring write lock
	if session, exists = sm.sessions[account.ID]; exists {
		return session, nil
	}

	privateKey, err := sm.decrypter.Decrypt(account.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt key for account %d: %w", account.ID, err)
	}

	session, err = sm.factory(ctx, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create session for account %d: %w", account.ID, err)
	}

	sm.sessions[account.ID] = session
	sm.logger.Info("created session", "account_id", account.ID, "address", account.Address)

	return session, nil
}

// Cached reports whether a session exists for the account.
func (sm *SessionManager) Cached(accountID int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.sessions[accountID]
	return ok
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Invalidate drops a session, forcing it to be recreated on next use.
func (sm *SessionManager) Invalidate(accountID int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, accountID)
	sm.logger.Info("invalidated session", "account_id", accountID)
}

// InvalidateAll clears every cached session.
func (sm *SessionManager) InvalidateAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions = make(map[int64]Submitter)
	sm.logger.Info("invalidated all sessions")
}
