package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"github.com/tapcoin/wallet/internal/auth"
	"github.com/tapcoin/wallet/internal/models"
)

var (
	ErrInvalidUsername = errors.New("username must be 3-32 letters, digits or underscores")
	ErrWeakPassword    = errors.New("password must be at least 8 characters")

	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)
)

const minPasswordLength = 8

// AccountService registers and authenticates wallet users. Every account starts at a
// zero balance.
type AccountService struct {
	store  AccountStore
	hasher auth.PasswordHasher
}

func NewAccountService(store AccountStore, hasher auth.PasswordHasher) *AccountService {
	return &AccountService{store: store, hasher: hasher}
}

func (s *AccountService) Register(ctx context.Context, username, password string) (*models.Account, error) {
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	acc := &models.Account{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Login returns models.ErrUnauthorized for an unknown user or a wrong phrase alike.
func (s *AccountService) Login(ctx context.Context, username, password string) (*models.Account, error) {
	acc, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, err
	}
	if acc.PasswordHash == "" {
		return nil, models.ErrUnauthorized
	}
	if err := s.hasher.Compare(acc.PasswordHash, password); err != nil {
		return nil, models.ErrUnauthorized
	}
	return acc, nil
}

// LoginTelegram finds or creates the account bound to a verified Telegram identity.
func (s *AccountService) LoginTelegram(ctx context.Context, user auth.TelegramUser) (*models.Account, error) {
	acc, err := s.store.GetAccountByTelegramID(ctx, user.ID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, models.ErrAccountNotFound) {
		return nil, err
	}

	tgID := user.ID
	fallback := "tg_" + strconv.FormatInt(user.ID, 10)
	candidates := []string{fallback}
	if usernamePattern.MatchString(user.Username) {
		candidates = []string{user.Username, fallback}
	}

	for _, name := range candidates {
		acc = &models.Account{ID: uuid.New(), Username: name, TelegramID: &tgID}
		err = s.store.CreateAccount(ctx, acc)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, models.ErrAlreadyExists) {
			return nil, err
		}
		// A concurrent login may have created the binding first.
		if existing, lookupErr := s.store.GetAccountByTelegramID(ctx, user.ID); lookupErr == nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("create telegram account %d: %w", user.ID, err)
}

func (s *AccountService) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ResolveTarget maps an event target to an account: a wallet user id when it parses
// as a UUID, otherwise a username.
func (s *AccountService) ResolveTarget(ctx context.Context, target string) (*models.Account, error) {
	if id, err := uuid.Parse(target); err == nil {
		return s.store.GetAccount(ctx, id)
	}
	return s.store.GetAccountByUsername(ctx, target)
}
