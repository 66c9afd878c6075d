package login

import (
	"context"
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/Zereker/otnet/scheduler"
)

// Account is a verified account.
type Account struct {
	ID         int64
	Name       string
	PremiumEnd uint32
	Characters []Character
}

// AccountLoader verifies credentials. done is called once, with nil when the
// credentials are wrong or the lookup failed. It may be skipped when ctx is
// canceled first.
type AccountLoader interface {
	LoadAccount(ctx context.Context, name, password string, done func(*Account))
}

// AccountLoaderFunc adapts a function to AccountLoader.
type AccountLoaderFunc func(ctx context.Context, name, password string, done func(*Account))

// LoadAccount implements AccountLoader.
func (f AccountLoaderFunc) LoadAccount(ctx context.Context, name, password string, done func(*Account)) {
	f(ctx, name, password, done)
}

// StaticAccount is an entry of StaticAccounts. Password is compared as is
// unless PasswordHash, a bcrypt hash, is set.
type StaticAccount struct {
	Account
	Password     string
	PasswordHash string
}

func (a *StaticAccount) matches(password string) bool {
	if a.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.Password), []byte(password)) == 1
}

// StaticAccounts is an in-memory AccountLoader. Verification runs on the
// scheduler's workers and done runs on its loop.
type StaticAccounts struct {
	scheduler *scheduler.Scheduler
	accounts  map[string]*StaticAccount
}

// NewStaticAccounts indexes accounts by trimmed, case-insensitive name.
func NewStaticAccounts(s *scheduler.Scheduler, accounts ...StaticAccount) *StaticAccounts {
	m := make(map[string]*StaticAccount, len(accounts))
	for i := range accounts {
		acc := accounts[i]
		m[accountKey(acc.Name)] = &acc
	}
	return &StaticAccounts{scheduler: s, accounts: m}
}

// LoadAccount implements AccountLoader.
func (s *StaticAccounts) LoadAccount(ctx context.Context, name, password string, done func(*Account)) {
	var found *Account

	err := s.scheduler.CallInParallel(ctx, func() {
		defer func() {
			if recover() != nil {
				found = nil
			}
		}()
		if acc, ok := s.accounts[accountKey(name)]; ok && acc.matches(password) {
			a := acc.Account
			found = &a
		}
	}, func() {
		done(found)
	})
	if err != nil {
		done(nil)
	}
}

func accountKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HashPassword returns the bcrypt hash to store in StaticAccount.PasswordHash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
