package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultRealm is announced in WWW-Authenticate challenges.
const DefaultRealm = "Carte"

// Config represents configuration for the auth service
type Config struct {
	Enabled    bool         `mapstructure:"enabled"`
	Realm      string       `mapstructure:"realm"`
	BcryptCost int          `mapstructure:"bcrypt_cost"`
	Users      []UserConfig `mapstructure:"users"`
}

// Service provides authentication functionality
type Service struct {
	store      *Store
	bcryptCost int
	// dummyHash keeps the cost of rejecting an unknown user close to a bad password.
	dummyHash []byte
}

// NewService builds a service and loads the configured users.
func NewService(cfg Config) (*Service, error) {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("carte"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	s := &Service{store: NewStore(), bcryptCost: cost, dummyHash: dummy}
	for _, uc := range cfg.Users {
		if err := s.addConfigured(uc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) addConfigured(uc UserConfig) error {
	if uc.Username == "" {
		return errors.New("auth user requires a username")
	}
	hash := uc.PasswordHash
	switch {
	case hash != "":
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("user %s: invalid password_hash: %w", uc.Username, err)
		}
	case uc.Password != "":
		b, err := bcrypt.GenerateFromPassword([]byte(uc.Password), s.bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		hash = string(b)
	default:
		return fmt.Errorf("user %s requires password or password_hash", uc.Username)
	}
	roles := uc.Roles
	if len(roles) == 0 {
		roles = []string{RoleAdmin}
	}
	return s.store.Create(&User{Username: uc.Username, PasswordHash: hash, Roles: roles})
}

// Authenticate performs username/password authentication
func (s *Service) Authenticate(_ context.Context, username, password string) (*Result, error) {
	if username == "" || password == "" {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	user, err := s.store.Get(username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return &Result{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	return &Result{Success: true, Username: user.Username, Roles: user.Roles}, nil
}

// CreateUser creates a new user with hashed password
func (s *Service) CreateUser(_ context.Context, username, password string, roles []string) (User, error) {
	if username == "" || password == "" {
		return User{}, fmt.Errorf("username and password are required")
	}
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return User{}, err
	}
	u := &User{Username: username, PasswordHash: hash, Roles: roles}
	if err := s.store.Create(u); err != nil {
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return User{Username: username, Roles: roles}, nil
}

// UpdateUserPassword updates a user's password
func (s *Service) UpdateUserPassword(_ context.Context, username, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("password cannot be empty")
	}
	user, err := s.store.Get(username)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	hash, err := HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	return s.store.Update(&user)
}

func (s *Service) DeleteUser(_ context.Context, username string) error {
	return s.store.Delete(username)
}

func (s *Service) ListUsers(_ context.Context) []User {
	users := s.store.List()
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users
}

// HasPermission checks if any of the roles grants action on resource.
func (s *Service) HasPermission(userRoles []string, resource, action string) bool {
	for _, role := range userRoles {
		for _, perm := range rolePermissions[role] {
			if (perm.Resource == "*" || perm.Resource == resource) &&
				(perm.Action == "*" || perm.Action == action) {
				return true
			}
		}
	}
	return false
}

// HashPassword returns the bcrypt hash of password; cost 0 means the default.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}
