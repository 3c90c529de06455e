package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"custodyflow/provenance"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrUnauthorized signals the caller lacks the role required for the operation.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service handles account authentication and role administration.
type Service struct {
	pool      TxBeginner
	repo      Repository
	outbox    OutboxWriter
	jwtSecret []byte
}

// LoginResult bundles the token and domain account returned after a successful login.
type LoginResult struct {
	Token   string
	Account Account
}

// NewService creates a new authentication service.
func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter, jwtSecret string) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		outbox:    outbox,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new ledger account. All accounts start as members; the
// administrator grants manufacturer status separately.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.Address == "" {
		return nil, fmt.Errorf("auth: email and address are required")
	}
	if !strings.HasPrefix(req.Address, "0x") {
		return nil, fmt.Errorf("auth: address %q is not 0x-prefixed", req.Address)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	acct, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Address:      req.Address,
		Role:         RoleMember,
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Login authenticates an account and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	acct, err := s.repo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(acct.Address, acct.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, Account: acct}, nil
}

// GrantRole assigns role to the account at targetAddress. Only an admin may
// grant roles; granting an already-held role is a no-op.
func (s *Service) GrantRole(ctx context.Context, actorAddress, targetAddress string, role Role) error {
	if !isValidRole(role) {
		return fmt.Errorf("auth: invalid role %q", role)
	}
	isAdmin, err := s.repo.HasRole(ctx, actorAddress, RoleAdmin)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("auth: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetRole(ctx, tx, targetAddress, role); err != nil {
		return err
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicRoleGranted, map[string]any{
			"address": targetAddress,
			"role":    string(role),
			"granter": actorAddress,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("auth: commit grant role: %w", err)
	}
	return nil
}

// VerifyToken validates a JWT token and returns the account address and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		address, ok := claims["address"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid address in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
		}
		return address, role, nil
	}

	return "", "", fmt.Errorf("auth: invalid token")
}

// GetByAddress retrieves the account bound to a ledger address.
func (s *Service) GetByAddress(ctx context.Context, address string) (*Account, error) {
	acct, err := s.repo.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Service) generateToken(address string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"address": address,
		"role":    role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleManufacturer, RoleMember:
		return true
	default:
		return false
	}
}
