package httpapi

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tokoku/backend/internal/domain"
)

type AuthManager struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	users      map[string]credential
}

type credential struct {
	password  string
	role      string
	accountID string
}

type accountClaims struct {
	jwtlib.RegisteredClaims
	Role      string `json:"role"`
	AccountID string `json:"account_id"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users []domain.UserAccount) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	// An empty PIN stays unhashed so every manager check fails.
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		if hashed, err := hashPassword(managerPIN); err == nil {
			managerPIN = hashed
		}
	}

	manager := &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		users:      make(map[string]credential),
	}
	for _, user := range users {
		if err := manager.AddUser(user); err != nil {
			log.Printf("[auth] WARN: skipping user %q: %v", user.Username, err)
		}
	}
	return manager
}

// AddUser registers a login. Plain passwords are hashed before they are kept.
func (a *AuthManager) AddUser(user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.ContainsAny(username, " \t\r\n") {
		return errors.New("invalid username")
	}
	if strings.TrimSpace(user.AccountID) == "" {
		return errors.New("account id required")
	}
	role := user.Role
	if role != domain.RoleAdmin {
		role = domain.RoleCashier
	}
	password := user.Password
	if !isPasswordHash(password) {
		if strings.TrimSpace(password) == "" {
			return errors.New("password required")
		}
		hashed, err := hashPassword(password)
		if err != nil {
			return err
		}
		password = hashed
	}

	a.mu.Lock()
	a.users[username] = credential{password: password, role: role, accountID: strings.TrimSpace(user.AccountID)}
	a.mu.Unlock()
	return nil
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	actor := domain.Actor{Username: username, Role: cred.role, AccountID: cred.accountID}
	token, expiresAt, err := a.Mint(actor)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		AccountID:   cred.accountID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// Mint signs a token for actor without a password check. Used by Login and the
// server's -mint-token flag.
func (a *AuthManager) Mint(actor domain.Actor) (string, time.Time, error) {
	if actor.Username == "" || actor.AccountID == "" {
		return "", time.Time{}, errors.New("username and account id required")
	}
	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	claims := accountClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.Username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "tokoku",
		},
		Role:      actor.Role,
		AccountID: actor.AccountID,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &accountClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.AccountID == "" {
		return domain.Actor{}, errors.New("token has no account")
	}
	return domain.Actor{Username: sub, Role: claims.Role, AccountID: claims.AccountID}, nil
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
