package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AdminScope grants market toggles, pause control and snapshots.
const AdminScope = "vault:admin"

// Caller is the authenticated identity of a request. The token subject is
// the depositor address every mutating call acts for.
type Caller struct {
	Subject   string
	Depositor common.Address
	Admin     bool
}

type callerContextKey struct{}

// CallerFromContext returns the caller stored by the auth interceptor.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(callerContextKey{}).(*Caller)
	return c, ok && c != nil
}

type vaultClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	owner  common.Address
	now    func() time.Time
}

// NewAuthenticator returns nil when secret is empty; a nil authenticator
// rejects every call that needs a caller.
// A non-zero owner restricts the admin scope to that one subject.
func NewAuthenticator(secret, issuer string, owner common.Address) *Authenticator {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		owner:  owner,
		now:    time.Now,
	}
}

// Issue signs a token for subject. Used by operator tooling and tests.
func (a *Authenticator) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("authenticator not configured")
	}
	now := a.now()
	claims := vaultClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates token and resolves the caller.
func (a *Authenticator) Verify(token string) (*Caller, error) {
	if a == nil {
		return nil, errors.New("authenticator not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &vaultClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject := strings.TrimSpace(claims.Subject)
	if !common.IsHexAddress(subject) {
		return nil, fmt.Errorf("token subject %q is not an address", subject)
	}
	depositor := common.HexToAddress(subject)

	admin := false
	for _, scope := range strings.Fields(claims.Scope) {
		if scope == AdminScope {
			admin = true
			break
		}
	}
	if admin && a.owner != (common.Address{}) && depositor != a.owner {
		admin = false
	}

	return &Caller{Subject: subject, Depositor: depositor, Admin: admin}, nil
}

// VerifyDepositor returns the depositor a token may act for. It lets the
// NATS dispatcher hold queued commands to the same subject rule.
func (a *Authenticator) VerifyDepositor(token string) (common.Address, error) {
	caller, err := a.Verify(token)
	if err != nil {
		return common.Address{}, err
	}
	return caller.Depositor, nil
}

// UnaryInterceptor enforces the access policy of each VaultService method.
// Read-only methods pass through untouched.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		access := methodAccess(info.FullMethod)
		if access == accessPublic || access == accessInternal {
			return handler(ctx, req)
		}
		if a == nil {
			return nil, status.Error(codes.PermissionDenied, "authentication is not configured")
		}

		token := bearerToken(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		caller, err := a.Verify(token)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}
		if access == accessAdmin && !caller.Admin {
			return nil, status.Error(codes.PermissionDenied, "admin scope required")
		}

		return handler(context.WithValue(ctx, callerContextKey{}, caller), req)
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, header := range md.Get("authorization") {
		header = strings.TrimSpace(header)
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
	}
	return ""
}

func requireCaller(ctx context.Context) (*Caller, error) {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	return caller, nil
}
