package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenIssuer is the iss claim stamped on every identity token.
	TokenIssuer = "incidentfox-orchestrator"
	// TokenAudience is the aud claim; the credential broker rejects tokens
	// minted for any other audience.
	TokenAudience = "credential-broker"
	// TokenTTLGrace is added on top of the sandbox TTL so a token never
	// expires before the sandbox it identifies.
	TokenTTLGrace = 1 * time.Hour
)

// Claims binds a sandbox instance to its tenant, team and thread. Once
// minted these values are immutable; the verified token is the only trusted
// source of sandbox identity downstream of the proxy.
type Claims struct {
	TenantID    string `json:"tenant_id"`
	TeamID      string `json:"team_id"`
	SandboxName string `json:"sandbox_name"`
	ThreadID    string `json:"thread_id"`
	jwt.RegisteredClaims
}

// Issuer mints and validates sandbox identity tokens with a symmetric
// secret shared only with the credential broker. The secret is never
// shipped to the agent container.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer. An empty secret is a fatal configuration
// error: no token may be minted without a verifiable signature.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("identity signing secret is empty")
	}
	return &Issuer{secret: secret}, nil
}

// Mint creates a signed identity token for one sandbox instance.
func (i *Issuer) Mint(tenantID, teamID, sandboxName, threadID string, ttl time.Duration) (string, error) {
	if tenantID == "" || teamID == "" || sandboxName == "" || threadID == "" {
		return "", fmt.Errorf("all identity claims are required: tenant=%q team=%q sandbox=%q thread=%q",
			tenantID, teamID, sandboxName, threadID)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %v", ttl)
	}

	now := time.Now()
	claims := &Claims{
		TenantID:    tenantID,
		TeamID:      teamID,
		SandboxName: sandboxName,
		ThreadID:    threadID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	return signed, nil
}

// Verify validates signature, issuer, audience and expiry. It returns nil
// on ANY validation failure; callers must treat nil as untrusted and
// reject. There is deliberately no fallback path that trusts an invalid
// token.
func (i *Issuer) Verify(tokenString string) *Claims {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil
	}
	return claims
}

// InspectUnverified decodes a token without checking its signature or
// registered claims. Diagnostics only: its output must never feed an
// authorization decision.
func InspectUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return claims, nil
}
