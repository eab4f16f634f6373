package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agent-queue/internal/models"
)

// WorkerIdentity is how a caller proved who it is. It is one of
// TokenIdentity, FederatedIdentity or AnonymousIdentity.
type WorkerIdentity interface {
	identity()
}

// TokenIdentity carries a raw dedicated worker token.
type TokenIdentity struct {
	Raw string
}

// FederatedIdentity is a subject asserted by a verified external issuer.
type FederatedIdentity struct {
	Subject string
	Issuer  string
}

// AnonymousIdentity is a caller that presented no credential.
type AnonymousIdentity struct{}

func (TokenIdentity) identity()     {}
func (FederatedIdentity) identity() {}
func (AnonymousIdentity) identity() {}

// Policy is the normalized authorization for one worker request. Empty
// allowlists mean no restriction. A non-empty WorkerID binds every worker
// call to that id.
type Policy struct {
	WorkerID            string
	Source              string
	AllowedTypes        []string
	AllowedRepositories []string
	Capabilities        []string
}

// UnrestrictedPolicy is used for trusted in-process callers and anonymous
// development workers.
func UnrestrictedPolicy(source string) Policy {
	return Policy{Source: source}
}

// CredentialLookup finds credentials by token hash.
type CredentialLookup interface {
	CredentialByHash(ctx context.Context, tokenHash string) (models.WorkerCredential, error)
}

// Resolver turns a WorkerIdentity into a Policy.
type Resolver struct {
	creds          CredentialLookup
	jwtSecret      []byte
	jwtIssuer      string
	allowAnonymous bool
}

type ResolverOptions struct {
	FederatedSecret string
	FederatedIssuer string
	AllowAnonymous  bool
}

func NewResolver(creds CredentialLookup, opts ResolverOptions) *Resolver {
	return &Resolver{
		creds:          creds,
		jwtSecret:      []byte(opts.FederatedSecret),
		jwtIssuer:      opts.FederatedIssuer,
		allowAnonymous: opts.AllowAnonymous,
	}
}

// Resolve maps an identity to its policy.
func (r *Resolver) Resolve(ctx context.Context, id WorkerIdentity) (Policy, error) {
	switch v := id.(type) {
	case TokenIdentity:
		cred, err := r.creds.CredentialByHash(ctx, HashToken(v.Raw))
		if errors.Is(err, models.ErrNotFound) {
			return Policy{}, models.Unauthenticatedf("invalid worker token")
		}
		if err != nil {
			return Policy{}, err
		}
		if !cred.IsActive {
			return Policy{}, models.Unauthenticatedf("worker token is inactive")
		}
		return Policy{
			WorkerID:            cred.WorkerID,
			Source:              "token",
			AllowedTypes:        cred.AllowedJobTypes,
			AllowedRepositories: cred.AllowedRepositories,
			Capabilities:        cred.Capabilities,
		}, nil
	case FederatedIdentity:
		return Policy{WorkerID: v.Subject, Source: "federated:" + v.Issuer}, nil
	case AnonymousIdentity, nil:
		if !r.allowAnonymous {
			return Policy{}, models.Unauthenticatedf("worker authentication required")
		}
		return UnrestrictedPolicy("anonymous"), nil
	default:
		return Policy{}, fmt.Errorf("unsupported worker identity %T", id)
	}
}

// VerifyFederated checks a bearer JWT signed with the shared HMAC secret and
// returns the identity it asserts.
func (r *Resolver) VerifyFederated(token string) (FederatedIdentity, error) {
	if len(r.jwtSecret) == 0 {
		return FederatedIdentity{}, models.Unauthenticatedf("federated worker identity is not enabled")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithExpirationRequired()}
	if r.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(r.jwtIssuer))
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.jwtSecret, nil
	}, opts...); err != nil {
		return FederatedIdentity{}, models.Unauthenticatedf("invalid federated token: %v", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return FederatedIdentity{}, models.Unauthenticatedf("federated token has no subject")
	}
	return FederatedIdentity{Subject: claims.Subject, Issuer: claims.Issuer}, nil
}

// HashToken is the stored form of a raw worker token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// GenerateToken returns a new raw worker token with 244 random bits.
func GenerateToken() string {
	a, b := uuid.New(), uuid.New()
	return "awt_" + hex.EncodeToString(a[:]) + hex.EncodeToString(b[:])
}
