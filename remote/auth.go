// Optional bearer-token gRPC interceptor, layered alongside (not instead
// of) mTLS: cmd/cas-server enables it with --auth-secret, so a peer must
// present a valid HS256 JWT in the "authorization" metadata key before any
// RPC is dispatched. Tokens are verified against a single shared server
// secret rather than a per-peer keyring.
package remote

import (
	"context"
	"fmt"

	"github.com/dgrijalva/jwt-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authMetadataKey = "authorization"
const bearerPrefix = "Bearer "

// TokenAuth validates HS256 JWTs signed with a single shared secret. A nil
// *TokenAuth disables authentication entirely (mTLS-only, or no transport
// security at all for loopback/testing).
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth builds a TokenAuth around secret. An empty secret disables
// authentication (equivalent to a nil *TokenAuth) rather than accepting an
// empty-signature token.
func NewTokenAuth(secret string) *TokenAuth {
	if secret == "" {
		return nil
	}
	return &TokenAuth{secret: []byte(secret)}
}

// IssueToken mints a token a client can present via DialOptions/metadata —
// used by trusted operator tooling, not by cas-server itself.
func (a *TokenAuth) IssueToken(subject string) (string, error) {
	claims := jwt.StandardClaims{Subject: subject}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(a.secret)
}

func (a *TokenAuth) verify(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "remote: missing authorization metadata")
	}
	vals := md.Get(authMetadataKey)
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "remote: missing authorization metadata")
	}
	raw := vals[0]
	if len(raw) <= len(bearerPrefix) || raw[:len(bearerPrefix)] != bearerPrefix {
		return status.Error(codes.Unauthenticated, "remote: authorization metadata is not a bearer token")
	}
	tokenStr := raw[len(bearerPrefix):]
	_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "remote: invalid bearer token: %v", err)
	}
	return nil
}

// UnaryInterceptor rejects any unary RPC lacking a valid bearer token.
func (a *TokenAuth) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := a.verify(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// StreamInterceptor does the same for ByteStream.Read/Write.
func (a *TokenAuth) StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := a.verify(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}
