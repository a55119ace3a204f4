package grpc

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	kferrors "github.com/killfeed/killfeed/internal/errors"
)

// RoleAdmin may adjust any balance and act for any player.
const RoleAdmin = "admin"

// Claims is the bearer token payload. Subject is the player id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type claimsKey struct{}

// AuthInterceptor verifies HS256 bearer tokens from the authorization
// metadata key and stores the claims on the context.
func AuthInterceptor(secret []byte) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		raw, err := bearerToken(ctx)
		if err != nil {
			return nil, err
		}
		var claims Claims
		_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}
		if claims.Subject == "" {
			return nil, status.Error(codes.Unauthenticated, "token subject is required")
		}
		return handler(context.WithValue(ctx, claimsKey{}, &claims), req)
	}
}

func bearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization")
	}
	token, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || token == "" {
		return "", status.Error(codes.Unauthenticated, "authorization must be a bearer token")
	}
	return token, nil
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func subject(ctx context.Context) string {
	if c := claimsFrom(ctx); c != nil {
		return c.Subject
	}
	return ""
}

// caller resolves the acting player. Without auth the field is taken as
// given. With auth a player may only act as themselves; an empty field
// defaults to the token subject and admins may name anyone.
func caller(ctx context.Context, in *structpb.Struct, field string) (string, error) {
	named := in.GetFields()[field].GetStringValue()
	c := claimsFrom(ctx)
	switch {
	case c == nil:
		return named, nil
	case named == "":
		return c.Subject, nil
	case named == c.Subject || c.Role == RoleAdmin:
		return named, nil
	}
	return "", kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "cannot act for another player").
		WithDetails(map[string]interface{}{"permission_denied": true})
}

func requireAdmin(ctx context.Context) error {
	c := claimsFrom(ctx)
	if c != nil && c.Role != RoleAdmin {
		return status.Error(codes.PermissionDenied, "admin role required")
	}
	return nil
}
