package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	apperrors "streamgate/pkg/errors"
	"streamgate/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	errAlgMismatch = errors.New("unexpected signing method")
	errKeySource   = errors.New("signing key source unreachable")
)

// VerifierConfig selects exactly one algorithm family and its key
// material. HS256 verifies against a local shared secret; RS256
// resolves public keys by kid from a remote key set.
type VerifierConfig struct {
	Algorithm string
	Secret    []byte
	JWKS      *JWKSClient
}

type tokenVerifier struct {
	alg    string
	secret []byte
	jwks   *JWKSClient
	logger *zap.SugaredLogger
}

// NewTokenVerifier builds the credential verifier. Misconfiguration is
// a construction-time error; the gateway must not start without a
// usable verifier.
func NewTokenVerifier(cfg VerifierConfig, logger *zap.SugaredLogger) (ports.TokenVerifier, error) {
	alg := strings.ToUpper(cfg.Algorithm)
	switch alg {
	case "HS256":
		if len(cfg.Secret) == 0 {
			return nil, fmt.Errorf("HS256 requires a shared secret")
		}
	case "RS256":
		if cfg.JWKS == nil {
			return nil, fmt.Errorf("RS256 requires a JWKS client")
		}
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}

	return &tokenVerifier{
		alg:    alg,
		secret: cfg.Secret,
		jwks:   cfg.JWKS,
		logger: logger,
	}, nil
}

func (v *tokenVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)

	if err := validation.ValidateBearerToken(token); err != nil {
		return domain.Identity{}, apperrors.NewAuthError(apperrors.AuthReasonMissing, err)
	}

	parsed, err := jwt.Parse(token, v.keyFunc(ctx), jwt.WithValidMethods([]string{v.alg}))
	if err != nil {
		return domain.Identity{}, v.classify(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, apperrors.NewAuthError(apperrors.AuthReasonMalformed, errors.New("unexpected claims type"))
	}

	subject, err := subjectFromClaims(claims)
	if err != nil {
		return domain.Identity{}, apperrors.NewAuthError(apperrors.AuthReasonMalformed, err)
	}

	return domain.Identity{
		Subject:  subject,
		Username: usernameFromClaims(claims, subject),
	}, nil
}

// keyFunc resolves the verification key and enforces the configured
// algorithm family even before signature verification, so an attacker
// cannot substitute a weaker algorithm.
func (v *tokenVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		switch v.alg {
		case "HS256":
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("%w: %s", errAlgMismatch, t.Method.Alg())
			}
			return v.secret, nil

		default: // RS256
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("%w: %s", errAlgMismatch, t.Method.Alg())
			}
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token header has no kid")
			}
			key, err := v.jwks.SigningKey(ctx, kid)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errKeySource, err)
			}
			return key, nil
		}
	}
}

// classify maps jwt library failures onto the auth taxonomy. The
// sub-case is logged here; the wire response stays uniform.
func (v *tokenVerifier) classify(err error) error {
	authErr := v.classifyReason(err)
	v.logger.Debugw("token verification failed",
		"reason", apperrors.AuthReasonOf(authErr),
		"error", err,
	)
	return authErr
}

func (v *tokenVerifier) classifyReason(err error) error {
	switch {
	case errors.Is(err, errAlgMismatch):
		return apperrors.NewAuthError(apperrors.AuthReasonAlgMismatch, err)
	case errors.Is(err, errKeySource):
		return apperrors.NewAuthError(apperrors.AuthReasonKeySource, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.NewAuthError(apperrors.AuthReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperrors.NewAuthError(apperrors.AuthReasonNotYetValid, err)
	default:
		return apperrors.NewAuthError(apperrors.AuthReasonMalformed, err)
	}
}

// subjectFromClaims extracts the numeric subject id. The auth server
// issues userId as a number, but older tokens carry it as a numeric
// string.
func subjectFromClaims(claims jwt.MapClaims) (domain.SubjectID, error) {
	raw, ok := claims["userId"]
	if !ok {
		raw, ok = claims["sub"]
	}
	if !ok {
		return 0, errors.New("token payload has no userId")
	}

	switch val := raw.(type) {
	case float64:
		return domain.SubjectID(int64(val)), nil
	case string:
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("token userId %q is not numeric", val)
		}
		return domain.SubjectID(id), nil
	default:
		return 0, fmt.Errorf("token userId has unexpected type %T", raw)
	}
}

func usernameFromClaims(claims jwt.MapClaims, subject domain.SubjectID) string {
	if name, ok := claims["username"].(string); ok && name != "" {
		return name
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	return fmt.Sprintf("user-%d", int64(subject))
}
