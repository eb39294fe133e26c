package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/corepay/payhub/internal/config"
	"github.com/corepay/payhub/internal/model"
)

// ErrInvalidRefreshToken covers every refresh/logout failure: unknown,
// expired or tampered tokens all look the same to the caller.
var ErrInvalidRefreshToken = errors.New("invalid refresh token")

// Pair holds one access/refresh token pair.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Claims carried by access tokens.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs access tokens and keeps refresh tokens in the database so
// they can be rotated and revoked.
type Issuer struct {
	db  *gorm.DB
	cfg config.JWTConfig
}

// NewIssuer constructs an Issuer from explicit config.
func NewIssuer(db *gorm.DB, cfg config.JWTConfig) *Issuer {
	return &Issuer{db: db, cfg: cfg}
}

// Issue returns a fresh token pair and persists the refresh token.
func (i *Issuer) Issue(ctx context.Context, user *model.User) (*Pair, error) {
	access, err := i.signAccess(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	refresh, err := i.signRefresh(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *Issuer) signAccess(userID, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
}

func (i *Issuer) signRefresh(ctx context.Context, userID string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(i.cfg.RefreshTokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.RefreshSecret))
	if err != nil {
		return "", err
	}
	row := &model.RefreshToken{
		ID: uuid.NewString(), Token: token, UserID: userID, ExpiresAt: expiresAt,
	}
	if err := i.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", err
	}
	return token, nil
}

// Rotate exchanges a refresh token for a new pair. The old token must be
// on record and verify against the refresh secret; it is deleted before
// the replacement is issued so each refresh token works exactly once.
func (i *Issuer) Rotate(ctx context.Context, oldToken string) (*Pair, error) {
	var row model.RefreshToken
	if err := i.db.WithContext(ctx).Where("token = ?", oldToken).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(oldToken, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidRefreshToken
		}
		return []byte(i.cfg.RefreshSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	var user model.User
	if err := i.db.WithContext(ctx).Where("id = ?", claims.Subject).First(&user).Error; err != nil {
		return nil, ErrInvalidRefreshToken
	}
	if err := i.db.WithContext(ctx).Where("token = ?", oldToken).Delete(&model.RefreshToken{}).Error; err != nil {
		return nil, err
	}
	return i.Issue(ctx, &user)
}

// Revoke deletes a refresh token (logout).
func (i *Issuer) Revoke(ctx context.Context, refreshToken string) error {
	res := i.db.WithContext(ctx).Where("token = ?", refreshToken).Delete(&model.RefreshToken{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidRefreshToken
	}
	return nil
}

// VerifyAccess validates an access token and returns its subject user id.
func (i *Issuer) VerifyAccess(tokenStr string) (string, error) {
	claims := Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(i.cfg.Secret), nil
	})
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
