package service

import (
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/trailband/stationsync/internal/errs"
)

// Claims is the access-token payload. Everything the ingestion pipeline
// compares against the signed envelope rides in the token, so a stolen
// token from another station cannot be replayed here.
type Claims struct {
	jwt.RegisteredClaims
	SessionID       string `json:"sid"`
	JudgeID         string `json:"jid"`
	StationID       string `json:"stn"`
	EventID         string `json:"evt"`
	ManifestVersion int64  `json:"mv"`
}

// Session parses the session id claim.
func (c *Claims) Session() (uuid.UUID, error) { return uuid.FromString(c.SessionID) }

// ParseClaims verifies an HS256 access token and returns its claims.
func ParseClaims(token string, signKey []byte) (*Claims, error) {
	var cl Claims
	tok, err := jwt.ParseWithClaims(token, &cl, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Ef(errs.CodeInvalidJWT, "unexpected signing method %v", t.Header["alg"])
		}
		return signKey, nil
	})
	if err != nil {
		return nil, errs.E(errs.CodeInvalidJWT, err)
	}
	if !tok.Valid {
		return nil, errs.Ef(errs.CodeInvalidJWT, "invalid token")
	}
	return &cl, nil
}
