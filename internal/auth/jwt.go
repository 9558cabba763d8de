package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session is a verified login for one student.
type Session struct {
	Token     string
	ID        string
	StudentID int64
	ExpiresAt time.Time
}

// Claims represents JWT payload.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token issuer.
func NewTokens(key, issuer string, ttl time.Duration) *Tokens {
	return &Tokens{key: []byte(key), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token whose subject is the student id.
func (t *Tokens) Issue(studentID int64) (Session, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	id := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    t.issuer,
			Subject:   strconv.FormatInt(studentID, 10),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ID: id, StudentID: studentID, ExpiresAt: exp}, nil
}

// Parse validates a token and returns the session it carries.
func (t *Tokens) Parse(tokenStr string) (Session, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return Session{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Session{}, errors.New("invalid token")
	}
	studentID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || claims.ID == "" {
		return Session{}, errors.New("invalid token subject")
	}
	return Session{
		Token:     tokenStr,
		ID:        claims.ID,
		StudentID: studentID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
