package session

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "chatapp-auth"
	defaultAudience = "chatapp-api"
	defaultTTL      = 7 * 24 * time.Hour
	defaultKeyID    = "jwt-active"
)

var defaultLeeway = 30 * time.Second

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

var errNotConfigured = errors.New("jwt signer not configured")

// Options configures claim validation and lifetime.
type Options struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	TTL      time.Duration
	Revoker  TokenRevoker
}

// JWK represents a JSON Web Key entry.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWTSigner signs user credentials and verifies them. It runs either with a shared
// HS256 secret or with RS256 keys addressed by kid.
type JWTSigner struct {
	ttl     time.Duration
	revoker TokenRevoker
	method  jwt.SigningMethod

	hmacKey []byte

	rsaSigner    *rsa.PrivateKey
	rsaSignerKid string
	rsaVerifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
}

// NewHS256Signer builds a signer that uses a shared secret.
func NewHS256Signer(secret string, opts Options) (*JWTSigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts = normalizeOptions(opts)
	return &JWTSigner{
		ttl:      opts.TTL,
		revoker:  opts.Revoker,
		method:   jwt.SigningMethodHS256,
		hmacKey:  []byte(secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// NewRS256SignerFromPEM builds a RS256 signer from PEM files.
// verifyKeyFiles maps kid -> public key path and can include previous keys.
func NewRS256SignerFromPEM(
	privateKeyPath string,
	publicKeyPath string,
	keyID string,
	verifyKeyFiles map[string]string,
	opts Options,
) (*JWTSigner, error) {
	privateKey, err := loadRSAPrivateKeyFromPEMFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	if strings.TrimSpace(keyID) == "" {
		keyID = defaultKeyID
	}

	verifiers := make(map[string]*rsa.PublicKey)
	activePub := &privateKey.PublicKey
	if strings.TrimSpace(publicKeyPath) != "" {
		activePub, err = loadRSAPublicKeyFromPEMFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
	}
	verifiers[keyID] = activePub

	for kid, path := range verifyKeyFiles {
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		verifiers[kid] = pub
	}

	opts = normalizeOptions(opts)
	return &JWTSigner{
		ttl:          opts.TTL,
		revoker:      opts.Revoker,
		method:       jwt.SigningMethodRS256,
		rsaSigner:    privateKey,
		rsaSignerKid: keyID,
		rsaVerifiers: verifiers,
		issuer:       opts.Issuer,
		audience:     opts.Audience,
		leeway:       opts.Leeway,
	}, nil
}

// Sign issues a credential whose subject is userID.
func (s *JWTSigner) Sign(userID int64) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(s.method, claims)
	switch s.method {
	case jwt.SigningMethodRS256:
		if s.rsaSigner == nil {
			return "", errNotConfigured
		}
		token.Header["kid"] = s.rsaSignerKid
		return token.SignedString(s.rsaSigner)
	case jwt.SigningMethodHS256:
		if len(s.hmacKey) == 0 {
			return "", errNotConfigured
		}
		return token.SignedString(s.hmacKey)
	default:
		return "", errNotConfigured
	}
}

// Verify checks signature, expiry, issuer, audience and revocation, then returns the user id.
func (s *JWTSigner) Verify(token string) (int64, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(claims.ID)
		if err != nil {
			return 0, fmt.Errorf("%w: revocation check: %v", ErrInvalidToken, err)
		}
		if revoked {
			return 0, fmt.Errorf("%w: token revoked", ErrInvalidToken)
		}
		if userRevoker, ok := s.revoker.(UserTokenRevoker); ok {
			cutoff, err := userRevoker.RevokedAfter(claims.Subject)
			if err != nil {
				return 0, fmt.Errorf("%w: revocation check: %v", ErrInvalidToken, err)
			}
			// iat has second precision, so only earlier seconds are cut off
			if !cutoff.IsZero() {
				if claims.IssuedAt == nil || claims.IssuedAt.Time.UTC().Before(cutoff) {
					return 0, fmt.Errorf("%w: token revoked for user", ErrInvalidToken)
				}
			}
		}
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: token subject invalid", ErrInvalidToken)
	}
	return userID, nil
}

// Revoke invalidates a single credential until it would have expired.
func (s *JWTSigner) Revoke(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUser invalidates every credential issued to userID before since.
func (s *JWTSigner) RevokeUser(userID int64, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	userRevoker, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support user revocation")
	}
	return userRevoker.RevokeUser(strconv.FormatInt(userID, 10), since, s.ttl)
}

// JWKS returns the public verification keys in RS256 mode, nil otherwise.
func (s *JWTSigner) JWKS() []JWK {
	if len(s.rsaVerifiers) == 0 {
		return nil
	}
	kids := make([]string, 0, len(s.rsaVerifiers))
	for kid := range s.rsaVerifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.rsaVerifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSigner) parseAndVerify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	if s.method == nil {
		return claims, errNotConfigured
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
	}
	if s.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(s.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, s.keyFunc, parserOptions...)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, errors.New("token jti missing")
	}
	return claims, nil
}

func (s *JWTSigner) keyFunc(t *jwt.Token) (any, error) {
	if s.method == jwt.SigningMethodHS256 {
		return s.hmacKey, nil
	}
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := s.rsaVerifiers[kid]
	if !ok {
		return nil, errors.New("unknown token key")
	}
	return pub, nil
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}


func normalizeOptions(opts Options) Options {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return opts
}
