package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Caches answer fast or not at all; origins get a longer leash.
	osdfCacheTimeout  = 5 * time.Second
	osdfOriginTimeout = 10 * time.Second
	// Tokens are minted per transfer and expire shortly after.
	osdfTokenTTL = 15 * time.Minute
)

// OSDF transfers objects over signed HTTP against an Open Science Data
// Federation origin, optionally trying a cache first on download.
type OSDF struct {
	origin   string
	cache    string
	issuer   string
	keyID    string
	key      *ecdsa.PrivateKey
	logger   *slog.Logger
	originHC *http.Client
	cacheHC  *http.Client
}

type OSDFConfig struct {
	// Origin is the federation origin URL prefix objects live under.
	Origin string
	// Cache is optional; when set, downloads try it first.
	Cache     string
	KeyID     string
	KeyPath   string
	KeyIssuer string
}

func NewOSDF(cfg OSDFConfig, logger *slog.Logger) (*OSDF, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	key, err := loadECKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("osdf key: %w: %v", ErrCredential, err)
	}
	return &OSDF{
		origin:   strings.TrimRight(cfg.Origin, "/"),
		cache:    strings.TrimRight(cfg.Cache, "/"),
		issuer:   cfg.KeyIssuer,
		keyID:    cfg.KeyID,
		key:      key,
		logger:   logger,
		originHC: &http.Client{Timeout: osdfOriginTimeout},
		cacheHC:  &http.Client{Timeout: osdfCacheTimeout},
	}, nil
}

func (o *OSDF) Upload(ctx context.Context, localPath, objectPath string) error {
	token, err := o.mintToken("storage.modify:/ storage.create:/")
	if err != nil {
		return err
	}
	f, err := openLocal(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, o.origin+"/"+objectPath, f)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := o.originHC.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", objectPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("put %s: origin returned %s", objectPath, resp.Status)
	}
	return nil
}

// Download tries the cache first when configured, falling back to the
// origin on any cache failure. The caller verifies the downloaded hash.
func (o *OSDF) Download(ctx context.Context, objectPath, localPath string) error {
	token, err := o.mintToken("storage.read:/")
	if err != nil {
		return err
	}
	if o.cache != "" {
		err := o.fetch(ctx, o.cacheHC, o.cache+"/"+objectPath, localPath, token)
		if err == nil {
			return nil
		}
		o.logger.Info("cache miss, falling back to origin", "object", objectPath, "error", err)
	}
	return o.fetch(ctx, o.originHC, o.origin+"/"+objectPath, localPath, token)
}

func (o *OSDF) fetch(ctx context.Context, hc *http.Client, url, localPath, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("get %s: %s: %w", url, resp.Status, ErrCredential)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("get %s: %s", url, resp.Status)
	}

	dst, err := createLocal(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}
	return dst.Close()
}

// mintToken signs a short-lived WLCG bearer token with the user-held key.
// Tokens are minted just before each transfer; they are never cached
// because the TTL is shorter than a long batch.
func (o *OSDF) mintToken(scope string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":      o.issuer,
		"iat":      now.Unix(),
		"exp":      now.Add(osdfTokenTTL).Unix(),
		"scope":    scope,
		"wlcg.ver": "1.0",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = o.keyID
	signed, err := token.SignedString(o.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w: %v", ErrCredential, err)
	}
	return signed, nil
}

func loadECKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("key %s: no PEM block", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %s: not an EC key", path)
	}
	return key, nil
}
