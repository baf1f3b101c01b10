package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/pkg/httpretry"
)

// defaultVerifyURL is Google's siteverify endpoint.
const defaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// Verifier decides whether a subscribe submission came from a human.
// A nil Verifier on the handler disables verification entirely.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// RecaptchaVerifier checks tokens against the reCAPTCHA siteverify API.
type RecaptchaVerifier struct {
	client    httpretry.Doer
	secret    string
	verifyURL string
}

// NewRecaptchaVerifier builds a verifier from configuration. Returns nil
// when verification is disabled, which callers treat as always-pass.
func NewRecaptchaVerifier(cfg config.RecaptchaConfig) *RecaptchaVerifier {
	if !cfg.Enabled || cfg.Secret == "" {
		return nil
	}
	verifyURL := cfg.VerifyURL
	if verifyURL == "" {
		verifyURL = defaultVerifyURL
	}
	return &RecaptchaVerifier{
		client:    httpretry.New(&http.Client{Timeout: 10 * time.Second}, 2),
		secret:    cfg.Secret,
		verifyURL: verifyURL,
	}
}

// Verify posts the token to siteverify. Transport failures are returned
// as errors so the caller can decide whether to fail open or closed.
func (v *RecaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("recaptcha verify: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("recaptcha decode: %w", err)
	}
	return result.Success, nil
}
