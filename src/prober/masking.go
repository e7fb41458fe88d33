// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package prober

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"maskpipeworker/src/config"
	"maskpipeworker/src/model"
)

var errUnauthorized = errors.New("masking api rejected token")

// MaskingRunProber reports the status of a DataMasque run.
// The login token is cached across probes and dropped when the API answers 401, so
// the next probe logs in again.
type MaskingRunProber struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu    sync.Mutex
	token string
}

// NewMaskingRunProber builds a prober for cfg. cfg credentials must already be resolved.
func NewMaskingRunProber(cfg config.MaskingConfig) *MaskingRunProber {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		// DataMasque appliances ship with a self-signed certificate.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &MaskingRunProber{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.Timeout,
		},
	}
}

type loginResponse struct {
	Key string `json:"key"`
}

type runResponse struct {
	Status string `json:"status"`
}

func (p *MaskingRunProber) Probe(ctx context.Context, runID string) model.ProbeResult {
	token, err := p.authToken(ctx)
	if err != nil {
		return model.ProbeResult{RawError: err}
	}

	var run runResponse
	err = p.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/", token, nil, &run)
	switch {
	case errors.Is(err, errUnauthorized):
		p.dropToken(token)
		return model.ProbeResult{RawError: fmt.Errorf("masking run %s: %w", runID, err)}
	case err != nil:
		return model.ProbeResult{RawError: fmt.Errorf("masking run %s: %w", runID, err)}
	case run.Status == "":
		return model.ProbeResult{RawError: fmt.Errorf("masking run %s: response has no status", runID)}
	}
	return model.ProbeResult{RawStatus: run.Status}
}

func (p *MaskingRunProber) authToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}

	body, err := json.Marshal(map[string]string{"username": p.username, "password": p.password})
	if err != nil {
		return "", fmt.Errorf("masking login: %w", err)
	}
	var login loginResponse
	if err := p.do(ctx, http.MethodPost, "/api/auth/token/login/", "", body, &login); err != nil {
		return "", fmt.Errorf("masking login: %w", err)
	}
	if login.Key == "" {
		return "", errors.New("masking login: response has no key")
	}
	p.token = login.Key
	return p.token, nil
}

func (p *MaskingRunProber) dropToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == token {
		p.token = ""
	}
}

func (p *MaskingRunProber) do(ctx context.Context, method, path, token string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", model.ErrSubjectNotFound, method, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode body: %w", method, path, err)
	}
	return nil
}
