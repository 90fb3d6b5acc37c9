package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"chat-client/internal/models"
)

// HTTPTranslator calls a LibreTranslate compatible POST /translate endpoint.
type HTTPTranslator struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter ratelimit.Limiter
}

type HTTPOptions struct {
	APIKey string
	// RPS caps outgoing requests per second; zero disables the limit.
	RPS    int
	Client *http.Client
}

func NewHTTPTranslator(baseURL string, opts HTTPOptions) *HTTPTranslator {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limiter := ratelimit.NewUnlimited()
	if opts.RPS > 0 {
		limiter = ratelimit.New(opts.RPS)
	}
	return &HTTPTranslator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
		limiter: limiter,
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

func (t *HTTPTranslator) Translate(ctx context.Context, text, lang string) (string, error) {
	if t.baseURL == "" {
		return "", unavailable("no translation endpoint configured")
	}
	body, err := json.Marshal(translateRequest{Q: text, Source: "auto", Target: lang, Format: "text", APIKey: t.apiKey})
	if err != nil {
		return "", err
	}

	t.limiter.Take()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrTranslationUnavailable, err)
	}
	defer resp.Body.Close()

	var out translateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", unavailable("decode response (status %d): %v", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", unavailable("status %d: %s", resp.StatusCode, out.Error)
	}
	if out.TranslatedText == "" {
		return "", unavailable("empty translation")
	}
	return out.TranslatedText, nil
}
