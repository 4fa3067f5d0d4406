// Package translation provides on-demand translation of a stored
// message into a target language (spec §4.3), caching the result on the
// message so a repeat request is idempotent. The cache-then-call shape
// mirrors the teacher's SSEMessageQueue (internal/agent/handler.go): a
// bounded per-key store consulted before any external call is made,
// except here the durable cache lives in the repository, not memory.
package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/playfront/cs-dispatch/internal/metrics"
	"github.com/playfront/cs-dispatch/internal/store"
)

// ErrTranslation is wrapped by every adapter failure.
var ErrTranslation = errors.New("translation: provider request failed")

// Result is what Translate returns.
type Result struct {
	TranslatedContent string
	SourceLang        string
	Provider          string
	TranslatedAt      time.Time
	Cached            bool
}

// Adapter calls an external translation provider and caches results on
// the message via the repository.
type Adapter struct {
	repo     store.Repository
	http     *http.Client
	baseURL  string
	apiKey   string
	provider string
	metrics  *metrics.Collector
}

// New builds an Adapter with the spec §5 15-second per-request deadline.
// collector may be nil (tests construct an Adapter without one).
func New(repo store.Repository, baseURL, apiKey string, collector *metrics.Collector) *Adapter {
	return &Adapter{
		repo:     repo,
		http:     &http.Client{Timeout: 15 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		provider: "cs-dispatch-translate",
		metrics:  collector,
	}
}

type translateRequest struct {
	Text       string `json:"text"`
	TargetLang string `json:"target_lang"`
}

type translateResponse struct {
	TranslatedText string `json:"translated_text"`
	SourceLang     string `json:"source_lang"`
}

// Translate returns the cached translation for (messageID, targetLang)
// if one exists; otherwise it calls the provider and persists the
// result before returning it. Never mutates the original message
// content.
func (a *Adapter) Translate(ctx context.Context, messageID, targetLang string) (Result, error) {
	translated, sourceLang, provider, at, ok, err := a.repo.GetMessageTranslation(ctx, messageID, targetLang)
	if err != nil {
		return Result{}, fmt.Errorf("%w: lookup cache: %v", ErrTranslation, err)
	}
	if ok {
		a.metrics.IncTranslationCacheHit()
		return Result{TranslatedContent: translated, SourceLang: sourceLang, Provider: provider, TranslatedAt: at, Cached: true}, nil
	}

	msg, err := a.repo.GetMessage(ctx, messageID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load message: %v", ErrTranslation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := a.callProvider(ctx, msg.Content, targetLang)
	a.metrics.ObserveTranslation(time.Since(start))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTranslation, err)
	}

	now := time.Now()
	if err := a.repo.SetMessageTranslation(ctx, messageID, targetLang, resp.TranslatedText, resp.SourceLang, a.provider, now); err != nil {
		return Result{}, fmt.Errorf("%w: persist: %v", ErrTranslation, err)
	}

	return Result{
		TranslatedContent: resp.TranslatedText,
		SourceLang:        resp.SourceLang,
		Provider:          a.provider,
		TranslatedAt:      now,
	}, nil
}

func (a *Adapter) callProvider(ctx context.Context, text, targetLang string) (translateResponse, error) {
	body, err := json.Marshal(translateRequest{Text: text, TargetLang: targetLang})
	if err != nil {
		return translateResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return translateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return translateResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return translateResponse{}, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var parsed translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return translateResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return parsed, nil
}
