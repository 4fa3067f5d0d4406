// Package aiadapter calls an external conversational-AI provider for
// ticket triage and session chat (spec §4.2). Its control flow is
// grounded on the teacher's internal/agent/grpc_client.go retry/
// fallback shape, re-expressed over net/http since the provider here is
// a Dify-style HTTP API rather than a Go-to-Go gRPC peer.
package aiadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/metrics"
)

// ErrAI is wrapped by every adapter failure surfaced to a caller that
// explicitly needs the AI result (chat on an active session).
var ErrAI = errors.New("aiadapter: provider request failed")

// TriageResult is the shape triage() returns per spec §4.2.
type TriageResult struct {
	Text               string
	SuggestedOptions   []string
	DetectedIntent     string
	Urgency            domain.AIUrgency
	ConversationHandle string
}

// ChatResult is the shape chat() returns for session follow-ups.
type ChatResult struct {
	Text               string
	ConversationHandle string
}

// Credentials are the decrypted per-game AI provider inputs. The
// adapter is the only component that ever holds plaintext.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Decryptor turns a Game's encrypted credential blob into plaintext.
// Implementations live outside this package (internal/cryptutil) so the
// adapter never needs to know the encryption scheme.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Adapter is the HTTP client for the AI provider.
type Adapter struct {
	http      *http.Client
	decryptor Decryptor
	timeout   time.Duration
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New builds an Adapter with the spec §4.2 30-second per-request
// deadline. collector may be nil (tests construct an Adapter without
// one).
func New(decryptor Decryptor, collector *metrics.Collector, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		http:      &http.Client{Timeout: 30 * time.Second},
		decryptor: decryptor,
		timeout:   30 * time.Second,
		metrics:   collector,
		logger:    logger,
	}
}

type workflowRequest struct {
	Inputs map[string]string `json:"inputs"`
	User   string            `json:"user"`
}

type workflowResponse struct {
	Data struct {
		Outputs struct {
			Text               string   `json:"text"`
			SuggestedOptions   []string `json:"suggested_options"`
			DetectedIntent     string   `json:"detected_intent"`
			Urgency            string   `json:"urgency"`
			ConversationHandle string   `json:"conversation_handle"`
		} `json:"outputs"`
	} `json:"data"`
}

type chatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	User           string `json:"user"`
}

type chatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// Triage runs the primary workflow endpoint; on any non-success it
// falls back to the chat endpoint with the same inputs; if both fail it
// returns a deterministic safe default instead of an error, per spec
// §4.2 — triage never fails the player's ticket submission.
func (a *Adapter) Triage(ctx context.Context, description string, game *domain.Game) TriageResult {
	start := time.Now()
	defer func() { a.metrics.ObserveAITriage(time.Since(start)) }()

	creds, err := a.decryptCredentials(game)
	if err != nil {
		a.logger.Warn("aiadapter: credential decrypt failed, using safe default", "game_id", game.ID, "error", err)
		a.metrics.IncAIFailure("triage_safe_default")
		return safeDefault()
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if result, err := a.callWorkflow(ctx, creds, description); err == nil {
		return result
	} else {
		a.logger.Warn("aiadapter: workflow endpoint failed, falling back to chat", "error", err)
		a.metrics.IncAIFailure("triage_workflow")
	}

	chat, err := a.callChatRaw(ctx, creds, description, "")
	if err != nil {
		a.logger.Warn("aiadapter: chat fallback failed, returning safe default", "error", err)
		a.metrics.IncAIFailure("triage_safe_default")
		return safeDefault()
	}

	return TriageResult{
		Text:               sanitizeReply(chat.Answer),
		SuggestedOptions:   []string{"talk-to-agent", "faq"},
		DetectedIntent:     "unknown",
		Urgency:            domain.UrgencyNonUrgent,
		ConversationHandle: chat.ConversationID,
	}
}

func safeDefault() TriageResult {
	return TriageResult{
		Text:             "Thanks for reaching out — we've received your report and are looking into it.",
		SuggestedOptions: []string{"talk-to-agent", "faq"},
		DetectedIntent:   "unknown",
		Urgency:          domain.UrgencyNonUrgent,
	}
}

// Chat handles a follow-up player message on an already-triaged session.
// Unlike Triage, a provider error here is surfaced to the caller via
// ErrAI — the caller decides whether to degrade.
func (a *Adapter) Chat(ctx context.Context, query string, game *domain.Game, conversationHandle, userKey string) (ChatResult, error) {
	start := time.Now()
	defer func() { a.metrics.ObserveAIChat(time.Since(start)) }()

	creds, err := a.decryptCredentials(game)
	if err != nil {
		a.metrics.IncAIFailure("chat")
		return ChatResult{}, fmt.Errorf("%w: decrypt credentials: %v", ErrAI, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.callChatRaw(ctx, creds, query, conversationHandle)
	if err != nil {
		a.metrics.IncAIFailure("chat")
		return ChatResult{}, fmt.Errorf("%w: %v", ErrAI, err)
	}
	return ChatResult{Text: sanitizeReply(resp.Answer), ConversationHandle: resp.ConversationID}, nil
}

// Optimize rewrites an agent's draft reply; on failure it returns the
// draft unchanged rather than erroring, per spec §4.2.
func (a *Adapter) Optimize(ctx context.Context, draft, context_ string, game *domain.Game) string {
	creds, err := a.decryptCredentials(game)
	if err != nil {
		a.metrics.IncAIFailure("optimize")
		return draft
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.callChatRaw(ctx, creds, fmt.Sprintf("Rewrite this draft reply, context: %s\n\nDraft: %s", context_, draft), "")
	if err != nil {
		a.metrics.IncAIFailure("optimize")
		return draft
	}
	return sanitizeReply(resp.Answer)
}

func (a *Adapter) decryptCredentials(game *domain.Game) (Credentials, error) {
	plaintext, err := a.decryptor.Decrypt(game.AICredentialCiphertext)
	if err != nil {
		return Credentials{}, err
	}
	baseURL := game.AIBaseURL
	return Credentials{APIKey: plaintext, BaseURL: baseURL}, nil
}

func (a *Adapter) callWorkflow(ctx context.Context, creds Credentials, description string) (TriageResult, error) {
	var result TriageResult
	op := func() (TriageResult, error) {
		body, err := json.Marshal(workflowRequest{
			Inputs: map[string]string{"description": description},
			User:   "cs-dispatch",
		})
		if err != nil {
			return TriageResult{}, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.BaseURL+"/v1/workflows/run", bytes.NewReader(body))
		if err != nil {
			return TriageResult{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)

		resp, err := a.http.Do(req)
		if err != nil {
			return TriageResult{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return TriageResult{}, fmt.Errorf("workflow endpoint returned status %d", resp.StatusCode)
		}

		var parsed workflowResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return TriageResult{}, backoff.Permanent(fmt.Errorf("decode workflow response: %w", err))
		}

		return TriageResult{
			Text:               sanitizeReply(parsed.Data.Outputs.Text),
			SuggestedOptions:   parsed.Data.Outputs.SuggestedOptions,
			DetectedIntent:     parsed.Data.Outputs.DetectedIntent,
			Urgency:            domain.AIUrgency(strings.ToUpper(parsed.Data.Outputs.Urgency)),
			ConversationHandle: parsed.Data.Outputs.ConversationHandle,
		}, nil
	}

	result, err := backoff.Retry(ctx, op, backoff.WithMaxTries(1))
	return result, err
}

func (a *Adapter) callChatRaw(ctx context.Context, creds Credentials, query, conversationHandle string) (chatResponse, error) {
	body, err := json.Marshal(chatRequest{Query: query, ConversationID: conversationHandle, User: "cs-dispatch"})
	if err != nil {
		return chatResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.BaseURL+"/v1/chat-messages", bytes.NewReader(body))
	if err != nil {
		return chatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return chatResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return chatResponse{}, fmt.Errorf("chat endpoint returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return chatResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	return parsed, nil
}

var reasoningSuffix = regexp.MustCompile(`(?s)</redacted_reasoning>.*$`)

// sanitizeReply implements spec §4.2's text-sanitization rule: strip any
// wrapping JSON by extracting the innermost "text" field when the
// payload is or contains valid JSON, else strip a trailing
// </redacted_reasoning>… suffix.
func sanitizeReply(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}

	if trimmed[0] == '{' {
		var wrapper struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && wrapper.Text != "" {
			return sanitizeReply(wrapper.Text)
		}
	}

	return strings.TrimSpace(reasoningSuffix.ReplaceAllString(trimmed, ""))
}
