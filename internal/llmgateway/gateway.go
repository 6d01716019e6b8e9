// Package llmgateway is the stateless adapter over an external chat
// completion service. It knows nothing about discussions, roles or
// consensus; it only turns transcripts into text or structured JSON and
// classifies every failure into the errkind taxonomy.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/discussiond/internal/errkind"
	"github.com/vasic-digital/discussiond/internal/metrics"
)

// SpeakerKind tags one turn of a transcript handed to the gateway.
type SpeakerKind string

const (
	SpeakerSystem    SpeakerKind = "system"
	SpeakerUser      SpeakerKind = "user"
	SpeakerAssistant SpeakerKind = "assistant"
)

// Turn is one entry of the ordered transcript sent to complete_text/complete_json.
type Turn struct {
	SpeakerKind SpeakerKind
	Text        string
}

// DefaultTimeout is the per-call deadline when the caller supplies none.
const DefaultTimeout = 60 * time.Second

// Client is the LLM Gateway Client contract (spec §4.A).
type Client interface {
	CompleteText(ctx context.Context, modelID string, transcript []Turn, temperature float64, maxOutputTokens int) (string, error)
	CompleteJSON(ctx context.Context, modelID string, transcript []Turn, temperature float64, schemaHint string, out interface{}) error
	Normalize(userFriendlyName string) string
	// ListModels returns the model ids the upstream gateway currently
	// serves, restoring the model-discovery call the distilled spec
	// dropped (original_source/src/camel_engine/llm_provider.py's
	// get_available_models).
	ListModels(ctx context.Context) ([]string, error)
}

// Config configures an httpGateway.
type Config struct {
	BaseURL        string
	APIKey         string
	Referrer       string
	AppName        string
	Timeout        time.Duration
	MaxRetries     uint64
	ModelAliases   map[string]string
	// RateLimitRPS bounds outbound calls per second across every discussion
	// sharing this gateway. Zero disables the limiter.
	RateLimitRPS   int
	Logger         *logrus.Logger
}

// callRateLimiter bounds outbound gateway calls to a fixed rate across every
// discussion sharing one Client (spec §5 RateLimitRPS). It is a token
// bucket of size ratePerSecond, refilled once per tick.
type callRateLimiter struct {
	tokens chan struct{}
	ticker *time.Ticker
	stopCh chan struct{}
}

func newCallRateLimiter(ratePerSecond int) *callRateLimiter {
	rl := &callRateLimiter{
		tokens: make(chan struct{}, ratePerSecond),
		ticker: time.NewTicker(time.Second / time.Duration(ratePerSecond)),
		stopCh: make(chan struct{}),
	}
	go rl.refill()
	return rl
}

func (rl *callRateLimiter) refill() {
	for {
		select {
		case <-rl.ticker.C:
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *callRateLimiter) acquire(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rl *callRateLimiter) stop() {
	rl.ticker.Stop()
	close(rl.stopCh)
}

// httpGateway is the only Client implementation: a plain HTTPS POST to a
// chat-completion endpoint per spec §6's outbound boundary.
type httpGateway struct {
	cfg     Config
	http    *http.Client
	logger  *logrus.Logger
	limiter *callRateLimiter
}

// New builds a Client from cfg, filling in sane defaults the way the
// teacher's provider constructors do (zero-value config still works).
func New(cfg Config) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.ModelAliases == nil {
		cfg.ModelAliases = map[string]string{}
	}
	g := &httpGateway{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
	if cfg.RateLimitRPS > 0 {
		g.limiter = newCallRateLimiter(cfg.RateLimitRPS)
	}
	return g
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model_id"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *responseFmt  `json:"response_format,omitempty"`
}

type responseFmt struct {
	Type string `json:"type"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   interface{}  `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toChatMessages(transcript []Turn) []chatMessage {
	msgs := make([]chatMessage, 0, len(transcript))
	for _, t := range transcript {
		msgs = append(msgs, chatMessage{Role: string(t.SpeakerKind), Content: t.Text})
	}
	return msgs
}

// CompleteText implements Client.
func (g *httpGateway) CompleteText(ctx context.Context, modelID string, transcript []Turn, temperature float64, maxOutputTokens int) (string, error) {
	req := chatRequest{
		Model:       modelID,
		Messages:    toChatMessages(transcript),
		Temperature: temperature,
		MaxTokens:   maxOutputTokens,
	}

	resp, err := g.doWithRetry(ctx, "complete_text", req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		g.logger.WithFields(logrus.Fields{
			"model":            modelID,
			"transcript_turns": len(transcript),
		}).Warn("empty response from llm gateway")
		return "", errkind.New(errkind.Decode, "complete_text", fmt.Errorf("empty text for model %s", modelID))
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON implements Client.
func (g *httpGateway) CompleteJSON(ctx context.Context, modelID string, transcript []Turn, temperature float64, schemaHint string, out interface{}) error {
	req := chatRequest{
		Model:          modelID,
		Messages:       toChatMessages(transcript),
		Temperature:    temperature,
		ResponseFormat: &responseFmt{Type: "json_object"},
	}
	if schemaHint != "" {
		req.Messages = append(req.Messages, chatMessage{Role: string(SpeakerSystem), Content: "Respond with JSON matching: " + schemaHint})
	}

	resp, err := g.doWithRetry(ctx, "complete_json", req)
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return errkind.New(errkind.Decode, "complete_json", fmt.Errorf("empty content for model %s", modelID))
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
		return errkind.New(errkind.Decode, "complete_json", fmt.Errorf("unparseable JSON: %w", err))
	}
	return nil
}

// Normalize implements Client. It is a pure lookup over ModelAliases;
// unknown names pass through unchanged.
func (g *httpGateway) Normalize(userFriendlyName string) string {
	if canonical, ok := g.cfg.ModelAliases[userFriendlyName]; ok {
		return canonical
	}
	return userFriendlyName
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels implements Client. It is a plain GET against BaseURL+"/models",
// the same endpoint shape the outbound boundary's chat-completion POST uses,
// and is not retried: a failure here is reported as-is rather than masked
// behind the gateway's transient-failure retry policy.
func (g *httpGateway) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(g.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, errkind.New(errkind.Transport, "build_list_models_request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	httpResp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, errkind.New(errkind.Transport, "list_models", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errkind.New(errkind.Transport, "read_list_models_response", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, errkind.New(errkind.Upstream, "list_models", fmt.Errorf("status %d: %s", httpResp.StatusCode, string(raw)))
	}

	var parsed modelsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errkind.New(errkind.Decode, "list_models", err)
	}
	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// doWithRetry sends req and retries only transport-class failures
// (network error, timeout, 5xx) using exponential backoff. Auth, upstream
// semantic failures and decode errors are never retried.
func (g *httpGateway) doWithRetry(ctx context.Context, op string, req chatRequest) (*chatResponse, error) {
	var result *chatResponse

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.cfg.MaxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if g.limiter != nil {
			if err := g.limiter.acquire(ctx); err != nil {
				return backoff.Permanent(errkind.New(errkind.Transport, op, err))
			}
		}
		started := time.Now()
		resp, err := g.doOnce(ctx, req)
		if err != nil {
			outcome := string(errkind.KindOf(err))
			metrics.GatewayCallsTotal.WithLabelValues(outcome).Inc()
			metrics.GatewayCallLatency.WithLabelValues(req.Model, outcome).Observe(time.Since(started).Seconds())
			var kerr *errkind.Error
			if asErrkind(err, &kerr) && kerr.Kind != errkind.Transport {
				return backoff.Permanent(err)
			}
			g.logger.WithFields(logrus.Fields{
				"op":      op,
				"model":   req.Model,
				"kind":    errkind.KindOf(err),
				"attempt": attempt,
			}).Warn("llm gateway transport failure, retrying")
			return err
		}
		metrics.GatewayCallsTotal.WithLabelValues("ok").Inc()
		metrics.GatewayCallLatency.WithLabelValues(req.Model, "ok").Observe(time.Since(started).Seconds())
		result = resp
		return nil
	}, policy)

	if err != nil {
		g.logger.WithFields(logrus.Fields{"op": op, "model": req.Model, "kind": errkind.KindOf(err)}).Error("llm gateway call failed")
		return nil, err
	}
	return result, nil
}

func asErrkind(err error, target **errkind.Error) bool {
	e, ok := err.(*errkind.Error)
	if ok {
		*target = e
	}
	return ok
}

func (g *httpGateway) doOnce(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.New(errkind.Internal, "marshal_request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.New(errkind.Transport, "build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	if g.cfg.Referrer != "" {
		httpReq.Header.Set("HTTP-Referer", g.cfg.Referrer)
	}
	if g.cfg.AppName != "" {
		httpReq.Header.Set("X-Title", g.cfg.AppName)
	}

	httpResp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, errkind.New(errkind.Transport, "do_request", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errkind.New(errkind.Transport, "read_response", err)
	}

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return nil, errkind.New(errkind.Auth, "auth", fmt.Errorf("status %d: %s", httpResp.StatusCode, string(raw)))
	}
	if httpResp.StatusCode >= 500 {
		return nil, errkind.New(errkind.Transport, "server_error", fmt.Errorf("status %d: %s", httpResp.StatusCode, string(raw)))
	}
	if httpResp.StatusCode >= 400 {
		return nil, errkind.New(errkind.Upstream, "client_error", fmt.Errorf("status %d: %s", httpResp.StatusCode, string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errkind.New(errkind.Decode, "unmarshal_response", err)
	}
	if parsed.Error != nil {
		return nil, errkind.New(errkind.Upstream, "gateway_error", fmt.Errorf("%s", parsed.Error.Message))
	}
	return &parsed, nil
}
