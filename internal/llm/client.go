// Package llm は記事分析用のLLMクライアントを提供する。
// 返すエラーはすべてresilienceの分類器で判別可能であり、
// 呼び出し側のリトライ/ブレーカーがそのまま適用できる。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/newsmcp/internal/cost"
	"github.com/hitoshi/newsmcp/internal/resilience"
)

// AnalysisResult はLLM分析1回の結果を表す。
// Sentiment/ImpactはLLMの返すJSONをそのまま保持する。
type AnalysisResult struct {
	Sentiment []byte
	Impact    []byte
	ModelTag  string
	Usage     cost.TokenUsage
}

// Client は記事分析のインターフェース。
type Client interface {
	// Analyze はプロンプトを分析し、sentiment/impactのJSONとトークン消費を返す。
	Analyze(ctx context.Context, prompt, modelTag string) (*AnalysisResult, error)
}

// Config はHTTPClientの設定。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient はchat completions互換APIを呼び出すLLMクライアント。
type HTTPClient struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient はHTTPClientの新しいインスタンスを生成する。
func NewHTTPClient(config Config, logger *slog.Logger) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &HTTPClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// systemPrompt は分析結果のJSONスキーマを指示する。
const systemPrompt = `You are a news analysis engine. Analyze the article and respond with a single JSON object:
{"sentiment": {"overall": <-1.0..1.0>, "label": "<negative|neutral|positive>"},
 "impact": {"overall": <0.0..1.0>, "sectors": [<sector names>]}}`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat responseFmt   `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFmt struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// analysisPayload はLLMの応答本文の期待形。
type analysisPayload struct {
	Sentiment json.RawMessage `json:"sentiment"`
	Impact    json.RawMessage `json:"impact"`
}

// Analyze はchat completions APIを1回呼び出す。
// リトライは行わない。呼び出し側がブレーカーとリトライで包む。
func (c *HTTPClient) Analyze(ctx context.Context, prompt, modelTag string) (*AnalysisResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: modelTag,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: responseFmt{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストの構築に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("リクエストの構築に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, resilience.NewClassifiedError(resilience.KindTimeout, err)
		}
		return nil, resilience.NewClassifiedError(resilience.KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.statusError(resp, raw)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, resilience.NewClassifiedError(resilience.KindParseError,
			fmt.Errorf("応答のデコードに失敗しました: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, resilience.NewClassifiedError(resilience.KindParseError,
			errors.New("応答にchoicesがありません"))
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &payload); err != nil {
		return nil, resilience.NewClassifiedError(resilience.KindParseError,
			fmt.Errorf("分析結果のJSONが不正です: %w", err))
	}
	if len(payload.Sentiment) == 0 || len(payload.Impact) == 0 {
		return nil, resilience.NewClassifiedError(resilience.KindParseError,
			errors.New("分析結果にsentiment/impactがありません"))
	}

	return &AnalysisResult{
		Sentiment: payload.Sentiment,
		Impact:    payload.Impact,
		ModelTag:  modelTag,
		Usage: cost.TokenUsage{
			Input:  parsed.Usage.PromptTokens,
			Output: parsed.Usage.CompletionTokens,
			Cached: parsed.Usage.PromptTokensDetails.CachedTokens,
		},
	}, nil
}

// statusError はHTTPステータスを分類済みエラーへ変換する。
func (c *HTTPClient) statusError(resp *http.Response, raw []byte) error {
	base := fmt.Errorf("LLM APIがステータス %d を返しました: %s", resp.StatusCode, string(raw))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := resilience.RetryAfterWait(resp.Header, 0)
		c.logger.Warn("LLM APIのレート制限に達しました",
			slog.Duration("retry_after", wait),
		)
		return resilience.NewRateLimitError(base, wait)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resilience.NewClassifiedError(resilience.KindAuthError, base)
	case resp.StatusCode >= 500:
		return resilience.NewClassifiedError(resilience.KindServerError, base)
	default:
		return resilience.NewClassifiedError(resilience.KindUnknown, base)
	}
}

// BuildPrompt は記事のタイトルと本文から分析プロンプトを組み立てる。
func BuildPrompt(title, description, content string) string {
	body := content
	if body == "" {
		body = description
	}
	const maxBodyRunes = 4000
	runes := []rune(body)
	if len(runes) > maxBodyRunes {
		body = string(runes[:maxBodyRunes])
	}
	return fmt.Sprintf("Title: %s\n\nBody:\n%s", title, body)
}
