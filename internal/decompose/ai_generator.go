package decompose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const systemPrompt = `Ты опытный руководитель исследовательских проектов. Разбей задачу на 5-7 подзадач, которые выполнят люди с помощью AI.
Тип каждой подзадачи: discovery, extraction, mapping, assembly или narrative.
Ответь ТОЛЬКО JSON-массивом объектов с полями: title, description, type, budget_percent (целое, сумма 100), estimated_hours, acceptance_criteria (массив строк).`

// AIGenerator разбивает задачу через OpenAI-совместимый API.
type AIGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewAIGenerator(baseURL, apiKey, model string) *AIGenerator {
	if model == "" {
		model = "grok-4.1-fast:free"
	}
	return &AIGenerator{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *AIGenerator) Decompose(ctx context.Context, req Request) ([]Proposal, error) {
	prompt := fmt.Sprintf("Задача: %s\n\n%s", req.Title, req.Description)
	if req.Context != "" {
		prompt += "\n\nДополнительный контекст: " + req.Context
	}
	messages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": prompt},
	}

	response, err := g.chatCompletion(ctx, messages)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(extractJSONArray(response)))
}

func (g *AIGenerator) chatCompletion(ctx context.Context, messages []map[string]string) (string, error) {
	if g.baseURL == "" {
		return "", fmt.Errorf("ai: baseURL не задан")
	}

	payload := map[string]any{
		"model":       g.model,
		"messages":    messages,
		"max_tokens":  4096,
		"temperature": 0.3,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := g.baseURL
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	url += "chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errorBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errorBody)
		return "", fmt.Errorf("ai: код ответа %d: %v", resp.StatusCode, errorBody)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("ai: пустой ответ")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

var codeBlock = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// extractJSONArray достаёт JSON-массив из ответа модели: из markdown-блока или по скобкам.
func extractJSONArray(text string) string {
	if m := codeBlock.FindStringSubmatch(text); len(m) > 1 {
		text = m[1]
	}
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return text
}
