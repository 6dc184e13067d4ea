package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// OllamaProvider targets a local Ollama daemon. Useful for running the relay
// without an upstream API key.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Opts    GenOptions
	Client  *http.Client
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResp struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string, opts GenOptions) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Opts:    opts,
		Client:  &http.Client{},
	}
}

func (p *OllamaProvider) options() map[string]any {
	opts := map[string]any{}
	if p.Opts.Temperature > 0 {
		opts["temperature"] = p.Opts.Temperature
	}
	if p.Opts.MaxTokens > 0 {
		opts["num_predict"] = p.Opts.MaxTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (p *OllamaProvider) do(ctx context.Context, stream bool, messages []Message) (*http.Response, error) {
	b, err := json.Marshal(ollamaChatReq{
		Model:    p.Model,
		Messages: messages,
		Stream:   stream,
		Options:  p.options(),
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UpstreamError{Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("ollama returned status %d", resp.StatusCode)}
	}
	return resp, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.do(ctx, false, messages)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &UpstreamError{Message: "failed to decode ollama response"}
	}
	if decoded.Error != "" {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: decoded.Error}
	}
	if decoded.Message.Content == "" {
		return "", &UpstreamError{Message: "No content generated"}
	}
	return decoded.Message.Content, nil
}

// StreamChat relays assistant content from Ollama's line-delimited JSON stream.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := p.do(ctx, true, messages)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- &UpstreamError{Message: "failed to decode ollama stream"}
				return
			}
			if decoded.Error != "" {
				errs <- &UpstreamError{StatusCode: resp.StatusCode, Message: decoded.Error}
				return
			}
			if decoded.Message.Content != "" {
				select {
				case chunks <- decoded.Message.Content:
				case <-ctx.Done():
					return
				}
			}
			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- &UpstreamError{Message: err.Error()}
		}
	}()

	return chunks, errs
}
