// ABOUTME: HTTP implementation of ChatTransport against the orbit inference server
// ABOUTME: SSE streaming over net/http, REST endpoints via resty, [DONE] sentinel protocol

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/schmitech/orbit-chat/internal/model"
)

const (
	// doneSentinel terminates an SSE stream when the server sends no
	// structured done chunk.
	doneSentinel = "[DONE]"

	// chunkBufferSize is the channel buffer for stream chunks.
	chunkBufferSize = 16

	restTimeout = 30 * time.Second
)

// Client is the production ChatTransport. Streaming uses a raw net/http
// request because resty buffers response bodies; everything else goes
// through resty.
type Client struct {
	mu          sync.RWMutex
	apiURL      string
	sessionID   string
	adapterName string
	apiKey      string

	httpClient *http.Client
	rest       *resty.Client
	logger     *slog.Logger
}

var _ ChatTransport = (*Client)(nil)

// NewClient creates an unconfigured transport. apiKey may be empty for
// guest access.
func NewClient(apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rest := resty.New().
		SetTimeout(restTimeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rest.SetHeader("X-API-Key", apiKey)
	}
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{},
		rest:       rest,
		logger:     logger.With("component", "transport"),
	}
}

// Configure binds the client to an endpoint, session and adapter.
func (c *Client) Configure(apiURL, sessionID, adapterName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiURL = strings.TrimRight(apiURL, "/")
	c.sessionID = sessionID
	c.adapterName = adapterName
	c.rest.SetBaseURL(c.apiURL)
	c.logger.Debug("transport configured",
		"api_url", c.apiURL,
		"session_id", sessionID,
		"adapter", adapterName)
}

func (c *Client) snapshot() (apiURL, sessionID, adapterName string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiURL, c.sessionID, c.adapterName
}

// chatRequest is the JSON body sent to POST /v1/chat.
type chatRequest struct {
	Message     string   `json:"message"`
	Stream      bool     `json:"stream"`
	SessionID   string   `json:"session_id,omitempty"`
	AdapterName string   `json:"adapter_name,omitempty"`
	FileIDs     []string `json:"file_ids,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Language    string   `json:"language,omitempty"`
	ReturnAudio bool     `json:"return_audio,omitempty"`
	TTSVoice    string   `json:"tts_voice,omitempty"`
}

// StreamChat opens the SSE stream and decodes data: lines into chunks.
// The returned channel closes after a done chunk, the [DONE] sentinel,
// stream exhaustion, or context cancellation.
func (c *Client) StreamChat(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error) {
	apiURL, sessionID, adapterName := c.snapshot()
	if apiURL == "" {
		return nil, fmt.Errorf("transport not configured")
	}

	body := chatRequest{
		Message:     req.Content,
		Stream:      true,
		SessionID:   sessionID,
		AdapterName: adapterName,
		FileIDs:     req.FileIDs,
		ThreadID:    req.ThreadID,
		Language:    req.Language,
		ReturnAudio: req.ReturnAudio,
		TTSVoice:    req.TTSVoice,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	if sessionID != "" {
		httpReq.Header.Set("X-Session-ID", sessionID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("opening chat stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	ch := make(chan StreamChunk, chunkBufferSize)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

// readStream scans SSE data: lines until the sentinel, a done chunk, EOF
// or cancellation, then closes the channel.
func (c *Client) readStream(ctx context.Context, resp *http.Response, ch chan<- StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneSentinel || data == fmt.Sprintf("%q", doneSentinel) {
			return
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("undecodable stream chunk skipped", "error", err)
			continue
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			return
		}
		if chunk.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case ch <- StreamChunk{Err: fmt.Errorf("reading chat stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}

// stopResponse is the JSON body returned by POST /v1/chat/stop.
type stopResponse struct {
	Stopped bool `json:"stopped"`
}

// StopChat requests server-side cancellation of an in-flight stream.
func (c *Client) StopChat(ctx context.Context, sessionID, requestID string) (bool, error) {
	var out stopResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"session_id": sessionID, "request_id": requestID}).
		SetResult(&out).
		Post("/v1/chat/stop")
	if err != nil {
		return false, fmt.Errorf("stopping chat: %w", err)
	}
	if resp.IsError() {
		return false, c.restError(resp)
	}
	return out.Stopped, nil
}

// GetAdapterInfo fetches capability metadata for the configured adapter.
func (c *Client) GetAdapterInfo(ctx context.Context) (*model.AdapterInfo, error) {
	_, _, adapterName := c.snapshot()
	if adapterName == "" {
		return nil, fmt.Errorf("no adapter configured")
	}

	var info model.AdapterInfo
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/v1/adapters/" + adapterName)
	if err != nil {
		return nil, fmt.Errorf("fetching adapter info: %w", err)
	}
	if resp.IsError() {
		return nil, c.restError(resp)
	}
	return &info, nil
}

// historyResponse is the JSON body returned by GET /v1/history.
type historyResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// GetConversationHistory returns server-persisted messages for a session.
func (c *Client) GetConversationHistory(ctx context.Context, sessionID string, limit int) ([]HistoryMessage, error) {
	req := c.rest.R().
		SetContext(ctx).
		SetQueryParam("session_id", sessionID)
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprintf("%d", limit))
	}

	var out historyResponse
	resp, err := req.SetResult(&out).Get("/v1/history")
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	if resp.IsError() {
		return nil, c.restError(resp)
	}
	return out.Messages, nil
}

// DeleteConversationWithFiles removes server history and attached files
// for a session.
func (c *Client) DeleteConversationWithFiles(ctx context.Context, sessionID string, fileIDs []string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]any{"session_id": sessionID, "file_ids": fileIDs}).
		Delete("/v1/history")
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if resp.IsError() {
		return c.restError(resp)
	}
	return nil
}

// CreateThread creates a threaded sub-conversation rooted at a message.
func (c *Client) CreateThread(ctx context.Context, parentMessageID, parentSessionID string) (*ThreadHandle, error) {
	_, _, adapterName := c.snapshot()

	var handle ThreadHandle
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"parent_message_id": parentMessageID,
			"parent_session_id": parentSessionID,
			"adapter_name":      adapterName,
		}).
		SetResult(&handle).
		Post("/v1/threads")
	if err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	if resp.IsError() {
		return nil, c.restError(resp)
	}
	return &handle, nil
}

// errorBody is the structured error shape the server returns on failures.
type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) statusError(resp *http.Response) error {
	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil && eb.Error != "" {
		return fmt.Errorf("Server error: %s", eb.Error)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

func (c *Client) restError(resp *resty.Response) error {
	var eb errorBody
	if err := json.Unmarshal(resp.Body(), &eb); err == nil && eb.Error != "" {
		return fmt.Errorf("Server error: %s", eb.Error)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode())
}
