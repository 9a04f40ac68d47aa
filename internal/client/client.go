// Package client 是 hangout HTTP API 的 Go 客户端。
// 只有幂等的 GET 会在 5xx 或网络错误时重试，写操作从不重试。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nexus/internal/apperr"
	"nexus/internal/hangout"
	"nexus/internal/service"
	"nexus/internal/session"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const maxAttempts = 3

type APIClient struct {
	baseURL     string
	httpClient  *http.Client
	accessToken string
	newBackOff  func() backoff.BackOff
}

var _ session.HistoryFetcher = (*APIClient)(nil)

type Option func(*APIClient)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *APIClient) { c.httpClient = hc }
}

// WithBackOff 替换 GET 重试的退避策略。
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *APIClient) { c.newBackOff = fn }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.Reset()
	return b
}

// New 创建客户端，baseURL 形如 http://host:8080。
func New(baseURL string, opts ...Option) *APIClient {
	c := &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *APIClient) SetToken(token string) { c.accessToken = token }

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    apperr.Code     `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// do 发送一次请求，返回 HTTP 状态码供重试判断；传输错误时状态码为 0。
func (c *APIClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "encode request")
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, apperr.Wrap(apperr.CodeTimeout, "request timed out", err)
		}
		return 0, apperr.Wrap(apperr.CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apperr.Wrap(apperr.CodeNetwork, "read response", err)
	}
	var env envelope
	if len(raw) > 0 {
		// 网关返回的非 JSON 错误页只保留状态码
		_ = json.Unmarshal(raw, &env)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, apperr.FromStatus(resp.StatusCode, env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decode response")
		}
	}
	return resp.StatusCode, nil
}

func retryable(status int, err error) bool {
	if status >= 500 {
		return true
	}
	return status == 0 && apperr.CodeOf(err) == apperr.CodeNetwork
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	op := func() error {
		status, err := c.do(ctx, http.MethodGet, path, nil, out)
		if err != nil && !retryable(status, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxAttempts-1), ctx)
	return backoff.Retry(op, b)
}

func (c *APIClient) send(ctx context.Context, method, path string, body, out any) error {
	_, err := c.do(ctx, method, path, body, out)
	return err
}

func roomPath(hangoutID uint, rest string) string {
	return "/api/hangout/rooms/" + strconv.FormatUint(uint64(hangoutID), 10) + rest
}

func messagePath(messageID uint, rest string) string {
	return "/api/hangout/messages/" + strconv.FormatUint(uint64(messageID), 10) + rest
}

// Auth

func (c *APIClient) Register(ctx context.Context, username, password string) (*service.RegisterResult, error) {
	var out service.RegisterResult
	err := c.send(ctx, http.MethodPost, "/api/auth/register", map[string]string{"username": username, "password": password}, &out)
	return &out, err
}

// Login 登录成功后自动保存 access token。
func (c *APIClient) Login(ctx context.Context, username, password string) (*service.TokenPair, error) {
	var out service.TokenPair
	if err := c.send(ctx, http.MethodPost, "/api/auth/login", map[string]string{"username": username, "password": password}, &out); err != nil {
		return nil, err
	}
	c.accessToken = out.AccessToken
	return &out, nil
}

func (c *APIClient) Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error) {
	var out service.TokenPair
	if err := c.send(ctx, http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": refreshToken}, &out); err != nil {
		return nil, err
	}
	c.accessToken = out.AccessToken
	return &out, nil
}

// Hangouts

func (c *APIClient) CreateHangout(ctx context.Context, p service.CreateParams) (*service.HangoutDTO, error) {
	var out service.HangoutDTO
	if err := c.send(ctx, http.MethodPost, "/api/hangout/rooms", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) GetHangout(ctx context.Context, hangoutID uint) (*service.HangoutDTO, error) {
	var out service.HangoutDTO
	if err := c.get(ctx, roomPath(hangoutID, ""), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) JoinByCode(ctx context.Context, code string) (*service.HangoutDTO, error) {
	var out service.HangoutDTO
	if err := c.send(ctx, http.MethodPost, "/api/hangout/join-by-id", map[string]string{"join_code": code}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) UserRole(ctx context.Context, hangoutID, userID uint) (hangout.Role, error) {
	var out struct {
		Role hangout.Role `json:"role"`
	}
	err := c.get(ctx, roomPath(hangoutID, "/user-role/"+strconv.FormatUint(uint64(userID), 10)), &out)
	return out.Role, err
}

func (c *APIClient) Permissions(ctx context.Context, hangoutID, userID uint) (*hangout.Permissions, error) {
	var out hangout.Permissions
	if err := c.get(ctx, roomPath(hangoutID, "/permissions/"+strconv.FormatUint(uint64(userID), 10)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages

// ListMessages 读取历史消息，beforeID 为 0 时返回最新一页。
func (c *APIClient) ListMessages(ctx context.Context, hangoutID uint, limit int, beforeID uint) ([]hangout.MessageView, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatUint(uint64(beforeID), 10))
	}
	path := roomPath(hangoutID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []hangout.MessageView
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHistory 实现 session.HistoryFetcher。
func (c *APIClient) FetchHistory(ctx context.Context, hangoutID uint) ([]hangout.MessageView, error) {
	return c.ListMessages(ctx, hangoutID, 50, 0)
}

func (c *APIClient) SendMessage(ctx context.Context, hangoutID uint, content string) (*hangout.MessageView, error) {
	var out hangout.MessageView
	if err := c.send(ctx, http.MethodPost, roomPath(hangoutID, "/messages"), map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) LockMessage(ctx context.Context, messageID uint, reason string) error {
	return c.send(ctx, http.MethodPost, messagePath(messageID, "/lock"), map[string]string{"reason": reason}, nil)
}

func (c *APIClient) UnlockMessage(ctx context.Context, messageID uint) error {
	return c.send(ctx, http.MethodPost, messagePath(messageID, "/unlock"), nil, nil)
}

func (c *APIClient) RestrictDeletion(ctx context.Context, messageID uint, reason string, allowAuthorDelete bool) error {
	body := map[string]any{"reason": reason, "allow_author_delete": allowAuthorDelete}
	return c.send(ctx, http.MethodPost, messagePath(messageID, "/restrict-deletion"), body, nil)
}

func (c *APIClient) UnrestrictDeletion(ctx context.Context, messageID uint) error {
	return c.send(ctx, http.MethodPost, messagePath(messageID, "/unrestrict-deletion"), nil, nil)
}

func (c *APIClient) CanDelete(ctx context.Context, messageID uint) (*hangout.Decision, error) {
	var out hangout.Decision
	if err := c.get(ctx, messagePath(messageID, "/can-delete"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) MessageStatus(ctx context.Context, messageID uint) (*service.IntegrityStatus, error) {
	var out service.IntegrityStatus
	if err := c.get(ctx, messagePath(messageID, "/status"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteMessage(ctx context.Context, messageID uint) error {
	return c.send(ctx, http.MethodDelete, messagePath(messageID, ""), nil, nil)
}
