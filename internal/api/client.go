// Package api 实现 REST 协作方的客户端：游标拉取、已读上报与消息 CRUD。
// 所有请求都接受 context 取消；本包不做状态管理，只负责传输与错误分类。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-chatsync/internal/models"
)

const defaultTimeout = 30 * time.Second

// Client 是同步引擎使用的 HTTP 客户端。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FetchMessages 按方向+时间戳游标拉取一个消息窗口。
// direction=around 时 timestamp 为窗口中心；older/newer 时为当前边界。
func (c *Client) FetchMessages(ctx context.Context, convID string, timestamp int64, direction models.FetchDirection, limit int) (*models.FetchResult, error) {
	q := url.Values{}
	q.Set("direction", string(direction))
	if timestamp > 0 {
		q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res models.FetchResult
	path := fmt.Sprintf("/api/conversations/%s/messages?%s", url.PathEscape(convID), q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkRead 上报已读游标；应答携带服务端计算的权威未读数。
func (c *Client) MarkRead(ctx context.Context, convID, messageID string) (*models.ReadResult, error) {
	body := map[string]string{"messageId": messageID}
	var res models.ReadResult
	path := fmt.Sprintf("/api/conversations/%s/read", url.PathEscape(convID))
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateMessage 发送新消息；clientMsgID 作为服务端幂等键。
func (c *Client) CreateMessage(ctx context.Context, convID, clientMsgID, content string) (*models.Message, error) {
	body := map[string]string{"clientMsgId": clientMsgID, "content": content}
	var res struct {
		Message models.Message `json:"message"`
	}
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(convID))
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return nil, err
	}
	return &res.Message, nil
}

// UpdateMessage 编辑消息内容。
func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) (*models.Message, error) {
	body := map[string]string{"content": content}
	var res struct {
		Message models.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID), body, &res); err != nil {
		return nil, err
	}
	return &res.Message, nil
}

// DeleteMessage 删除消息。
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil)
}

// NotifySummaryRefresh 请求服务端向本用户的其它设备推送会话摘要刷新。
// 尽力而为：调用方忽略失败（只记日志）。
func (c *Client) NotifySummaryRefresh(ctx context.Context, convID string) error {
	path := fmt.Sprintf("/api/conversations/%s/refresh", url.PathEscape(convID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return classify(op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return classify(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		// 排空 body 以复用连接
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(op, err)
	}
	return nil
}
