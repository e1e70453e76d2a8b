package realtime

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chatsync/internal/logging"
	"go-chatsync/internal/models"
)

// WSTransport 基于 gorilla/websocket 的传输实现：每个通道键一条连接。
type WSTransport struct {
	baseURL string // 例如 ws://host:port/ws
	token   string
	dialer  *websocket.Dialer
}

func NewWSTransport(baseURL, token string) *WSTransport {
	return &WSTransport{
		baseURL: baseURL,
		token:   token,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Subscribe 拨号并启动读循环；读循环退出时通道进入 disconnected。
func (t *WSTransport) Subscribe(ctx context.Context, key string, params map[string]string, onMessage func([]byte)) (Channel, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("channel", key)
	q.Set("token", t.token)
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	ch := &wsChannel{key: key, state: models.ChannelConnecting}
	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		ch.setState(models.ChannelDisconnected)
		return nil, err
	}
	ch.conn = conn
	ch.setState(models.ChannelConnected)
	go ch.readLoop(onMessage)
	return ch, nil
}

type wsChannel struct {
	key   string
	mu    sync.Mutex
	state models.ChannelState
	conn  *websocket.Conn
	// 写互斥：gorilla 连接不允许并发写
	writeMu sync.Mutex
}

func (c *wsChannel) Key() string { return c.key }

func (c *wsChannel) State() models.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsChannel) setState(s models.ChannelState) {
	c.mu.Lock()
	// closed 是终态，断线回调不得覆盖
	if c.state != models.ChannelClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *wsChannel) readLoop(onMessage func([]byte)) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setState(models.ChannelDisconnected)
			logging.Logger.Debug().Str("channel", c.key).Err(err).Msg("read loop exit")
			return
		}
		onMessage(data)
	}
}

// Disconnect 主动关闭：先发 close 帧再关底层连接。
func (c *wsChannel) Disconnect() error {
	c.mu.Lock()
	if c.state == models.ChannelClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = models.ChannelClosed
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
