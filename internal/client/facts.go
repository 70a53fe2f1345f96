package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/intelboard/intelboard/internal/refresh/facts"
)

// FactStream receives ambient fact cards for a location over a websocket.
// It is independent of any JobRunner: its failures never touch job state.
type FactStream struct {
	conn  *websocket.Conn
	cards chan facts.Card
	ended chan struct{}
	quit  chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// FactsURL returns the websocket URL of the fact stream for locationID.
func (c *Client) FactsURL(locationID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + "/locations/" + url.PathEscape(locationID) + "/facts/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// OpenFacts dials the fact stream for locationID. Cards arrive on Cards()
// until the server closes the stream, ctx ends or Close is called.
func (c *Client) OpenFacts(ctx context.Context, locationID string) (*FactStream, error) {
	wsURL, err := c.FactsURL(locationID)
	if err != nil {
		return nil, err
	}
	header := make(map[string][]string)
	if c.token != "" {
		header["Authorization"] = []string{"Bearer " + c.token}
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial fact stream: %w", err)
	}

	fs := &FactStream{
		conn:  conn,
		cards: make(chan facts.Card, 8),
		ended: make(chan struct{}),
		quit:  make(chan struct{}),
	}
	go fs.read()
	go func() {
		select {
		case <-ctx.Done():
			_ = fs.Close()
		case <-fs.ended:
		}
	}()
	return fs, nil
}

// Cards returns the channel of received cards. It is closed when the stream ends.
func (fs *FactStream) Cards() <-chan facts.Card {
	return fs.cards
}

// Err returns the error that ended the stream, or nil after a normal close.
func (fs *FactStream) Err() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.err
}

// Close closes the connection. It is safe to call more than once.
func (fs *FactStream) Close() error {
	var err error
	fs.once.Do(func() {
		close(fs.quit)
		_ = fs.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = fs.conn.Close()
	})
	return err
}

func (fs *FactStream) read() {
	defer close(fs.ended)
	defer close(fs.cards)
	for {
		var card facts.Card
		if err := fs.conn.ReadJSON(&card); err != nil {
			select {
			case <-fs.quit:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fs.mu.Lock()
				fs.err = err
				fs.mu.Unlock()
			}
			return
		}
		select {
		case fs.cards <- card:
		case <-fs.quit:
			return
		}
	}
}
