package facts

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/intelboard/intelboard/internal/logger"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NameFunc resolves a location id to its display name.
type NameFunc func(locationID string) string

// Streamer serves fact cards over a websocket.
type Streamer struct {
	gen      *Generator
	names    NameFunc
	interval time.Duration
	maxCards int
	logger   arbor.ILogger
}

// NewStreamer creates a streamer sending one card per interval, at most
// maxCards per connection. maxCards <= 0 means unlimited.
func NewStreamer(gen *Generator, names NameFunc, interval time.Duration, maxCards int, log arbor.ILogger) *Streamer {
	if interval <= 0 {
		interval = 6 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Streamer{gen: gen, names: names, interval: interval, maxCards: maxCards, logger: log}
}

// ServeWS upgrades the request and streams cards until the client leaves,
// the request context ends or the card limit is reached. Errors are logged
// and never reported to the caller.
func (s *Streamer) ServeWS(w http.ResponseWriter, r *http.Request, locationID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("location_id", locationID).Msg("Failed to upgrade facts websocket")
		return
	}
	defer conn.Close()

	// The read loop only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Msg("Facts websocket closed")
				}
				return
			}
		}
	}()

	name := ""
	if s.names != nil {
		name = s.names(locationID)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	sent := 0
	send := func() bool {
		card := s.gen.Next(locationID, name)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(card); err != nil {
			s.logger.Debug().Err(err).Str("location_id", locationID).Msg("Failed to send fact card")
			return false
		}
		sent++
		return true
	}

	if !send() {
		return
	}
	for s.maxCards <= 0 || sent < s.maxCards {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(writeWait))
}
