package serve

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"facemask/filter"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second
)

// StatusUpdater pushes filter status snapshots to websocket clients. Publish
// never blocks, so it can be called from the render loop.
type StatusUpdater struct {
	upgrader websocket.Upgrader
	cs       map[chan []byte]bool
	addc     chan chan []byte
	delc     chan chan []byte
	notify   chan struct{}
	quit     chan struct{}
	done     chan struct{}

	l      sync.Mutex
	latest []byte
}

func NewStatusUpdater() *StatusUpdater {
	m := &StatusUpdater{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:     make(map[chan []byte]bool),
		addc:   make(chan chan []byte),
		delc:   make(chan chan []byte),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *StatusUpdater) loop() {
	defer close(m.done)
	for {
		select {
		case c := <-m.addc:
			m.cs[c] = true
			if b := m.Latest(); b != nil {
				c <- b
			}
		case c := <-m.delc:
			delete(m.cs, c)
		case <-m.notify:
			b := m.Latest()
			for c := range m.cs {
				select {
				case c <- b:
				default:
					// Client still sending the previous status.
				}
			}
		case <-m.quit:
			for c := range m.cs {
				close(c)
			}
			return
		}
	}
}

// Publish records st as the latest status and wakes the broadcaster.
func (m *StatusUpdater) Publish(st filter.Status) {
	b, err := json.Marshal(st)
	if err != nil {
		log.Errorf("Failed to encode status: %v", err)
		return
	}
	m.l.Lock()
	m.latest = b
	m.l.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Latest returns the most recent status as JSON, or nil before the first one.
func (m *StatusUpdater) Latest() []byte {
	m.l.Lock()
	defer m.l.Unlock()
	return m.latest
}

// Close disconnects every client and stops the broadcaster.
func (m *StatusUpdater) Close() {
	close(m.quit)
	<-m.done
}

func (m *StatusUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for status stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *StatusUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to status socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from status socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	c := make(chan []byte, 1)
	select {
	case m.addc <- c:
	case <-m.done:
		return
	}
	defer func() {
		select {
		case m.delc <- c:
		case <-m.done:
		}
	}()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	go func() {
		for {
			if _, _, err := ws.NextReader(); err != nil {
				ws.Close()
				return
			}
		}
	}()

	for {
		select {
		case b, ok := <-c:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// StatusServer answers a plain GET with the latest status.
type StatusServer struct {
	Updater *StatusUpdater
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b := s.Updater.Latest()
	if b == nil {
		http.Error(w, "no status yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}
