package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10

	statsInterval = 5 * time.Second

	// controlQueueSize matches the spec's 8-slot control queue; overflow is
	// connection-fatal rather than dropped.
	controlQueueSize = 8

	maxFrameSize = 512 * 1024
)

// controlEvent is an internal, client-task-local event. Only the receive
// loop and the stats ticker enqueue these; the connection's own select loop
// is the sole consumer.
type controlEvent struct {
	kind        controlKind
	subscribeTo uint32
}

type controlKind int

const (
	controlSubscribe controlKind = iota
	controlUnsubscribeAll
	controlSendStats
)

// Client is the per-connection state machine described in the connection
// handler component: a single outbound sender guarded by a mutex (both the
// receive loop and the broadcast-forward loop may write to it), and at most
// one active chunk subscription.
type Client struct {
	id     int64
	conn   net.Conn
	server *Server

	sendMu sync.Mutex

	control   chan controlEvent
	closeOnce sync.Once

	currentSub *subscriberHandle
}

// ConnectionPool recycles Client structs the way the teacher's pool
// recycles its own client objects, sized for the connection-count churn of
// a long-running realtime service.
type ConnectionPool struct {
	pool sync.Pool
}

func NewConnectionPool() *ConnectionPool {
	cp := &ConnectionPool{}
	cp.pool = sync.Pool{
		New: func() interface{} {
			return &Client{
				control: make(chan controlEvent, controlQueueSize),
			}
		},
	}
	return cp
}

func (p *ConnectionPool) Get() *Client {
	c := p.pool.Get().(*Client)
	c.closeOnce = sync.Once{}
	c.currentSub = nil
	for {
		select {
		case <-c.control:
		default:
			return c
		}
	}
}

func (p *ConnectionPool) Put(c *Client) {
	if c == nil {
		return
	}
	c.conn = nil
	c.server = nil
	c.id = 0
	c.currentSub = nil
	p.pool.Put(c)
}

// clientIP resolves the source address per the proxy-header policy: when
// enabled, CF-Connecting-IP first, then the first comma-separated token of
// X-Forwarded-For, else the TCP peer address. A malformed header value
// falls through to the next source rather than erroring.
func clientIP(r *http.Request, parseProxyHeaders bool, peer string) string {
	if parseProxyHeaders {
		if ip := r.Header.Get("CF-Connecting-IP"); net.ParseIP(ip) != nil {
			return ip
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		return peer
	}
	return host
}

// handleWebSocket upgrades the connection and runs the client's full
// lifecycle to completion. Admission control happens before the upgrade:
// a rejected connection never occupies a slot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admission.TryAcquire() {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.admission.Release()
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ip := clientIP(r, s.settings.ParseProxyHeaders, r.RemoteAddr)

	c := s.connections.Get()
	c.conn = conn
	c.server = s
	c.id = atomic.AddInt64(&s.nextClientID, 1)

	s.metrics.IncClients()
	s.logger.Debug().Int64("client_id", c.id).Str("remote_ip", ip).Msg("client connected")

	s.clientsWG.Add(1)
	go s.runClient(c)
}

// runClient drives one connection end to end: Hello, then the steady-state
// select loop, until a fatal error or disconnect.
func (s *Server) runClient(c *Client) {
	defer s.clientsWG.Done()
	defer func() {
		c.closeOnce.Do(func() { c.conn.Close() })
		if c.currentSub != nil {
			s.store.Unsubscribe(c.currentSub)
		}
		s.metrics.DecClients()
		s.connections.Put(c)
		s.admission.Release()
	}()

	if err := c.sendFrame(AppendHello(nil)); err != nil {
		return
	}

	incoming := make(chan []byte, 1)
	readErrs := make(chan error, 1)
	go c.readLoop(incoming, readErrs)

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		var subCh chan Change
		if c.currentSub != nil {
			subCh = c.currentSub.ch
		}

		select {
		case frame, ok := <-incoming:
			if !ok {
				return
			}
			if !s.handleClientFrame(c, frame) {
				return
			}

		case err := <-readErrs:
			if err != nil {
				s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("client read error")
			}
			return

		case change := <-subCh:
			if err := c.sendFrame(AppendPartialStateUpdate(nil, change.ByteOffset, change.Bytes)); err != nil {
				return
			}

		case ev := <-c.control:
			if !s.handleControlEvent(c, ev) {
				return
			}

		case <-statsTicker.C:
			select {
			case c.control <- controlEvent{kind: controlSendStats}:
			default:
				// control queue full: connection-fatal per spec.
				return
			}

		case <-pingTicker.C:
			if err := c.sendPing(); err != nil {
				return
			}
		}
	}
}

// readLoop is the sole reader of the underlying connection, decoupling slow
// decode/dispatch from the steady-state select loop.
func (c *Client) readLoop(out chan<- []byte, errs chan<- error) {
	defer close(out)
	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			errs <- err
			return
		}
		if op == ws.OpClose {
			errs <- nil
			return
		}
		if op != ws.OpBinary {
			continue
		}
		if len(data) > maxFrameSize {
			errs <- nil
			return
		}
		out <- data
	}
}

// handleClientFrame decodes and dispatches one incoming frame. It returns
// false when the connection must be torn down.
func (s *Server) handleClientFrame(c *Client, frame []byte) bool {
	id, payload, err := Decode(frame)
	if err != nil {
		s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("protocol decode error")
		return false
	}
	if !id.IsClientMessage() {
		return true
	}

	switch id {
	case MsgChunkFullStateRequest:
		p := payload.(ChunkFullStateRequestPayload)
		bytes := s.store.ChunkBytesCopy(uint32(p.ChunkIndex))

		buf := s.bufferPool.Get(chunkFullStateResponsePayloadSize + 1)
		respFrame, err := AppendChunkFullStateResponse((*buf)[:0], p.ChunkIndex, bytes)
		if err != nil {
			s.bufferPool.Put(buf)
			return false
		}
		sendErr := c.sendFrame(respFrame)
		s.bufferPool.Put(buf)
		return sendErr == nil

	case MsgToggleBit:
		p := payload.(ToggleBitPayload)
		delta := s.store.Toggle(uint64(p.Index))
		s.metrics.AddCheckedBits(delta)
		s.metrics.IncBitToggles()

	case MsgPartialStateSubscription:
		p := payload.(PartialStateSubscriptionPayload)
		select {
		case c.control <- controlEvent{kind: controlSubscribe, subscribeTo: uint32(p.ChunkIndex)}:
		default:
			return false
		}

	case MsgPartialStateUnsubscription:
		select {
		case c.control <- controlEvent{kind: controlUnsubscribeAll}:
		default:
			return false
		}
	}
	return true
}

// handleControlEvent applies a Subscribe/UnsubscribeAll/SendStats control
// event. The receive loop never touches c.currentSub directly; only this
// function (running on the connection's own select loop) does.
func (s *Server) handleControlEvent(c *Client, ev controlEvent) bool {
	switch ev.kind {
	case controlSubscribe:
		if c.currentSub != nil {
			s.store.Unsubscribe(c.currentSub)
		}
		c.currentSub = s.store.Subscribe(ev.subscribeTo)

	case controlUnsubscribeAll:
		if c.currentSub != nil {
			s.store.Unsubscribe(c.currentSub)
			c.currentSub = nil
		}

	case controlSendStats:
		frame := AppendStats(nil, s.metrics.CurrentClients())
		return c.sendFrame(frame) == nil
	}
	return true
}

// sendFrame writes one binary frame under the sender mutex, the same mutex
// sendPing takes, so data frames and pings never interleave on the wire.
func (c *Client) sendFrame(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, ws.OpBinary, data)
}

// sendPing keeps the connection's read deadline alive for clients that are
// only subscribed (and so never send anything themselves). Control frames
// the client sends back are consumed inside wsutil.ReadClientData and never
// return to readLoop, so each ping extends the read deadline itself.
func (c *Client) sendPing() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
}
