package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/signing"
)

var (
	sessionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashwork",
		Subsystem: "transport",
		Name:      "miner_sessions",
		Help:      "Number of live miner websocket sessions.",
	})
	challengesDroppedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "transport",
		Name:      "challenges_dropped_total",
		Help:      "Challenges dropped because a miner feed was full.",
	})
	proofsForwardedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "transport",
		Name:      "proofs_forwarded_total",
		Help:      "Proofs accepted over websocket and handed to the validator.",
	})
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	helloWait    = 10 * time.Second
	maxFrameSize = 1 << 20

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Frame types carried over a miner session.
const (
	FrameHello     = "hello"
	FrameChallenge = "challenge"
	FrameProof     = "proof"
)

// Frame is the wire unit of the miner link. Type selects which of the
// payload fields is set.
type Frame struct {
	Type      string                                 `json:"type"`
	Hello     *signing.Envelope[HelloMessage]        `json:"hello,omitempty"`
	Challenge *shared.ChallengeMessage               `json:"challenge,omitempty"`
	Proof     *signing.Envelope[shared.ProofMessage] `json:"proof,omitempty"`
}

// HelloMessage introduces a miner. It is sealed with the miner's key,
// so the claimed id can be checked against the signer.
type HelloMessage struct {
	MinerID string
}

// ProofSink receives proofs arriving over the transport.
type ProofSink interface {
	SubmitProof(ctx context.Context, env *signing.Envelope[shared.ProofMessage]) error
}

type session struct {
	minerID string
	conn    *websocket.Conn
	send    chan *shared.ChallengeMessage

	once sync.Once
	done chan struct{}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Hub accepts miner websocket connections on the validator side.
// Each session starts with a sealed hello naming the miner; after
// that the hub pushes challenges down and forwards proofs up to the
// sink. A miner reconnecting under the same id replaces its old
// session.
type Hub struct {
	sink     ProofSink
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

func NewHub(sink ProofSink) *Hub {
	return &Hub{
		sink: sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
	}
}

// Handle upgrades an HTTP request to a miner session and serves it
// until the connection drops.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context()).Named("hub")
	ctx := logging.NewContext(r.Context(), logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	minerID, err := h.awaitHello(conn)
	if err != nil {
		logger.Info("rejecting miner connection", zap.Error(err))
		conn.Close()
		return
	}

	s := &session{
		minerID: minerID,
		conn:    conn,
		send:    make(chan *shared.ChallengeMessage, challengeBuffer),
		done:    make(chan struct{}),
	}
	h.register(s)
	logger.Info("miner connected", zap.String("miner", minerID))

	go h.writeLoop(ctx, s)
	h.readLoop(ctx, s)

	h.unregister(s)
	s.close()
	logger.Info("miner disconnected", zap.String("miner", minerID))
}

// awaitHello reads the first frame and checks that the miner id it
// claims matches the key that sealed it.
func (h *Hub) awaitHello(conn *websocket.Conn) (string, error) {
	conn.SetReadLimit(maxFrameSize)
	if err := conn.SetReadDeadline(time.Now().Add(helloWait)); err != nil {
		return "", err
	}
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	if frame.Type != FrameHello || frame.Hello == nil {
		return "", fmt.Errorf("expected hello frame, got %q", frame.Type)
	}
	signed, err := frame.Hello.Open()
	if err != nil {
		return "", fmt.Errorf("verifying hello: %w", err)
	}
	if id := signed.Data().MinerID; id != frame.Hello.PubKey {
		return "", fmt.Errorf("hello claims miner %s but is signed by %s", id, frame.Hello.PubKey)
	}
	return signed.Data().MinerID, nil
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	old := h.sessions[s.minerID]
	h.sessions[s.minerID] = s
	n := len(h.sessions)
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	sessionsMetric.Set(float64(n))
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if h.sessions[s.minerID] == s {
		delete(h.sessions, s.minerID)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	sessionsMetric.Set(float64(n))
}

func (h *Hub) writeLoop(ctx context.Context, s *session) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(&Frame{Type: FrameChallenge, Challenge: msg}); err != nil {
				logger.Debug("challenge write failed", zap.String("miner", s.minerID), zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, s *session) {
	logger := logging.FromContext(ctx)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("session read failed", zap.String("miner", s.minerID), zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case FrameProof:
			if frame.Proof == nil {
				continue
			}
			if err := h.sink.SubmitProof(ctx, frame.Proof); err != nil {
				logger.Warn("proof rejected", zap.String("miner", s.minerID), zap.Error(err))
				continue
			}
			proofsForwardedMetric.Inc()
		default:
			logger.Debug("unexpected frame", zap.String("miner", s.minerID), zap.String("type", frame.Type))
		}
	}
}

// SendChallenge pushes a challenge to a connected miner. Like the
// in-memory transport it never blocks the issuing round: a session
// that is not draining loses the challenge.
func (h *Hub) SendChallenge(ctx context.Context, minerID string, msg *shared.ChallengeMessage) error {
	h.mu.Lock()
	s, ok := h.sessions[minerID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("miner %s is not connected", minerID)
	}
	select {
	case s.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		challengesDroppedMetric.Inc()
		logging.FromContext(ctx).Info("miner not draining challenges, dropping",
			zap.String("miner", minerID), zap.String("challenge", msg.ChallengeID))
		return nil
	}
}

// ConnectedMiners lists miners with a live session, in id order.
func (h *Hub) ConnectedMiners() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Shutdown closes every live session. Hijacked websocket connections
// are not reached by the HTTP server's own shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// ErrNotConnected is returned by Client.SubmitProof while the link to
// the validator is down.
var ErrNotConnected = errors.New("validator link is down")

// Client keeps a miner connected to the validator hub. It dials,
// introduces itself with a sealed hello, feeds incoming challenges to
// Challenges and writes proofs back over the same connection,
// redialing with backoff until the context ends.
type Client struct {
	url string
	key signing.Key

	challenges chan *shared.ChallengeMessage

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(url string, key signing.Key) *Client {
	return &Client{
		url:        url,
		key:        key,
		challenges: make(chan *shared.ChallengeMessage, challengeBuffer),
	}
}

// Challenges returns the feed of challenges pushed by the validator.
// It stays open across reconnects.
func (c *Client) Challenges() <-chan *shared.ChallengeMessage {
	return c.challenges
}

// SubmitProof sends a sealed proof over the live link.
func (c *Client) SubmitProof(ctx context.Context, env *signing.Envelope[shared.ProofMessage]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(&Frame{Type: FrameProof, Proof: env})
}

// Run dials the hub and serves the link until ctx ends, redialing
// with exponential backoff after every disconnect.
func (c *Client) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("link")
	ctx = logging.NewContext(ctx, logger)

	backoff := initialBackoff
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			backoff = initialBackoff
		}
		logger.Warn("validator link lost, redialing",
			zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connection to end of life. It reports whether the
// hello made it out, so the caller knows to reset its backoff.
func (c *Client) session(ctx context.Context) (bool, error) {
	logger := logging.FromContext(ctx)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	// Reads below have no ctx; cancelling the context kills the
	// connection out from under them instead.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hello, err := signing.Seal(HelloMessage{MinerID: c.key.MinerID()}, c.key)
	if err != nil {
		return false, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&Frame{Type: FrameHello, Hello: hello}); err != nil {
		return false, fmt.Errorf("sending hello: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	logger.Info("connected to validator", zap.String("url", c.url))

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return true, err
		}
		switch frame.Type {
		case FrameChallenge:
			if frame.Challenge == nil {
				continue
			}
			select {
			case c.challenges <- frame.Challenge:
			default:
				challengesDroppedMetric.Inc()
				logger.Warn("challenge feed full, dropping",
					zap.String("challenge", frame.Challenge.ChallengeID))
			}
		default:
			logger.Debug("unexpected frame", zap.String("type", frame.Type))
		}
	}
}
