package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/signing"
	"github.com/hashworknet/hashwork/transport"
)

type testSink struct {
	mu     sync.Mutex
	reject error
	envs   []*signing.Envelope[shared.ProofMessage]
}

func (s *testSink) SubmitProof(_ context.Context, env *signing.Envelope[shared.ProofMessage]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return s.reject
}

func (s *testSink) proofs() []*signing.Envelope[shared.ProofMessage] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*signing.Envelope[shared.ProofMessage](nil), s.envs...)
}

func startHub(t *testing.T, sink transport.ProofSink) (*transport.Hub, string) {
	t.Helper()
	hub := transport.NewHub(sink)
	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, url string, key signing.Key) *transport.Client {
	t.Helper()
	client := transport.NewClient(url, key)
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	var eg errgroup.Group
	eg.Go(func() error {
		return client.Run(ctx)
	})
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})
	return client
}

func awaitMiner(t *testing.T, hub *transport.Hub, minerID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		miners := hub.ConnectedMiners()
		return len(miners) == 1 && miners[0] == minerID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHubAndClientExchange(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	key, err := signing.NewKey()
	req.NoError(err)
	sink := &testSink{}
	hub, url := startHub(t, sink)
	client := startClient(t, url, key)
	awaitMiner(t, hub, key.MinerID())

	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	req.NoError(hub.SendChallenge(ctx, key.MinerID(), challengeMsg("c1")))

	var msg *shared.ChallengeMessage
	req.Eventually(func() bool {
		select {
		case msg = <-client.Challenges():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	req.Equal("c1", msg.ChallengeID)
	req.Equal(uint64(12000), msg.TimeoutMS)

	env, err := signing.Seal(shared.ProofMessage{
		ChallengeID: "c1",
		MinerID:     key.MinerID(),
		Nonce:       77,
		ElapsedMS:   321,
		DeviceID:    "unit-0",
	}, key)
	req.NoError(err)
	req.NoError(client.SubmitProof(ctx, env))

	req.Eventually(func() bool {
		return len(sink.proofs()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	got := sink.proofs()[0]
	signed, err := got.Open()
	req.NoError(err)
	req.Equal("c1", signed.Data().ChallengeID)
	req.Equal(key.MinerID(), got.PubKey)
	req.Equal(uint32(77), signed.Data().Nonce)
}

func TestHubRejectsBadHello(t *testing.T) {
	t.Parallel()

	key, err := signing.NewKey()
	require.NoError(t, err)

	dialAndSend := func(t *testing.T, url string, frame *transport.Frame) error {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, conn.WriteJSON(frame))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var reply transport.Frame
		return conn.ReadJSON(&reply)
	}

	t.Run("claimed id does not match the signer", func(t *testing.T) {
		hub, url := startHub(t, &testSink{})
		hello, err := signing.Seal(transport.HelloMessage{MinerID: "someone-else"}, key)
		require.NoError(t, err)
		err = dialAndSend(t, url, &transport.Frame{Type: transport.FrameHello, Hello: hello})
		require.Error(t, err)
		require.Empty(t, hub.ConnectedMiners())
	})
	t.Run("first frame is not a hello", func(t *testing.T) {
		hub, url := startHub(t, &testSink{})
		err := dialAndSend(t, url, &transport.Frame{Type: transport.FrameProof})
		require.Error(t, err)
		require.Empty(t, hub.ConnectedMiners())
	})
}

func TestHubReplacesDuplicateSession(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	key, err := signing.NewKey()
	req.NoError(err)
	hub, url := startHub(t, &testSink{})

	// First session comes in over a raw connection, then a real
	// client with the same identity takes its place.
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	defer conn.Close()
	hello, err := signing.Seal(transport.HelloMessage{MinerID: key.MinerID()}, key)
	req.NoError(err)
	req.NoError(conn.WriteJSON(&transport.Frame{Type: transport.FrameHello, Hello: hello}))
	awaitMiner(t, hub, key.MinerID())

	startClient(t, url, key)

	req.NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var reply transport.Frame
	req.Error(conn.ReadJSON(&reply))
	awaitMiner(t, hub, key.MinerID())
}

func TestClientReconnects(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	key, err := signing.NewKey()
	req.NoError(err)
	hub := transport.NewHub(&testSink{})
	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	client := startClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"), key)
	awaitMiner(t, hub, key.MinerID())

	srv.CloseClientConnections()
	req.Eventually(func() bool {
		return len(hub.ConnectedMiners()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The client redials on its own and the link works again.
	awaitMiner(t, hub, key.MinerID())
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	req.NoError(hub.SendChallenge(ctx, key.MinerID(), challengeMsg("after-reconnect")))
	var msg *shared.ChallengeMessage
	req.Eventually(func() bool {
		select {
		case msg = <-client.Challenges():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	req.Equal("after-reconnect", msg.ChallengeID)
}

func TestClientSubmitProofWhenDown(t *testing.T) {
	t.Parallel()

	key, err := signing.NewKey()
	require.NoError(t, err)
	client := transport.NewClient("ws://127.0.0.1:0", key)

	env, err := signing.Seal(shared.ProofMessage{ChallengeID: "c1"}, key)
	require.NoError(t, err)
	require.ErrorIs(t, client.SubmitProof(context.Background(), env), transport.ErrNotConnected)
}

func TestHubKeepsSessionOnRejectedProof(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	key, err := signing.NewKey()
	req.NoError(err)
	sink := &testSink{reject: shared.ErrMalformedProof}
	hub, url := startHub(t, sink)
	client := startClient(t, url, key)
	awaitMiner(t, hub, key.MinerID())

	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	env, err := signing.Seal(shared.ProofMessage{ChallengeID: "c1", MinerID: key.MinerID()}, key)
	req.NoError(err)
	req.NoError(client.SubmitProof(ctx, env))
	req.Eventually(func() bool {
		return len(sink.proofs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A rejected proof does not cost the miner its session.
	req.NoError(hub.SendChallenge(ctx, key.MinerID(), challengeMsg("still-here")))
	req.Eventually(func() bool {
		select {
		case msg := <-client.Challenges():
			return msg.ChallengeID == "still-here"
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
