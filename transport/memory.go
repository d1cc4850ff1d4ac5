package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
)

// challengeBuffer is how many undelivered challenges a miner feed
// holds before new ones are dropped.
const challengeBuffer = 16

// InMemory binds a validator to in-process miners over buffered
// channels, for running both sides in one process in a standalone
// mode. Only the challenge direction needs a transport; proofs flow
// back as direct submissions.
type InMemory struct {
	mu     sync.Mutex
	order  []string
	miners map[string]chan *shared.ChallengeMessage
}

func NewInMemory() *InMemory {
	return &InMemory{miners: make(map[string]chan *shared.ChallengeMessage)}
}

// Attach registers a miner and returns its challenge feed.
// Reattaching an id keeps its position but replaces the feed.
func (m *InMemory) Attach(minerID string) <-chan *shared.ChallengeMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.miners[minerID]; !known {
		m.order = append(m.order, minerID)
	}
	feed := make(chan *shared.ChallengeMessage, challengeBuffer)
	m.miners[minerID] = feed
	return feed
}

// Detach stops delivery to a miner. The feed stays open for the
// consumer to drain; closing it could race a concurrent send.
func (m *InMemory) Detach(minerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.miners, minerID)
	for i, id := range m.order {
		if id == minerID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// SendChallenge delivers to the miner's feed without blocking the
// issuing round: a full feed drops the challenge.
func (m *InMemory) SendChallenge(ctx context.Context, minerID string, msg *shared.ChallengeMessage) error {
	m.mu.Lock()
	feed, ok := m.miners[minerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("miner %s is not attached", minerID)
	}
	select {
	case feed <- msg:
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

// ConnectedMiners lists attached miners in attach order.
func (m *InMemory) ConnectedMiners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}
