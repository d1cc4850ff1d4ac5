package shared

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// ChallengeClass selects the shape of a challenge: its base difficulty
// scaling, its timeout and how solving it is scored.
type ChallengeClass uint8

const (
	ClassStandard ChallengeClass = iota
	ClassHighDifficulty
	ClassTimePressure
	ClassEfficiencyTest
)

// Classes lists all challenge classes in draw-table order.
var Classes = []ChallengeClass{ClassStandard, ClassHighDifficulty, ClassTimePressure, ClassEfficiencyTest}

var ErrUnknownClass = errors.New("unknown challenge class")

func (c ChallengeClass) String() string {
	switch c {
	case ClassStandard:
		return "standard"
	case ClassHighDifficulty:
		return "high_difficulty"
	case ClassTimePressure:
		return "time_pressure"
	case ClassEfficiencyTest:
		return "efficiency_test"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

func ParseClass(s string) (ChallengeClass, error) {
	for _, c := range Classes {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownClass, s)
}

// ChallengeState is the lifecycle state of an issued challenge.
// All states other than Issued and AwaitingProof are terminal;
// a challenge is never retried.
type ChallengeState uint8

const (
	Issued ChallengeState = iota
	AwaitingProof
	Accepted
	RejectedInvalid
	RejectedLate
	RejectedStale
	RejectedDuplicate
	Expired
)

func (s ChallengeState) String() string {
	switch s {
	case Issued:
		return "issued"
	case AwaitingProof:
		return "awaiting_proof"
	case Accepted:
		return "accepted"
	case RejectedInvalid:
		return "rejected_invalid"
	case RejectedLate:
		return "rejected_late"
	case RejectedStale:
		return "rejected_stale"
	case RejectedDuplicate:
		return "rejected_duplicate"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s ChallengeState) Terminal() bool {
	return s != Issued && s != AwaitingProof
}

// Challenge is a single unit of issued work. Immutable after issue.
//
// Difficulty is an inverse target: a solving hash, read as a
// little-endian integer, must be numerically at most the 32-byte
// target derived from it. Smaller difficulty values are harder.
// Payload is the 76-byte work header; it is generated fresh for
// every challenge and never reused.
type Challenge struct {
	ID         string
	MinerID    string
	Class      ChallengeClass
	Difficulty uint32
	Timeout    time.Duration
	IssuedAt   time.Time
	Payload    []byte
	Algorithm  HashAlgorithm
}

// Deadline is the wall-clock cutoff for submissions, before grace.
func (c *Challenge) Deadline() time.Time {
	return c.IssuedAt.Add(c.Timeout)
}

// Target derives the 32-byte threshold for this challenge.
func (c *Challenge) Target() []byte {
	return TargetFromDifficulty(c.Difficulty)
}

func (c *Challenge) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", c.ID)
	enc.AddString("miner", c.MinerID)
	enc.AddString("class", c.Class.String())
	enc.AddString("difficulty", fmt.Sprintf("%#08x", c.Difficulty))
	enc.AddDuration("timeout", c.Timeout)
	enc.AddTime("issuedAt", c.IssuedAt)
	return nil
}

// Proof is a miner's claimed solution for one challenge.
type Proof struct {
	ChallengeID string
	MinerID     string
	Nonce       uint32
	ElapsedMS   uint64
	DeviceID    string
	SubmittedAt time.Time
}

func (p *Proof) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("challenge", p.ChallengeID)
	enc.AddString("miner", p.MinerID)
	enc.AddUint32("nonce", p.Nonce)
	enc.AddUint64("elapsedMs", p.ElapsedMS)
	enc.AddString("device", p.DeviceID)
	return nil
}

// ChallengeMessage is the wire form of a challenge (validator → miner).
type ChallengeMessage struct {
	ChallengeID      string `json:"challenge_id"`
	Class            string `json:"class"`
	DifficultyTarget uint32 `json:"difficulty_target"`
	TimeoutMS        uint64 `json:"timeout_ms"`
	Payload          string `json:"payload"`
	Algorithm        string `json:"algorithm"`
}

// ProofMessage is the wire form of a proof (miner → validator).
type ProofMessage struct {
	ChallengeID string `json:"challenge_id"`
	MinerID     string `json:"miner_id"`
	Nonce       uint32 `json:"nonce"`
	ElapsedMS   uint64 `json:"elapsed_ms"`
	DeviceID    string `json:"device_id"`
}

var (
	ErrMalformedChallenge = errors.New("malformed challenge message")
	ErrMalformedProof     = errors.New("malformed proof message")
)

// Message converts c to its wire form.
func (c *Challenge) Message() *ChallengeMessage {
	return &ChallengeMessage{
		ChallengeID:      c.ID,
		Class:            c.Class.String(),
		DifficultyTarget: c.Difficulty,
		TimeoutMS:        uint64(c.Timeout / time.Millisecond),
		Payload:          hex.EncodeToString(c.Payload),
		Algorithm:        c.Algorithm.String(),
	}
}

// Challenge validates and converts a wire message back to a Challenge.
// The local receive time becomes IssuedAt; absolute issue times do not
// cross the wire since the two sides' clocks are not comparable.
func (m *ChallengeMessage) Challenge(receivedAt time.Time) (*Challenge, error) {
	if m.ChallengeID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrMalformedChallenge)
	}
	if m.DifficultyTarget == 0 {
		return nil, fmt.Errorf("%w: zero difficulty target", ErrMalformedChallenge)
	}
	if m.TimeoutMS == 0 {
		return nil, fmt.Errorf("%w: zero timeout", ErrMalformedChallenge)
	}
	class, err := ParseClass(m.Class)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
	}
	algo, err := ParseAlgorithm(m.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
	}
	payload, err := hex.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not hex: %v", ErrMalformedChallenge, err)
	}
	if len(payload) != HeaderLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrMalformedChallenge, len(payload), HeaderLen)
	}
	return &Challenge{
		ID:         m.ChallengeID,
		Class:      class,
		Difficulty: m.DifficultyTarget,
		Timeout:    time.Duration(m.TimeoutMS) * time.Millisecond,
		IssuedAt:   receivedAt,
		Payload:    payload,
		Algorithm:  algo,
	}, nil
}

// Message converts p to its wire form.
func (p *Proof) Message() *ProofMessage {
	return &ProofMessage{
		ChallengeID: p.ChallengeID,
		MinerID:     p.MinerID,
		Nonce:       p.Nonce,
		ElapsedMS:   p.ElapsedMS,
		DeviceID:    p.DeviceID,
	}
}

// Proof validates and converts a wire message back to a Proof,
// stamping it with the local receive time.
func (m *ProofMessage) Proof(receivedAt time.Time) (*Proof, error) {
	if m.ChallengeID == "" {
		return nil, fmt.Errorf("%w: empty challenge id", ErrMalformedProof)
	}
	if m.MinerID == "" {
		return nil, fmt.Errorf("%w: empty miner id", ErrMalformedProof)
	}
	return &Proof{
		ChallengeID: m.ChallengeID,
		MinerID:     m.MinerID,
		Nonce:       m.Nonce,
		ElapsedMS:   m.ElapsedMS,
		DeviceID:    m.DeviceID,
		SubmittedAt: receivedAt,
	}, nil
}
