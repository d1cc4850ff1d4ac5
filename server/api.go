package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/signing"
	"github.com/hashworknet/hashwork/validator"
)

// api serves the read-side HTTP surface plus proof submission. All
// state lives in the validator service; handlers only translate.
type api struct {
	svc      *validator.Service
	sender   validator.ChallengeSender
	genesis  time.Time
	schedule validator.Schedule
	started  time.Time
}

func (a *api) router(logger *zap.Logger, ws echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(logger))

	g := e.Group("/v1")
	g.GET("/status", a.getStatus)
	g.GET("/miners", a.getMiners)
	g.GET("/miners/:id", a.getMiner)
	g.GET("/weights", a.getWeights)
	g.GET("/challenges/:id", a.getChallenge)
	g.POST("/proofs", a.postProof)
	if ws != nil {
		g.GET("/ws", ws)
	}
	return e
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			logger := logger.Named("api").With(zap.Stringer("request_id", uuid.New()))
			c.SetRequest(c.Request().WithContext(logging.NewContext(c.Request().Context(), logger)))

			logger.Debug("new request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.String("from", c.RealIP()),
			)

			err := next(c)
			if err != nil {
				logger.Info("FAILURE", zap.Error(err))
			}
			return err
		}
	}
}

type statusResponse struct {
	Genesis         time.Time          `json:"genesis"`
	Epoch           uint64             `json:"epoch"`
	EpochEnd        time.Time          `json:"epoch_end"`
	Uptime          string             `json:"uptime"`
	ConnectedMiners []string           `json:"connected_miners"`
	TrackedMiners   int                `json:"tracked_miners"`
	OpenChallenges  int                `json:"open_challenges"`
	ClassWeights    map[string]float64 `json:"class_weights"`
}

func (a *api) getStatus(c echo.Context) error {
	now := time.Now()
	epoch := a.schedule.CurrentEpoch(a.genesis, now)

	open, err := a.svc.Store().OpenChallenges()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	weights := make(map[string]float64)
	for class, w := range a.svc.ClassWeights() {
		weights[class.String()] = w
	}

	connected := a.sender.ConnectedMiners()
	if connected == nil {
		connected = []string{}
	}
	return c.JSON(http.StatusOK, statusResponse{
		Genesis:         a.genesis,
		Epoch:           epoch,
		EpochEnd:        a.schedule.EpochEnd(a.genesis, epoch),
		Uptime:          now.Sub(a.started).Round(time.Second).String(),
		ConnectedMiners: connected,
		TrackedMiners:   a.svc.Registry().Len(),
		OpenChallenges:  len(open),
		ClassWeights:    weights,
	})
}

type minerSummary struct {
	MinerID        string    `json:"miner_id"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	ChallengeCount uint64    `json:"challenge_count"`
	SuccessCount   uint64    `json:"success_count"`
	SuccessRatio   float64   `json:"success_ratio"`
	HashrateKHS    float64   `json:"hashrate_khs"`
	Difficulty     string    `json:"difficulty"`
	Weight         float64   `json:"weight"`
}

func summarize(r *validator.MinerRecord) minerSummary {
	return minerSummary{
		MinerID:        r.MinerID,
		FirstSeen:      r.FirstSeen,
		LastSeen:       r.LastSeen,
		ChallengeCount: r.ChallengeCount,
		SuccessCount:   r.SuccessCount,
		SuccessRatio:   r.SuccessRatio(),
		HashrateKHS:    r.HashrateKHS,
		Difficulty:     fmt.Sprintf("%#08x", r.Difficulty),
		Weight:         r.ConsensusWeight,
	}
}

func (a *api) getMiners(c echo.Context) error {
	records := a.svc.Registry().Snapshot()
	miners := make([]minerSummary, 0, len(records))
	for i := range records {
		miners = append(miners, summarize(&records[i]))
	}
	return c.JSON(http.StatusOK, miners)
}

type minerDetail struct {
	minerSummary
	SubmittedCount uint64      `json:"submitted_count"`
	SuccessEWMA    ewmaPair    `json:"success_ewma"`
	WeightEWMA     ewmaPair    `json:"weight_ewma"`
	LatencyMS      float64     `json:"latency_ms"`
	LatencyStdDev  float64     `json:"latency_stddev_ms"`
	ErrorRate      float64     `json:"error_rate"`
	RecentScores   []scoreView `json:"recent_scores"`
}

type ewmaPair struct {
	Fast float64 `json:"fast"`
	Slow float64 `json:"slow"`
}

type scoreView struct {
	ChallengeID string  `json:"challenge_id"`
	Class       string  `json:"class"`
	Verdict     string  `json:"verdict"`
	ElapsedMS   uint64  `json:"elapsed_ms"`
	Final       float64 `json:"final"`
}

const recentScoreLimit = 20

func (a *api) getMiner(c echo.Context) error {
	id := c.Param("id")
	record, ok := a.svc.Registry().Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown miner")
	}
	scores, err := a.svc.Store().ScoresFor(id, recentScoreLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	recent := make([]scoreView, 0, len(scores))
	for _, s := range scores {
		recent = append(recent, scoreView{
			ChallengeID: s.ChallengeID,
			Class:       s.Class.String(),
			Verdict:     s.Verdict.String(),
			ElapsedMS:   s.ElapsedMS,
			Final:       s.Final,
		})
	}
	return c.JSON(http.StatusOK, minerDetail{
		minerSummary:   summarize(&record),
		SubmittedCount: record.SubmittedCount,
		SuccessEWMA:    ewmaPair{Fast: record.Success.Fast, Slow: record.Success.Slow},
		WeightEWMA:     ewmaPair{Fast: record.Weight.Fast, Slow: record.Weight.Slow},
		LatencyMS:      record.LatencyMS,
		LatencyStdDev:  record.LatencyStdDev(),
		ErrorRate:      record.ErrorRate,
		RecentScores:   recent,
	})
}

type weightsResponse struct {
	Epoch      uint64        `json:"epoch"`
	ComputedAt time.Time     `json:"computed_at"`
	Root       string        `json:"root"`
	Weights    []minerWeight `json:"weights"`
}

type minerWeight struct {
	MinerID string  `json:"miner_id"`
	Weight  float64 `json:"weight"`
}

func (a *api) getWeights(c echo.Context) error {
	ws, err := a.svc.Store().LatestWeightSet()
	switch {
	case errors.Is(err, validator.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no epoch has been committed yet")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	weights := make([]minerWeight, 0, len(ws.Weights))
	for _, w := range ws.Weights {
		weights = append(weights, minerWeight{MinerID: w.MinerID, Weight: w.Weight})
	}
	return c.JSON(http.StatusOK, weightsResponse{
		Epoch:      ws.Epoch,
		ComputedAt: ws.ComputedAt,
		Root:       hex.EncodeToString(ws.Root),
		Weights:    weights,
	})
}

type challengeResponse struct {
	ID         string    `json:"id"`
	MinerID    string    `json:"miner_id"`
	Class      string    `json:"class"`
	State      string    `json:"state"`
	Difficulty string    `json:"difficulty"`
	Algorithm  string    `json:"algorithm"`
	IssuedAt   time.Time `json:"issued_at"`
	TimeoutMS  uint64    `json:"timeout_ms"`
	Payload    string    `json:"payload"`
	SettledAt  time.Time `json:"settled_at,omitempty"`
}

func (a *api) getChallenge(c echo.Context) error {
	rec, err := a.svc.Store().Challenge(c.Param("id"))
	switch {
	case errors.Is(err, validator.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "unknown challenge")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, challengeResponse{
		ID:         rec.Challenge.ID,
		MinerID:    rec.Challenge.MinerID,
		Class:      rec.Challenge.Class.String(),
		State:      rec.State.String(),
		Difficulty: fmt.Sprintf("%#08x", rec.Challenge.Difficulty),
		Algorithm:  rec.Challenge.Algorithm.String(),
		IssuedAt:   rec.Challenge.IssuedAt,
		TimeoutMS:  uint64(rec.Challenge.Timeout / time.Millisecond),
		Payload:    hex.EncodeToString(rec.Challenge.Payload),
		SettledAt:  rec.SettledAt,
	})
}

type proofAccepted struct {
	Status      string `json:"status"`
	ChallengeID string `json:"challenge_id"`
}

func (a *api) postProof(c echo.Context) error {
	env := &signing.Envelope[shared.ProofMessage]{}
	if err := c.Bind(env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err := a.svc.SubmitProof(c.Request().Context(), env)
	switch {
	case errors.Is(err, signing.ErrSignatureInvalid),
		errors.Is(err, signing.ErrInvalidPubkeyLen),
		errors.Is(err, validator.ErrMinerIdentityMismatch):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, shared.ErrMalformedProof):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, proofAccepted{
		Status:      "accepted",
		ChallengeID: env.Data.ChallengeID,
	})
}
