// Package api serves a read-only JSON view of the engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/auction"
	"peg-stabilizer/internal/datalab"
	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/stabilizer"
	"peg-stabilizer/internal/storage"
	"peg-stabilizer/internal/version"
)

// PriceReader is available in every mode.
type PriceReader interface {
	PriceTarget() *uint256.Int
	SmoothedPrice() (*uint256.Int, error)
	PoolSnapshot() datalab.PoolSnapshot
}

// ProtocolReader is available only when the engine can act.
type ProtocolReader interface {
	ReserveStatus(ctx context.Context) (stabilizer.ReserveStatus, error)
	SkewBps() uint64
	Params() stabilizer.Params
	LastCallTime() uint64
	AuctionCount() uint64
	ActiveAuction() (*auction.Auction, bool)
	Auction(id uint64) (*auction.Auction, error)
	AuctionPrice(id uint64) (*uint256.Int, error)
	AccountPosition(id uint64, account common.Address) (stabilizer.AccountPosition, error)
	ClaimPool() *uint256.Int
}

// Options configure the HTTP server.
type Options struct {
	Listen string
	Debug  bool
}

// Server wraps a gin engine.
type Server struct {
	opts     Options
	prices   PriceReader
	protocol ProtocolReader
	events   storage.EventStore
	engine   *gin.Engine
	logger   zerolog.Logger
}

// New builds the router. protocol and events may be nil; their routes then answer 503.
func New(opts Options, prices PriceReader, protocol ProtocolReader, eventStore storage.EventStore, logger zerolog.Logger) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		opts:     opts,
		prices:   prices,
		protocol: protocol,
		events:   eventStore,
		engine:   gin.New(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)

	v1 := s.engine.Group("/v1")
	v1.GET("/price", s.getPrice)
	v1.GET("/params", s.requireProtocol, s.getParams)
	v1.GET("/reserve", s.requireProtocol, s.getReserve)
	v1.GET("/auctions/active", s.requireProtocol, s.getActiveAuction)
	v1.GET("/auctions/:id", s.requireProtocol, s.getAuction)
	v1.GET("/auctions/:id/price", s.requireProtocol, s.getAuctionPrice)
	v1.GET("/accounts/:address/auctions/:id", s.requireProtocol, s.getAccountPosition)
	v1.GET("/events", s.getEvents)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request served")
	}
}

func (s *Server) requireProtocol(c *gin.Context) {
	if s.protocol == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "watch-only deployment: protocol state unavailable"})
		return
	}
	c.Next()
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"version":       version.Get(),
		"can_stabilize": s.protocol != nil,
	})
}

func (s *Server) getPrice(c *gin.Context) {
	snap := s.prices.PoolSnapshot()
	body := gin.H{
		"target":             fixed.Format(s.prices.PriceTarget()),
		"spot_price":         fixed.Format(snap.SpotPrice),
		"window_price":       fixed.Format(snap.WindowPrice),
		"reserve_token":      fixed.Format(snap.ReserveToken),
		"reserve_collateral": fixed.Format(snap.ReserveCollateral),
		"timestamp":          snap.TimestampLast,
	}
	if price, err := s.prices.SmoothedPrice(); err == nil {
		body["smoothed_price"] = fixed.Format(price)
	} else {
		body["smoothed_price_error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getParams(c *gin.Context) {
	p := s.protocol.Params()
	c.JSON(http.StatusOK, gin.H{
		"cooldown_seconds":         p.CooldownSeconds,
		"price_lookback":           p.PriceLookback,
		"upper_threshold_bps":      p.UpperThresholdBps,
		"lower_threshold_bps":      p.LowerThresholdBps,
		"upper_override_bps":       p.UpperOverrideBps,
		"lower_override_bps":       p.LowerOverrideBps,
		"annual_yield_bps":         p.AnnualYieldBps,
		"max_supply_expansion_bps": p.MaxSupplyExpansionBps,
		"reserve_skim_bps":         p.ReserveSkimBps,
		"max_reserve_skim_bps":     p.MaxReserveSkimBps,
		"cuts":                     p.Cuts,
		"caller_reward_floor":      fixed.Format(p.CallerRewardFloor),
		"auction_duration":         p.AuctionDuration,
		"auction_end_discount_bps": p.AuctionEndDiscountBps,
		"last_call_time":           s.protocol.LastCallTime(),
	})
}

func (s *Server) getReserve(c *gin.Context) {
	st, err := s.protocol.ReserveStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":    fixed.Format(st.Balance),
		"ratio":      fixed.Format(st.Ratio),
		"decimals":   st.Decimals,
		"min_ratio":  fixed.Format(st.MinRatio),
		"deficit":    fixed.Format(st.Deficit),
		"capacity":   fixed.Format(st.Capacity),
		"skew_bps":   s.protocol.SkewBps(),
		"claim_pool": fixed.Format(s.protocol.ClaimPool()),
	})
}

func (s *Server) getActiveAuction(c *gin.Context) {
	a, ok := s.protocol.ActiveAuction()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active auction", "auction_count": s.protocol.AuctionCount()})
		return
	}
	c.JSON(http.StatusOK, auctionView(a))
}

func (s *Server) getAuction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	a, err := s.protocol.Auction(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, auctionView(a))
}

func (s *Server) getAuctionPrice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	price, err := s.protocol.AuctionPrice(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction_id": id, "price": fixed.Format(price)})
}

func (s *Server) getAccountPosition(c *gin.Context) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	pos, err := s.protocol.AccountPosition(id, common.HexToAddress(raw))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auction_id": id,
		"account":    common.HexToAddress(raw).Hex(),
		"commitment": fixed.Format(pos.Commitment),
		"awarded":    fixed.Format(pos.Awarded),
		"claimed":    fixed.Format(pos.Claimed),
		"claimable":  fixed.Format(pos.Claimable),
	})
}

func (s *Server) getEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event store not configured"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	records, err := s.events.ListRecentEvents(c.Request.Context(), c.Query("kind"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, gin.H{
			"id":         r.ID,
			"kind":       r.Kind,
			"timestamp":  r.Timestamp.UTC().Format(time.RFC3339),
			"attributes": r.Attributes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// fail maps precondition failures to 4xx and everything else to 500.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auction.ErrUnknownAuction):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case faults.IsPrecondition(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return 0, false
	}
	return id, true
}

func auctionView(a *auction.Auction) gin.H {
	return gin.H{
		"id":               a.ID,
		"start_time":       a.StartTime,
		"end_time":         a.EndTime,
		"starting_price":   fixed.Format(a.StartingPrice),
		"ending_price":     fixed.Format(a.EndingPrice),
		"final_price":      fixed.Format(a.FinalPrice),
		"max_commitments":  fixed.Format(a.MaxCommitments),
		"commitments":      fixed.Format(a.Commitments),
		"remaining":        fixed.Format(a.Remaining()),
		"tokens_purchased": fixed.Format(a.TokensPurchased),
		"reserve_pledged":  fixed.Format(a.ReservePledged),
		"active":           a.Active,
		"finalized":        a.Finalized,
		"arb_tokens":       fixed.Format(a.ArbTokens),
		"replenished":      fixed.Format(a.Replenished),
		"claimed":          fixed.Format(a.Claimed),
		"participants":     len(a.Participants),
	}
}

var (
	_ PriceReader    = (*stabilizer.Controller)(nil)
	_ ProtocolReader = (*stabilizer.Controller)(nil)
)
