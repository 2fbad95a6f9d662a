package settler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
)

const requestIDHeader = "X-Request-ID"

// Server is the HTTP API of a settler: order and nonce lookups, quotes, and
// the lifecycle operations.
type Server struct {
	settler *Settler
}

func NewServer(settler *Settler) *Server {
	return &Server{
		settler: settler,
	}
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.instrument())

	router.GET("/orders/stats", s.getOrderStats)
	router.GET("/orders/:id", s.getOrder)
	router.GET("/orders/:id/history", s.getOrderHistory)
	router.GET("/nonces/:owner/:nonce", s.getNonce)
	router.GET("/routers", s.getRouters)
	router.GET("/quote/:domain", s.getQuote)
	router.GET("/gas/fees", s.getGasFees)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/orders/open", s.postOpen)
	router.POST("/orders/open-for", s.postOpenFor)
	router.POST("/orders/settle", s.postSettle)
	router.POST("/orders/refund", s.postRefund)
	router.POST("/orders/:id/fill", s.postFill)
	router.POST("/nonces/invalidate", s.postInvalidateNonce)
	router.POST("/gas/claim", s.postClaimGasFees)
	return router
}

func (s *Server) RunWithContext(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	// Graceful server shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.settler.logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
		s.settler.logger.Debug().
			Str("request_id", c.GetString("request_id")).
			Str("route", route).
			Str("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

type OutputResponse struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	ChainID   uint64 `json:"chain_id"`
}

type FillInstructionResponse struct {
	DestinationChainID uint64 `json:"destination_chain_id"`
	DestinationSettler string `json:"destination_settler"`
	OriginData         string `json:"origin_data"`
}

type OrderResponse struct {
	ID               string                    `json:"id"`
	Status           store.Status              `json:"status"`
	UpdatedAt        *time.Time                `json:"updated_at,omitempty"`
	User             string                    `json:"user,omitempty"`
	OriginChainID    uint64                    `json:"origin_chain_id,omitempty"`
	OpenDeadline     uint32                    `json:"open_deadline,omitempty"`
	FillDeadline     uint32                    `json:"fill_deadline,omitempty"`
	MaxSpent         []OutputResponse          `json:"max_spent,omitempty"`
	MinReceived      []OutputResponse          `json:"min_received,omitempty"`
	FillInstructions []FillInstructionResponse `json:"fill_instructions,omitempty"`
	OriginData       string                    `json:"origin_data,omitempty"`
	FillerData       string                    `json:"filler_data,omitempty"`
}

// amounts are shown with 18 decimals unless asInteger is set
func toOutputResponses(outputs []order.Output, asInteger bool) []OutputResponse {
	resp := make([]OutputResponse, 0, len(outputs))
	for _, o := range outputs {
		amount := o.Amount.String()
		if !asInteger {
			amount = decimal.NewFromBigInt(o.Amount, 0).Shift(-18).String()
		}
		resp = append(resp, OutputResponse{
			Token:     o.Token.Hex(),
			Amount:    amount,
			Recipient: o.Recipient.Hex(),
			ChainID:   o.ChainID,
		})
	}
	return resp
}

func toOrderResponse(rec store.Record, asInteger bool) (OrderResponse, error) {
	resp := OrderResponse{ID: rec.ID.Hex(), Status: rec.Status}
	if rec.Status == store.StatusUnknown {
		return resp, nil
	}
	updated := rec.UpdatedAt
	resp.UpdatedAt = &updated
	if len(rec.OriginData) > 0 {
		resp.OriginData = hexutil.Encode(rec.OriginData)
	}
	if len(rec.FillerData) > 0 {
		resp.FillerData = hexutil.Encode(rec.FillerData)
	}
	if len(rec.ResolvedOrder) == 0 {
		return resp, nil
	}

	resolved, err := order.DecodeResolvedOrder(rec.ResolvedOrder)
	if err != nil {
		return OrderResponse{}, err
	}
	resp.User = resolved.User.Hex()
	resp.OriginChainID = resolved.OriginChainID
	resp.OpenDeadline = resolved.OpenDeadline
	resp.FillDeadline = resolved.FillDeadline
	resp.MaxSpent = toOutputResponses(resolved.MaxSpent, asInteger)
	resp.MinReceived = toOutputResponses(resolved.MinReceived, asInteger)
	for _, fi := range resolved.FillInstructions {
		resp.FillInstructions = append(resp.FillInstructions, FillInstructionResponse{
			DestinationChainID: fi.DestinationChainID,
			DestinationSettler: fi.DestinationSettler.Hex(),
			OriginData:         hexutil.Encode(fi.OriginData),
		})
	}
	return resp, nil
}

func (s *Server) getOrder(c *gin.Context) {
	asInteger := c.Query("as_integer")
	id, err := order.HexToID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	rec, err := s.settler.Order(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order"})
		return
	}
	resp, err := toOrderResponse(rec, asInteger != "")
	if err != nil {
		s.settler.logger.Error().Err(err).Str("order_id", id.Hex()).Msg("failed to decode stored order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": resp})
}

func (s *Server) getOrderHistory(c *gin.Context) {
	id, err := order.HexToID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	history, err := s.settler.OrderHistory(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order history"})
		return
	}
	if history == nil {
		history = []store.Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) getOrderStats(c *gin.Context) {
	counts, err := s.settler.OrderCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	stats := make(map[string]string, len(store.AllStatuses))
	for _, status := range store.AllStatuses {
		if status == store.StatusUnknown {
			continue
		}
		stats[string(status)] = strconv.FormatInt(counts[status], 10)
	}
	c.JSON(http.StatusOK, gin.H{"orders": stats})
}

// nonces are given in decimal or 0x prefixed hex
func (s *Server) getNonce(c *gin.Context) {
	owner := c.Param("owner")
	if !common.IsHexAddress(owner) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner address"})
		return
	}
	n, err := parseNonce(c.Param("nonce"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}

	used, err := s.settler.IsNonceUsed(c.Request.Context(), common.HexToAddress(owner), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get nonce"})
		return
	}
	wordPos, bitPos := nonce.BitmapPositions(n)
	c.JSON(http.StatusOK, gin.H{
		"owner":    common.HexToAddress(owner).Hex(),
		"nonce":    n.Dec(),
		"word_pos": wordPos.Dec(),
		"bit_pos":  bitPos,
		"used":     used,
	})
}

func parseNonce(s string) (*uint256.Int, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

func (s *Server) getRouters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"routers": s.settler.Routers()})
}

func (s *Server) getQuote(c *gin.Context) {
	asInteger := c.Query("as_integer")
	domain, err := strconv.ParseUint(c.Param("domain"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain"})
		return
	}

	quote, err := s.settler.QuoteGasPayment(uint32(domain))
	if errors.Is(err, ErrRouterNotEnrolled) || errors.Is(err, gas.ErrUnconfiguredDomain) {
		c.JSON(http.StatusNotFound, gin.H{"error": "domain is not configured"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to quote"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"domain": domain, "quote": formatWei(quote, asInteger != "")})
}
