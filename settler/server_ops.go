package settler

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/msalopek/intent_settler/custody"
	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
)

// Requests to the lifecycle routes name the calling account explicitly;
// the daemon stands in for the chain that would authenticate it.

type OpenRequest struct {
	Caller        common.Address `json:"caller" binding:"required"`
	FillDeadline  uint32         `json:"fill_deadline" binding:"required"`
	OrderDataType common.Hash    `json:"order_data_type" binding:"required"`
	OrderData     hexutil.Bytes  `json:"order_data" binding:"required"`
}

type GaslessOrderRequest struct {
	OriginSettler common.Address `json:"origin_settler" binding:"required"`
	User          common.Address `json:"user" binding:"required"`
	Nonce         string         `json:"nonce" binding:"required"`
	OriginChainID uint64         `json:"origin_chain_id" binding:"required"`
	OpenDeadline  uint32         `json:"open_deadline" binding:"required"`
	FillDeadline  uint32         `json:"fill_deadline" binding:"required"`
	OrderDataType common.Hash    `json:"order_data_type" binding:"required"`
	OrderData     hexutil.Bytes  `json:"order_data" binding:"required"`
}

type OpenForRequest struct {
	Order     GaslessOrderRequest `json:"order"`
	Signature hexutil.Bytes       `json:"signature" binding:"required"`
}

type FillRequest struct {
	Filler     common.Address `json:"filler" binding:"required"`
	OriginData hexutil.Bytes  `json:"origin_data" binding:"required"`
	FillerData hexutil.Bytes  `json:"filler_data"`
}

type SettleRequest struct {
	Filler   common.Address `json:"filler" binding:"required"`
	OrderIDs []order.ID     `json:"order_ids" binding:"required"`
	Payment  string         `json:"payment"`
}

type RefundRequest struct {
	Caller     common.Address  `json:"caller" binding:"required"`
	OriginData []hexutil.Bytes `json:"origin_data" binding:"required"`
	Payment    string          `json:"payment"`
}

type InvalidateNonceRequest struct {
	Owner common.Address `json:"owner" binding:"required"`
	Nonce string         `json:"nonce" binding:"required"`
}

type ClaimRequest struct {
	Beneficiary common.Address `json:"beneficiary" binding:"required"`
}

func (s *Server) postOpen(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.settler.Open(c.Request.Context(), req.Caller, order.OnchainOrder{
		FillDeadline:  req.FillDeadline,
		OrderDataType: req.OrderDataType,
		OrderData:     req.OrderData,
	})
	if err != nil {
		s.opError(c, "open", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id.Hex()})
}

func (s *Server) postOpenFor(c *gin.Context) {
	var req OpenForRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := parseNonce(req.Order.Nonce)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}
	o := order.GaslessOrder{
		OriginSettler: req.Order.OriginSettler,
		User:          req.Order.User,
		Nonce:         n,
		OriginChainID: req.Order.OriginChainID,
		OpenDeadline:  req.Order.OpenDeadline,
		FillDeadline:  req.Order.FillDeadline,
		OrderDataType: req.Order.OrderDataType,
		OrderData:     req.Order.OrderData,
	}
	id, err := s.settler.OpenFor(c.Request.Context(), o, req.Signature)
	if err != nil {
		s.opError(c, "open for", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id.Hex()})
}

func (s *Server) postFill(c *gin.Context) {
	id, err := order.HexToID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	var req FillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.settler.Fill(c.Request.Context(), req.Filler, id, req.OriginData, req.FillerData); err != nil {
		s.opError(c, "fill", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id.Hex(), "status": store.StatusFilled})
}

func (s *Server) postSettle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payment, ok := parsePayment(req.Payment)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment"})
		return
	}
	msgID, err := s.settler.Settle(c.Request.Context(), req.Filler, req.OrderIDs, payment)
	if err != nil {
		s.opError(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msgID.Hex()})
}

func (s *Server) postRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payment, ok := parsePayment(req.Payment)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment"})
		return
	}
	originData := make([][]byte, len(req.OriginData))
	for i, d := range req.OriginData {
		originData[i] = d
	}
	msgID, err := s.settler.Refund(c.Request.Context(), req.Caller, originData, payment)
	if err != nil {
		s.opError(c, "refund", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msgID.Hex()})
}

func (s *Server) postInvalidateNonce(c *gin.Context) {
	var req InvalidateNonceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := parseNonce(req.Nonce)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}
	if err := s.settler.InvalidateNonces(c.Request.Context(), req.Owner, n); err != nil {
		s.opError(c, "invalidate nonce", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": req.Owner.Hex(), "nonce": n.Dec(), "used": true})
}

func (s *Server) getGasFees(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collected": formatWei(s.settler.GasFees(), c.Query("as_integer") != "")})
}

func (s *Server) postClaimGasFees(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claimed := s.settler.ClaimGasFees(req.Beneficiary)
	c.JSON(http.StatusOK, gin.H{
		"beneficiary": req.Beneficiary.Hex(),
		"claimed":     formatWei(claimed, c.Query("as_integer") != ""),
	})
}

// opError maps lifecycle failures to a status code: rejected input is 400,
// conflicts with stored state are 409 and anything else is 500.
func (s *Server) opError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidOrderStatus), errors.Is(err, nonce.ErrInvalidNonce):
		status = http.StatusConflict
	case errors.Is(err, ErrOrderOpenExpired),
		errors.Is(err, ErrOrderFillExpired),
		errors.Is(err, ErrOrderFillNotExpired),
		errors.Is(err, ErrInvalidGaslessOrderSettler),
		errors.Is(err, ErrInvalidGaslessOrderOrigin),
		errors.Is(err, ErrInvalidOrderID),
		errors.Is(err, ErrInvalidOrderDomain),
		errors.Is(err, ErrInvalidDestination),
		errors.Is(err, ErrMixedOriginDomains),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrInsufficientGasPayment),
		errors.Is(err, ErrRouterNotEnrolled),
		errors.Is(err, gas.ErrUnconfiguredDomain),
		errors.Is(err, order.ErrInvalidOrderType),
		errors.Is(err, order.ErrInvalidOrderData),
		errors.Is(err, order.ErrInvalidOrderSender),
		errors.Is(err, order.ErrInvalidOriginDomain),
		errors.Is(err, custody.ErrInsufficientBalance),
		errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, custody.ErrInvalidSigner),
		errors.Is(err, custody.ErrSignatureExpired),
		errors.Is(err, custody.ErrInvalidToken):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.settler.logger.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg(op + " failed")
		c.JSON(status, gin.H{"error": op + " failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// payments are integer wei; an empty payment is zero
func parsePayment(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func formatWei(v *big.Int, asInteger bool) string {
	if asInteger {
		return v.String()
	}
	return decimal.NewFromBigInt(v, -18).String()
}
