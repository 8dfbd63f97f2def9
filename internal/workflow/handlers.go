package workflow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/syndicate-api/internal/auth"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/ksred/syndicate-api/pkg/middleware"
	"github.com/ksred/syndicate-api/pkg/response"
)

// ActionRequest is the payload of approve, reject and execute
type ActionRequest struct {
	TradeID string `json:"trade_id" binding:"required"`
	Reason  string `json:"reason"`
}

// ValidateRequest is the payload of a compliance dry run
type ValidateRequest struct {
	Token  string `json:"token" binding:"required"`
	Seller string `json:"seller" binding:"required"`
	Buyer  string `json:"buyer" binding:"required"`
	Units  int64  `json:"units" binding:"required"`
}

// GinHandlers contains HTTP handlers for workflow endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for workflow endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// authorized checks the declared actor before the payload is read
func authorized(c *gin.Context, required types.Role) (types.Actor, bool) {
	actor := middleware.ActorFrom(c)
	if err := auth.Authorize(actor, required); err != nil {
		response.Handle(c, nil, err)
		return actor, false
	}
	return actor, true
}

// ProposeHandler handles POST requests from traders proposing a transfer
func (h *GinHandlers) ProposeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := authorized(c, types.RoleTrader)
		if !ok {
			return
		}

		var req ProposeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.Propose(c.Request.Context(), actor, req)
		response.HandleTrade(c, trade, err)
	}
}

// ApproveHandler handles POST requests from checkers approving a trade
func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := authorized(c, types.RoleChecker)
		if !ok {
			return
		}

		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.Approve(c.Request.Context(), actor, req.TradeID)
		response.HandleTrade(c, trade, err)
	}
}

// RejectHandler handles POST requests from checkers rejecting a trade
func (h *GinHandlers) RejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := authorized(c, types.RoleChecker)
		if !ok {
			return
		}

		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.Reject(c.Request.Context(), actor, req.TradeID, req.Reason)
		response.HandleTrade(c, trade, err)
	}
}

// ExecuteHandler handles POST requests from agents settling a trade
func (h *GinHandlers) ExecuteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := authorized(c, types.RoleAgent)
		if !ok {
			return
		}

		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.Execute(c.Request.Context(), actor, req.TradeID)
		response.HandleTrade(c, trade, err)
	}
}

// ValidateHandler runs the compliance checks without creating a trade
func (h *GinHandlers) ValidateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ValidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		validation, err := h.service.Validate(c.Request.Context(), req.Token, req.Seller, req.Buyer, req.Units)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.JSON(http.StatusOK, response.Response{Success: true, Data: validation})
	}
}

// ListTradesHandler handles GET requests listing trades, filtered by the
// optional status query parameter
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status types.TradeStatus
		if raw := c.Query("status"); raw != "" {
			parsed, err := types.ParseTradeStatus(raw)
			if err != nil {
				response.BadRequest(c, err.Error())
				return
			}
			status = parsed
		}

		trades, err := h.service.ListTrades(c.Request.Context(), status)
		response.Handle(c, trades, err)
	}
}

// GetTradeHandler handles GET requests for a single trade
// URL parameter: trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.GetTrade(c.Request.Context(), c.Param("trade_id"))
		response.HandleTrade(c, trade, err)
	}
}

// BalancesHandler handles GET requests for per-participant balances of a token
func (h *GinHandlers) BalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := h.service.Balances(c.Request.Context(), c.Query("token"))
		response.Handle(c, balances, err)
	}
}

func (h *GinHandlers) ListParticipantsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		participants, err := h.service.ListParticipants(c.Request.Context())
		response.Handle(c, participants, err)
	}
}
