package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/application"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/logger"
	"github.com/wyfcoding/pkg/response"
)

// CommandExecutor 提交指令并等待撮合结果
type CommandExecutor interface {
	Execute(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error)
}

// MatchingHandler 负责处理 HTTP 请求。查询只读快照，指令经预处理进入撮合队列
type MatchingHandler struct {
	engine CommandExecutor
	query  *application.QueryService
	trades domain.TradeHistory
	logger *slog.Logger
}

// NewMatchingHandler trades 可为空，此时成交查询返回 404
func NewMatchingHandler(engine CommandExecutor, query *application.QueryService, trades domain.TradeHistory, logger *slog.Logger) *MatchingHandler {
	return &MatchingHandler{engine: engine, query: query, trades: trades, logger: logger.With("module", "matching_handler")}
}

// RegisterCommandRoutes 指令提交路由
func (h *MatchingHandler) RegisterCommandRoutes(api *gin.RouterGroup) {
	api.POST("/commands", h.SubmitCommand)
}

// RegisterQueryRoutes 只读查询路由
func (h *MatchingHandler) RegisterQueryRoutes(api *gin.RouterGroup) {
	api.GET("/orderbooks/:pair", h.GetOrderBook)
	api.GET("/orderbooks/:pair/orders", h.GetOrders)
	api.GET("/trades/:pair", h.GetTrades)
	api.GET("/balances/:client", h.GetBalances)
	api.GET("/balances/:client/:asset", h.GetBalance)
}

// SubmitCommand 解析 JSON 指令并同步等待撮合结果，业务拒绝同样返回 200
func (h *MatchingHandler) SubmitCommand(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	cmd, err := application.DecodeCommand(body, time.Now())
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid command", err.Error())
		return
	}

	res, err := h.engine.Execute(c.Request.Context(), cmd)
	if err != nil {
		logger.FromContext(c.Request.Context(), h.logger).Error("failed to execute command", "message_id", cmd.Header().MessageID, "error", err)
		h.error(c, err)
		return
	}
	response.Success(c, res)
}

// GetOrderBook 获取交易对深度
func (h *MatchingHandler) GetOrderBook(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "20"))
	if err != nil || depth < 0 {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid depth parameter", "")
		return
	}
	book, err := h.query.GetOrderBook(c.Request.Context(), c.Param("pair"), depth)
	if err != nil {
		h.error(c, err)
		return
	}
	response.Success(c, book)
}

// GetOrders 获取交易对全部挂单与止损单
func (h *MatchingHandler) GetOrders(c *gin.Context) {
	orders, err := h.query.GetOrders(c.Request.Context(), c.Param("pair"))
	if err != nil {
		h.error(c, err)
		return
	}
	response.Success(c, orders)
}

// GetTrades 获取交易对最近成交
func (h *MatchingHandler) GetTrades(c *gin.Context) {
	if h.trades == nil {
		response.ErrorWithStatus(c, http.StatusNotFound, "trade history not available", "")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid limit", "")
		return
	}
	pair := c.Param("pair")
	trades, err := h.trades.RecentTrades(c.Request.Context(), pair, limit)
	if err != nil {
		logger.FromContext(c.Request.Context(), h.logger).Error("failed to get trade history", "asset_pair_id", pair, "error", err)
		h.error(c, err)
		return
	}
	response.Success(c, trades)
}

// GetBalances 获取客户全部余额
func (h *MatchingHandler) GetBalances(c *gin.Context) {
	balances, err := h.query.GetBalances(c.Request.Context(), c.Param("client"))
	if err != nil {
		h.error(c, err)
		return
	}
	response.Success(c, balances)
}

// GetBalance 获取客户单一资产余额
func (h *MatchingHandler) GetBalance(c *gin.Context) {
	balance, err := h.query.GetBalance(c.Request.Context(), c.Param("client"), c.Param("asset"))
	if err != nil {
		h.error(c, err)
		return
	}
	response.Success(c, balance)
}

func (h *MatchingHandler) error(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrAssetPairNotFound), errors.Is(err, domain.ErrAssetNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, domain.ErrEngineStopped), errors.Is(err, domain.ErrQueueFull):
		response.ErrorWithStatus(c, http.StatusServiceUnavailable, err.Error(), "")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		response.ErrorWithStatus(c, http.StatusGatewayTimeout, "request cancelled", err.Error())
	default:
		response.ErrorWithStatus(c, http.StatusInternalServerError, "internal error", err.Error())
	}
}
