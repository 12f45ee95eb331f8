package application

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// CommandRequest 入站指令的线上格式，金额与价格一律为十进制字符串
type CommandRequest struct {
	Type      domain.CommandType `json:"type"`
	MessageID string             `json:"message_id"`
	ClientID  string             `json:"client_id"`

	Order          *OrderRequest `json:"order,omitempty"`
	ReplaceOrderID string        `json:"replace_order_id,omitempty"`

	ExternalIDs []string `json:"external_ids,omitempty"`
	AssetPairID string   `json:"asset_pair_id,omitempty"`
	Side        string   `json:"side,omitempty"`

	AssetID        string `json:"asset_id,omitempty"`
	Amount         string `json:"amount,omitempty"`
	FromClientID   string `json:"from_client_id,omitempty"`
	ToClientID     string `json:"to_client_id,omitempty"`
	OverdraftLimit string `json:"overdraft_limit,omitempty"`
}

// OrderRequest 订单线上格式
type OrderRequest struct {
	ID          string     `json:"id,omitempty"`
	ExternalID  string     `json:"external_id"`
	AssetPairID string     `json:"asset_pair_id"`
	Type        string     `json:"type"`
	Side        string     `json:"side"`
	Price       string     `json:"price,omitempty"`
	Volume      string     `json:"volume"`
	TimeInForce string     `json:"time_in_force,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	LowerLimitPrice string `json:"lower_limit_price,omitempty"`
	LowerPrice      string `json:"lower_price,omitempty"`
	UpperLimitPrice string `json:"upper_limit_price,omitempty"`
	UpperPrice      string `json:"upper_price,omitempty"`

	Fees []FeeRequest `json:"fees,omitempty"`
}

// FeeRequest 手续费指令线上格式
type FeeRequest struct {
	MakerSizeRatio string `json:"maker_size_ratio,omitempty"`
	TakerSizeRatio string `json:"taker_size_ratio,omitempty"`
	TargetClientID string `json:"target_client_id"`
}

// DecodeCommand 解析 JSON 指令
func DecodeCommand(data []byte, receivedAt time.Time) (domain.Command, error) {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	return req.ToCommand(receivedAt)
}

// ToCommand 转换为领域指令，格式错误返回 INVALID_* 类拒绝
func (r *CommandRequest) ToCommand(receivedAt time.Time) (domain.Command, error) {
	h := domain.CommandHeader{MessageID: r.MessageID, ClientID: r.ClientID, ReceivedAt: receivedAt}
	switch r.Type {
	case domain.CommandLimitOrder, domain.CommandMarketOrder:
		if r.Order == nil {
			return nil, domain.Reject(domain.RejectInvalidCommand, "order is required")
		}
		o, err := r.Order.toOrder(r.ClientID)
		if err != nil {
			return nil, err
		}
		if r.Type == domain.CommandMarketOrder {
			o.Type = domain.OrderTypeMarket
			return &domain.MarketOrderCommand{CommandHeader: h, Order: o}, nil
		}
		if o.Type == domain.OrderTypeMarket {
			return nil, domain.Reject(domain.RejectInvalidCommand, "market order sent as limit order")
		}
		return &domain.LimitOrderCommand{CommandHeader: h, Order: o, ReplaceOrderID: r.ReplaceOrderID}, nil
	case domain.CommandCancelOrder:
		return &domain.CancelOrderCommand{CommandHeader: h, ExternalIDs: r.ExternalIDs}, nil
	case domain.CommandMassCancel:
		var side domain.OrderSide
		if r.Side != "" {
			s, ok := domain.ParseOrderSide(r.Side)
			if !ok {
				return nil, domain.Reject(domain.RejectInvalidCommand, "invalid side %q", r.Side)
			}
			side = s
		}
		return &domain.MassCancelCommand{CommandHeader: h, AssetPairID: r.AssetPairID, Side: side}, nil
	case domain.CommandCashInOut:
		amount, err := parseDecimal(r.Amount, domain.RejectInvalidVolume)
		if err != nil {
			return nil, err
		}
		return &domain.CashInOutCommand{CommandHeader: h, AssetID: r.AssetID, Amount: amount}, nil
	case domain.CommandTransfer:
		amount, err := parseDecimal(r.Amount, domain.RejectInvalidVolume)
		if err != nil {
			return nil, err
		}
		overdraft := decimal.Zero
		if r.OverdraftLimit != "" {
			if overdraft, err = parseDecimal(r.OverdraftLimit, domain.RejectInvalidValue); err != nil {
				return nil, err
			}
		}
		from := r.FromClientID
		if from == "" {
			from = r.ClientID
		}
		return &domain.TransferCommand{
			CommandHeader:  h,
			FromClientID:   from,
			ToClientID:     r.ToClientID,
			AssetID:        r.AssetID,
			Amount:         amount,
			OverdraftLimit: overdraft,
		}, nil
	default:
		return nil, domain.Reject(domain.RejectInvalidCommand, "unsupported command type %q", r.Type)
	}
}

func (r *OrderRequest) toOrder(clientID string) (*domain.Order, error) {
	side, ok := domain.ParseOrderSide(r.Side)
	if !ok {
		return nil, domain.Reject(domain.RejectInvalidCommand, "invalid side %q", r.Side)
	}
	typ, ok := parseOrderType(r.Type)
	if !ok {
		return nil, domain.Reject(domain.RejectInvalidCommand, "invalid order type %q", r.Type)
	}
	tif, ok := parseTimeInForce(r.TimeInForce)
	if !ok {
		return nil, domain.Reject(domain.RejectInvalidCommand, "invalid time in force %q", r.TimeInForce)
	}
	volume, err := parseDecimal(r.Volume, domain.RejectInvalidVolume)
	if err != nil {
		return nil, err
	}

	o := &domain.Order{
		ID:          r.ID,
		ExternalID:  r.ExternalID,
		ClientID:    clientID,
		AssetPairID: r.AssetPairID,
		Type:        typ,
		Side:        side,
		Volume:      volume,
		Remaining:   volume,
		TimeInForce: tif,
		ExpiresAt:   r.ExpiresAt,
	}
	if typ == domain.OrderTypeLimit {
		if o.Price, err = parseDecimal(r.Price, domain.RejectInvalidPrice); err != nil {
			return nil, err
		}
	}
	if typ == domain.OrderTypeStopLimit {
		params := &domain.StopLimitParams{}
		for _, f := range []struct {
			raw string
			dst **decimal.Decimal
		}{
			{r.LowerLimitPrice, &params.LowerLimitPrice},
			{r.LowerPrice, &params.LowerPrice},
			{r.UpperLimitPrice, &params.UpperLimitPrice},
			{r.UpperPrice, &params.UpperPrice},
		} {
			if f.raw == "" {
				continue
			}
			v, err := parseDecimal(f.raw, domain.RejectInvalidPrice)
			if err != nil {
				return nil, err
			}
			*f.dst = &v
		}
		o.StopLimit = params
	}
	for _, fr := range r.Fees {
		fee := domain.FeeInstruction{TargetClientID: fr.TargetClientID, MakerSizeRatio: decimal.Zero, TakerSizeRatio: decimal.Zero}
		if fr.MakerSizeRatio != "" {
			if fee.MakerSizeRatio, err = parseDecimal(fr.MakerSizeRatio, domain.RejectInvalidFee); err != nil {
				return nil, err
			}
		}
		if fr.TakerSizeRatio != "" {
			if fee.TakerSizeRatio, err = parseDecimal(fr.TakerSizeRatio, domain.RejectInvalidFee); err != nil {
				return nil, err
			}
		}
		o.Fees = append(o.Fees, fee)
	}
	return o, nil
}

func parseDecimal(s string, reason domain.RejectReason) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, domain.Reject(reason, "cannot parse %q", s)
	}
	return v, nil
}

func parseOrderType(s string) (domain.OrderType, bool) {
	switch strings.ToUpper(s) {
	case "", "LIMIT":
		return domain.OrderTypeLimit, true
	case "MARKET":
		return domain.OrderTypeMarket, true
	case "STOP_LIMIT":
		return domain.OrderTypeStopLimit, true
	default:
		return 0, false
	}
}

func parseTimeInForce(s string) (domain.TimeInForce, bool) {
	switch strings.ToUpper(s) {
	case "", "GTC":
		return domain.TimeInForceGTC, true
	case "GTD":
		return domain.TimeInForceGTD, true
	case "IOC":
		return domain.TimeInForceIOC, true
	case "FOK":
		return domain.TimeInForceFOK, true
	default:
		return 0, false
	}
}
