// Package normalizer turns raw Binance websocket payloads into canonical,
// venue tagged events.
//
// The same upstream protocol is observed in two shapes: compact wire
// abbreviations ("pa", "ep") and verbose names ("positionAmount",
// "entryPrice"). Every field is read through the helpers in extract.go, which
// prefer the abbreviation, then the verbose name, then a default.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"venuestream/models"
)

// Account stream event tags.
const (
	EventAccountUpdate       = "ACCOUNT_UPDATE"
	EventOrderTradeUpdate    = "ORDER_TRADE_UPDATE"
	EventAccountConfigUpdate = "ACCOUNT_CONFIG_UPDATE"
)

// Market stream event tags used by unwrapped payloads.
const (
	EventTicker = "24hrTicker"
	EventDepth  = "depthUpdate"
	EventTrade  = "trade"
)

var (
	// ErrMalformed is returned when a payload is not a JSON object.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownEvent is returned when no category matches the payload.
	ErrUnknownEvent = errors.New("unrecognized event")
)

// ProtocolError describes a payload that could not be normalized.
type ProtocolError struct {
	Venue string
	Tag   string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("venue %s: %v: %s", e.Venue, e.Err, e.Tag)
	}
	return fmt.Sprintf("venue %s: %v", e.Venue, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Normalize converts one raw message received on venue into at most one
// canonical event. It returns (nil, nil) for messages that are recognised but
// carry nothing to report: control acknowledgements and account updates with
// neither open positions nor balances.
func Normalize(venue string, raw []byte) (models.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var msg map[string]interface{}
	if err := dec.Decode(&msg); err != nil {
		return nil, &ProtocolError{Venue: venue, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if msg == nil {
		return nil, &ProtocolError{Venue: venue, Err: ErrMalformed}
	}
	f := fields(msg)

	if isControlAck(f) {
		return nil, nil
	}

	if stream, ok := f["stream"].(string); ok {
		data := f.object("data")
		if data == nil {
			return nil, &ProtocolError{Venue: venue, Tag: stream, Err: ErrMalformed}
		}
		frame := models.MarketFrame{Venue: venue, Stream: stream}
		switch {
		case strings.Contains(stream, "@ticker"):
			return ticker(frame, data), nil
		case strings.Contains(stream, "@depth"):
			return depth(frame, data), nil
		case strings.Contains(stream, "@trade"):
			return trade(frame, data), nil
		}
		// combined user data streams carry the account tag in data
		return dispatch(venue, stream, data)
	}

	return dispatch(venue, "", f)
}

// isControlAck reports whether f is the reply to a SUBSCRIBE/UNSUBSCRIBE
// request, e.g. {"result":null,"id":1}.
func isControlAck(f fields) bool {
	_, hasID := f["id"]
	_, hasResult := f["result"]
	return hasID && hasResult && eventTag(f) == ""
}

func eventTag(f fields) string {
	return f.str("", "e", "eventType")
}

func dispatch(venue, stream string, f fields) (models.Event, error) {
	tag := eventTag(f)
	frame := models.MarketFrame{Venue: venue, Stream: stream}
	if stream == "" {
		frame.Event = tag
	}

	switch tag {
	case EventAccountUpdate:
		if ev, ok := accountUpdate(venue, f); ok {
			return ev, nil
		}
		return nil, nil
	case EventOrderTradeUpdate:
		return orderUpdate(venue, f), nil
	case EventAccountConfigUpdate:
		return accountConfigUpdate(venue, f), nil
	case EventTicker:
		return ticker(frame, f), nil
	case EventDepth:
		return depth(frame, f), nil
	case EventTrade:
		return trade(frame, f), nil
	default:
		return nil, &ProtocolError{Venue: venue, Tag: tag, Err: ErrUnknownEvent}
	}
}

// accountUpdate drops flat positions and reports false when nothing is left to
// publish.
func accountUpdate(venue string, f fields) (models.AccountUpdate, bool) {
	data := f.object("a", "updateData")
	if data == nil {
		data = fields{}
	}

	positions := []models.Position{}
	for _, p := range data.objects("P", "positions") {
		pos := models.Position{
			Symbol:           p.str("", "s", "symbol"),
			PositionAmount:   p.float("pa", "positionAmount"),
			EntryPrice:       p.float("ep", "entryPrice"),
			UnrealizedProfit: p.float("up", "unrealizedProfit"),
			MarginType:       p.str(models.DefaultMarginType, "mt", "marginType"),
			IsolatedWallet:   p.float("iw", "isolatedWallet"),
			PositionSide:     p.str(models.DefaultPositionSide, "ps", "positionSide"),
		}
		if pos.PositionAmount == 0 {
			continue
		}
		positions = append(positions, pos)
	}

	balances := []models.Balance{}
	for _, b := range data.objects("B", "balances") {
		balances = append(balances, models.Balance{
			Asset:              b.str("", "a", "asset"),
			WalletBalance:      b.float("wb", "walletBalance"),
			CrossWalletBalance: b.float("cw", "crossWalletBalance"),
			BalanceChange:      b.float("bc", "balanceChange"),
		})
	}

	if len(positions) == 0 && len(balances) == 0 {
		return models.AccountUpdate{}, false
	}
	return models.AccountUpdate{
		Venue:           venue,
		EventTime:       f.int("E", "eventTime"),
		TransactionTime: f.int("T", "transactionTime"),
		Reason:          data.str("", "m", "reason"),
		Positions:       positions,
		Balances:        balances,
	}, true
}

func orderUpdate(venue string, f fields) models.OrderUpdate {
	o := f.object("o", "order")
	if o == nil {
		o = fields{}
	}
	return models.OrderUpdate{
		Venue:                    venue,
		Symbol:                   o.str("", "s", "symbol"),
		ClientOrderID:            o.str("", "c", "clientOrderId"),
		Side:                     o.str("", "S", "side"),
		OrderType:                o.str("", "o", "orderType"),
		TimeInForce:              o.str("", "f", "timeInForce"),
		OriginalQuantity:         o.float("q", "originalQuantity"),
		OriginalPrice:            o.float("p", "originalPrice"),
		AveragePrice:             o.float("ap", "averagePrice"),
		StopPrice:                o.float("sp", "stopPrice"),
		ExecutionType:            o.str("", "x", "executionType"),
		OrderStatus:              o.str("", "X", "orderStatus"),
		OrderID:                  o.int("i", "orderId"),
		LastFilledQuantity:       o.float("l", "lastFilledQuantity"),
		CumulativeFilledQuantity: o.float("z", "cumulativeFilledQuantity"),
		LastFilledPrice:          o.float("L", "lastFilledPrice"),
		CommissionAmount:         o.float("n", "commissionAmount"),
		CommissionAsset:          o.str("", "N", "commissionAsset"),
		OrderTradeTime:           o.int("T", "orderTradeTime"),
		TradeID:                  o.int("t", "tradeId"),
		BidsNotional:             o.float("b", "bidsNotional"),
		AskNotional:              o.float("a", "askNotional"),
		IsMakerSide:              o.boolean("m", "isMakerSide"),
		IsReduceOnly:             o.boolean("R", "isReduceOnly"),
		StopPriceWorkingType:     o.str("", "wt", "stopPriceWorkingType"),
		OriginalOrderType:        o.str("", "ot", "originalOrderType"),
		PositionSide:             o.str(models.DefaultPositionSide, "ps", "positionSide"),
		IsCloseAll:               o.boolean("cp", "isCloseAll"),
		ActivationPrice:          o.float("AP", "activationPrice"),
		CallbackRate:             o.float("cr", "callbackRate"),
		RealizedProfit:           o.float("rp", "realizedProfit"),
	}
}

func accountConfigUpdate(venue string, f fields) models.AccountConfigUpdate {
	ev := models.AccountConfigUpdate{Venue: venue}
	if ac := f.object("ac", "accountConfig"); ac != nil {
		ev.Symbol = ac.str("", "s", "symbol")
		ev.Leverage = ac.float("l", "leverage")
	}
	if ai := f.object("ai", "assetConfig"); ai != nil {
		ev.MultiAssetsMode = ai.boolean("j", "multiAssetsMode")
	}
	return ev
}

func ticker(frame models.MarketFrame, f fields) models.MarketTick {
	return models.MarketTick{
		MarketFrame:        frame,
		Symbol:             f.str("", "s", "symbol"),
		Price:              f.float("c", "price", "lastPrice"),
		PriceChange:        f.float("p", "priceChange"),
		PriceChangePercent: f.float("P", "priceChangePercent"),
		WeightedAvgPrice:   f.float("w", "weightedAvgPrice"),
		OpenPrice:          f.float("o", "openPrice"),
		HighPrice:          f.float("h", "highPrice"),
		LowPrice:           f.float("l", "lowPrice"),
		Volume:             f.float("v", "volume"),
		QuoteVolume:        f.float("q", "quoteVolume"),
		BestBid:            f.float("b", "bestBid", "bidPrice"),
		BestAsk:            f.float("a", "bestAsk", "askPrice"),
		Timestamp:          f.int("E", "eventTime", "timestamp"),
	}
}

func depth(frame models.MarketFrame, f fields) models.DepthUpdate {
	return models.DepthUpdate{
		MarketFrame:   frame,
		Symbol:        f.str("", "s", "symbol"),
		FirstUpdateID: f.int("U", "firstUpdateId"),
		FinalUpdateID: f.int("u", "finalUpdateId", "lastUpdateId"),
		Bids:          f.levels("b", "bids"),
		Asks:          f.levels("a", "asks"),
		Timestamp:     f.int("E", "eventTime", "timestamp"),
	}
}

func trade(frame models.MarketFrame, f fields) models.Trade {
	return models.Trade{
		MarketFrame:  frame,
		Symbol:       f.str("", "s", "symbol"),
		TradeID:      f.int("t", "tradeId"),
		Price:        f.float("p", "price"),
		Quantity:     f.float("q", "quantity"),
		TradeTime:    f.int("T", "tradeTime"),
		IsBuyerMaker: f.boolean("m", "isBuyerMaker"),
		Timestamp:    f.int("E", "eventTime", "timestamp"),
	}
}
