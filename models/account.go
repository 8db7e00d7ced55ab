package models

// Defaults applied when a position omits its side or margin type.
const (
	DefaultPositionSide = "BOTH"
	DefaultMarginType   = "cross"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// USER DATA ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Position is one open position reported by an ACCOUNT_UPDATE.
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmount   float64 `json:"positionAmount"`
	EntryPrice       float64 `json:"entryPrice"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
	MarginType       string  `json:"marginType"`
	IsolatedWallet   float64 `json:"isolatedWallet"`
	PositionSide     string  `json:"positionSide"`
}

// Balance is one asset balance reported by an ACCOUNT_UPDATE.
type Balance struct {
	Asset              string  `json:"asset"`
	WalletBalance      float64 `json:"walletBalance"`
	CrossWalletBalance float64 `json:"crossWalletBalance"`
	BalanceChange      float64 `json:"balanceChange"`
}

// AccountUpdate carries the non-zero positions and the balances of an
// ACCOUNT_UPDATE event.
type AccountUpdate struct {
	Venue           string     `json:"venue"`
	EventTime       int64      `json:"eventTime"`
	TransactionTime int64      `json:"transactionTime"`
	Reason          string     `json:"reason,omitempty"`
	Positions       []Position `json:"positions"`
	Balances        []Balance  `json:"balances"`
}

func (a AccountUpdate) VenueID() string { return a.Venue }

// Category is positions_update when the update carries positions and
// balance_update otherwise.
func (a AccountUpdate) Category() string {
	if len(a.Positions) > 0 {
		return CategoryPositionsUpdate
	}
	return CategoryBalanceUpdate
}

// OrderUpdate is the canonical form of an ORDER_TRADE_UPDATE event.
type OrderUpdate struct {
	Venue                    string  `json:"venue"`
	Symbol                   string  `json:"symbol"`
	ClientOrderID            string  `json:"clientOrderId"`
	Side                     string  `json:"side"`
	OrderType                string  `json:"orderType"`
	TimeInForce              string  `json:"timeInForce"`
	OriginalQuantity         float64 `json:"originalQuantity"`
	OriginalPrice            float64 `json:"originalPrice"`
	AveragePrice             float64 `json:"averagePrice"`
	StopPrice                float64 `json:"stopPrice"`
	ExecutionType            string  `json:"executionType"`
	OrderStatus              string  `json:"orderStatus"`
	OrderID                  int64   `json:"orderId"`
	LastFilledQuantity       float64 `json:"lastFilledQuantity"`
	CumulativeFilledQuantity float64 `json:"cumulativeFilledQuantity"`
	LastFilledPrice          float64 `json:"lastFilledPrice"`
	CommissionAmount         float64 `json:"commissionAmount"`
	CommissionAsset          string  `json:"commissionAsset"`
	OrderTradeTime           int64   `json:"orderTradeTime"`
	TradeID                  int64   `json:"tradeId"`
	BidsNotional             float64 `json:"bidsNotional"`
	AskNotional              float64 `json:"askNotional"`
	IsMakerSide              bool    `json:"isMakerSide"`
	IsReduceOnly             bool    `json:"isReduceOnly"`
	StopPriceWorkingType     string  `json:"stopPriceWorkingType"`
	OriginalOrderType        string  `json:"originalOrderType"`
	PositionSide             string  `json:"positionSide"`
	IsCloseAll               bool    `json:"isCloseAll"`
	ActivationPrice          float64 `json:"activationPrice"`
	CallbackRate             float64 `json:"callbackRate"`
	RealizedProfit           float64 `json:"realizedProfit"`
}

func (o OrderUpdate) VenueID() string  { return o.Venue }
func (o OrderUpdate) Category() string { return CategoryOrderUpdate }

// AccountConfigUpdate reports a leverage change for a symbol or a change of
// the multi-assets mode.
type AccountConfigUpdate struct {
	Venue           string  `json:"venue"`
	Symbol          string  `json:"symbol,omitempty"`
	Leverage        float64 `json:"leverage"`
	MultiAssetsMode bool    `json:"multiAssetsMode"`
}

func (a AccountConfigUpdate) VenueID() string  { return a.Venue }
func (a AccountConfigUpdate) Category() string { return CategoryAccountConfigUpdate }
