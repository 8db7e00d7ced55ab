package models

/////////////////////////////////////////////////////////////////////////////
////////////////////////////// MARKET DATA //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// MarketFrame records how a market event arrived: Stream is set for combined
// {stream,data} framing and Event for an unwrapped payload.
type MarketFrame struct {
	Venue  string `json:"-"`
	Stream string `json:"-"`
	Event  string `json:"-"`
}

func (f MarketFrame) VenueID() string { return f.Venue }

// Category is stream for combined framing and event otherwise.
func (f MarketFrame) Category() string {
	if f.Stream != "" {
		return CategoryStream
	}
	return CategoryEvent
}

// MarketTick is a 24h rolling window ticker.
type MarketTick struct {
	MarketFrame
	Symbol             string  `json:"symbol"`
	Price              float64 `json:"price"`
	PriceChange        float64 `json:"priceChange"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	WeightedAvgPrice   float64 `json:"weightedAvgPrice"`
	OpenPrice          float64 `json:"openPrice"`
	HighPrice          float64 `json:"highPrice"`
	LowPrice           float64 `json:"lowPrice"`
	Volume             float64 `json:"volume"`
	QuoteVolume        float64 `json:"quoteVolume"`
	BestBid            float64 `json:"bestBid"`
	BestAsk            float64 `json:"bestAsk"`
	Timestamp          int64   `json:"timestamp"`
}

// DepthUpdate is an order book diff. Levels are [price, quantity] pairs.
type DepthUpdate struct {
	MarketFrame
	Symbol        string       `json:"symbol"`
	FirstUpdateID int64        `json:"firstUpdateId"`
	FinalUpdateID int64        `json:"finalUpdateId"`
	Bids          [][2]float64 `json:"bids"`
	Asks          [][2]float64 `json:"asks"`
	Timestamp     int64        `json:"timestamp"`
}

// Trade is a single public trade.
type Trade struct {
	MarketFrame
	Symbol       string  `json:"symbol"`
	TradeID      int64   `json:"tradeId"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	TradeTime    int64   `json:"tradeTime"`
	IsBuyerMaker bool    `json:"isBuyerMaker"`
	Timestamp    int64   `json:"timestamp"`
}

// EnvelopeFor builds the listener payload for ev.
func EnvelopeFor(ev Event) Envelope {
	env := Envelope{Type: ev.VenueID() + "_" + ev.Category()}
	switch e := ev.(type) {
	case ConnectionStatus:
		env.Status = e.Status
		env.Error = e.Error
		return env
	case MarketTick:
		env.Stream, env.Event = e.Stream, e.Event
	case DepthUpdate:
		env.Stream, env.Event = e.Stream, e.Event
	case Trade:
		env.Stream, env.Event = e.Stream, e.Event
	}
	env.Data = ev
	return env
}
