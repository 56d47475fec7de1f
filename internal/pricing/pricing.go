package pricing

// Quote is the derived buy/sell pair for one estimate. Either all three
// values are set or none is.
type Quote struct {
	Estimate *int64
	Buy      *int64
	Sell     *int64
}

// Valid reports whether the quote carries prices.
func (q Quote) Valid() bool {
	return q.Estimate != nil && q.Buy != nil && q.Sell != nil
}

// Derive applies the fixed offsets to an estimate. A missing or
// non-positive estimate yields an empty quote. The buy price is not
// clamped, so an offset larger than the estimate produces a negative buy.
func Derive(estimate *int64, buyOffset, sellOffset int64) Quote {
	if estimate == nil || *estimate <= 0 {
		return Quote{}
	}
	est := *estimate
	buy := est - buyOffset
	sell := est + sellOffset
	return Quote{Estimate: &est, Buy: &buy, Sell: &sell}
}

// Offsets bundles the configured spreads around the estimate.
type Offsets struct {
	Buy  int64 `mapstructure:"buy_offset"`
	Sell int64 `mapstructure:"sell_offset"`
}

// Apply is Derive with the receiver's offsets.
func (o Offsets) Apply(estimate *int64) Quote {
	return Derive(estimate, o.Buy, o.Sell)
}
