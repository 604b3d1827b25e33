package domain

import "time"

// Instrument is a tradable linear-perpetual contract. Instruments are created
// by registry sync and deactivated (never deleted) when the exchange stops
// listing them or when orders are rejected for unmeetable minimum notional.
type Instrument struct {
	ID        int64
	Symbol    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstrumentFilters are the exchange-enforced precision limits for a symbol.
type InstrumentFilters struct {
	Symbol      string
	QtyStep     float64
	MinQty      float64
	TickSize    float64
	MinNotional float64
}
