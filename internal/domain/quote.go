package domain

// QuoteRequest asks venues to price a swap of Amount units of InputToken
// into OutputToken.
type QuoteRequest struct {
	InputToken  string
	OutputToken string
	Amount      float64
	// ReferencePrice is an oracle mid price for the pair. Venues that price
	// from their own books ignore it; zero means no oracle is configured.
	ReferencePrice float64
}

// Quote is a single venue's price for a QuoteRequest. It lives only for one
// processing pass; the winning quote is embedded into the order result.
type Quote struct {
	Venue           string  `json:"venue"`
	Price           float64 `json:"price"`
	EstimatedOutput float64 `json:"estimatedOutput"`
}
