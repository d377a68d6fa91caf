// Package tokens maps token mint addresses to display metadata and a
// static USD price estimate. The table is deliberately small: it covers
// the mints that dominate DLN volume on Solana. Unknown mints still
// parse; they just carry no symbol or USD estimate.
package tokens

// Token describes one known mint.
type Token struct {
	Address  string
	Symbol   string
	Decimals uint8
	// EstPriceUSD is a static reference price. Stablecoins are pinned
	// at 1.0; zero means no estimate is available.
	EstPriceUSD float64
	Stablecoin  bool
}

// Directory resolves mint addresses. Kept as an interface so a
// database-backed table can replace the static map without touching
// the parser.
type Directory interface {
	Lookup(address string) (Token, bool)
}

// Static is the built-in directory.
type Static struct {
	byAddress map[string]Token
}

// wellKnown lists the mints the collector encounters most. Prices are
// coarse reference values used only for USD volume estimates.
var wellKnown = []Token{
	{Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC", Decimals: 6, EstPriceUSD: 1.0, Stablecoin: true},
	{Address: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Symbol: "USDT", Decimals: 6, EstPriceUSD: 1.0, Stablecoin: true},
	{Address: "So11111111111111111111111111111111111111112", Symbol: "SOL", Decimals: 9, EstPriceUSD: 150.0},
	{Address: "7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs", Symbol: "WETH", Decimals: 8, EstPriceUSD: 2500.0},
	{Address: "3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDzcqmJh", Symbol: "WBTC", Decimals: 8, EstPriceUSD: 60000.0},
	{Address: "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So", Symbol: "mSOL", Decimals: 9, EstPriceUSD: 170.0},
	{Address: "J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn", Symbol: "JitoSOL", Decimals: 9, EstPriceUSD: 170.0},
	{Address: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Symbol: "BONK", Decimals: 5, EstPriceUSD: 0.00002},
	{Address: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Symbol: "JUP", Decimals: 6, EstPriceUSD: 1.0},
	{Address: "2b1kV6DkPAnxd5ixfnxCpjxmKwqjjaYmCZfHsFu24GXo", Symbol: "PYUSD", Decimals: 6, EstPriceUSD: 1.0, Stablecoin: true},
}

// NewStatic builds the built-in directory. Extra tokens override or
// extend the well-known set.
func NewStatic(extra ...Token) *Static {
	m := make(map[string]Token, len(wellKnown)+len(extra))
	for _, t := range wellKnown {
		m[t.Address] = t
	}
	for _, t := range extra {
		m[t.Address] = t
	}
	return &Static{byAddress: m}
}

func (s *Static) Lookup(address string) (Token, bool) {
	t, ok := s.byAddress[address]
	return t, ok
}
