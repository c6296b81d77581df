package registry

// ChainFamily groups chains by which balance/transaction query shape the
// provider exposes for them.
type ChainFamily string

const (
	FamilyEVM     ChainFamily = "evm"
	FamilyUTXO    ChainFamily = "utxo"
	FamilyAccount ChainFamily = "account"
	FamilyOther   ChainFamily = "other"
)

// MemoKind says which sub-account discriminator a chain requires on deposits.
type MemoKind string

const (
	MemoNone MemoKind = ""
	MemoTag  MemoKind = "tag"
	MemoText MemoKind = "memo"
)

type ChainConfig struct {
	Ticker       string
	Family       ChainFamily
	MainnetChain string
	SandboxChain string
	Memo         MemoKind
}

// ChainID returns the provider chain identifier for the given mode.
func (c ChainConfig) ChainID(sandbox bool) string {
	if sandbox {
		return c.SandboxChain
	}
	return c.MainnetChain
}

// Registry is an immutable ticker -> chain table built once at startup.
type Registry struct {
	chains map[string]ChainConfig
	def    ChainConfig
}

// DefaultTicker is the chain used for tickers the registry does not know.
// Unknown tickers resolve to the ETH config so callers never null-check.
const DefaultTicker = "ETH"

func New() *Registry {
	chains := map[string]ChainConfig{
		"BTC":   {Ticker: "BTC", Family: FamilyUTXO, MainnetChain: "bitcoin-mainnet", SandboxChain: "bitcoin-testnet"},
		"LTC":   {Ticker: "LTC", Family: FamilyUTXO, MainnetChain: "litecoin-core-mainnet", SandboxChain: "litecoin-core-testnet"},
		"DOGE":  {Ticker: "DOGE", Family: FamilyUTXO, MainnetChain: "doge-mainnet", SandboxChain: "doge-testnet"},
		"ETH":   {Ticker: "ETH", Family: FamilyEVM, MainnetChain: "ethereum-mainnet", SandboxChain: "ethereum-sepolia"},
		"MATIC": {Ticker: "MATIC", Family: FamilyEVM, MainnetChain: "polygon-mainnet", SandboxChain: "polygon-amoy"},
		"BNB":   {Ticker: "BNB", Family: FamilyEVM, MainnetChain: "bsc-mainnet", SandboxChain: "bsc-testnet"},
		"SOL":   {Ticker: "SOL", Family: FamilyAccount, MainnetChain: "solana-mainnet", SandboxChain: "solana-devnet"},
		"TRON":  {Ticker: "TRON", Family: FamilyAccount, MainnetChain: "tron-mainnet", SandboxChain: "tron-shasta"},
		"XRP":   {Ticker: "XRP", Family: FamilyAccount, MainnetChain: "ripple-mainnet", SandboxChain: "ripple-testnet", Memo: MemoTag},
		"XLM":   {Ticker: "XLM", Family: FamilyAccount, MainnetChain: "stellar-mainnet", SandboxChain: "stellar-testnet", Memo: MemoText},
		"ADA":   {Ticker: "ADA", Family: FamilyOther, MainnetChain: "cardano-mainnet", SandboxChain: "cardano-preprod"},
	}
	return &Registry{chains: chains, def: chains[DefaultTicker]}
}

// Resolve looks up the chain config for a ticker. Unknown tickers return the
// default chain config; the zero value is never returned.
func (r *Registry) Resolve(ticker string) ChainConfig {
	if cfg, ok := r.chains[ticker]; ok {
		return cfg
	}
	return r.def
}

// Known reports whether the ticker is explicitly registered.
func (r *Registry) Known(ticker string) bool {
	_, ok := r.chains[ticker]
	return ok
}

// Tickers returns all registered tickers.
func (r *Registry) Tickers() []string {
	out := make([]string, 0, len(r.chains))
	for t := range r.chains {
		out = append(out, t)
	}
	return out
}
