package settler

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/order"
)

type RouterEntry struct {
	Domain uint32 `json:"domain" toml:"domain"`
	Router string `json:"router" toml:"router"`
	Gas    uint64 `json:"gas" toml:"gas"`
}

// GasOracleEntry prices gas on a remote domain. GasPrice is in wei of the
// remote chain; ExchangeRate converts it to the local native token with 1e10
// meaning parity.
type GasOracleEntry struct {
	Domain       uint32 `json:"domain" toml:"domain"`
	GasPrice     string `json:"gas_price" toml:"gas_price"`
	ExchangeRate string `json:"exchange_rate" toml:"exchange_rate"`
	Overhead     uint64 `json:"overhead,omitempty" toml:"overhead,omitempty"`
}

type Config struct {
	LocalDomain uint32 `json:"local_domain" toml:"local_domain"`
	Settler     string `json:"settler" toml:"settler"`
	// Permit2 is the verifying contract of gasless order signatures.
	Permit2          string           `json:"permit2,omitempty" toml:"permit2,omitempty"`
	DB               string           `json:"db,omitempty" toml:"db,omitempty"`
	Listen           string           `json:"listen,omitempty" toml:"listen,omitempty"`
	DeliveryInterval int              `json:"delivery_interval_seconds,omitempty" toml:"delivery_interval_seconds,omitempty"`
	Routers          []RouterEntry    `json:"routers,omitempty" toml:"routers,omitempty"`
	GasOracles       []GasOracleEntry `json:"gas_oracles,omitempty" toml:"gas_oracles,omitempty"`
}

func MustLoadConfig(path string) *Config {
	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	cfg, err := ParseConfig(file)
	if err != nil {
		panic(err)
	}
	return cfg
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.LocalDomain == 0 {
		return errors.New("config: local_domain is required")
	}
	if !common.IsHexAddress(c.Settler) {
		return fmt.Errorf("config: settler %q is not an address", c.Settler)
	}
	if c.Permit2 != "" && !common.IsHexAddress(c.Permit2) {
		return fmt.Errorf("config: permit2 %q is not an address", c.Permit2)
	}
	seen := make(map[uint32]bool)
	for _, r := range c.Routers {
		if seen[r.Domain] {
			return fmt.Errorf("config: router for domain %d listed twice", r.Domain)
		}
		seen[r.Domain] = true
		if _, err := order.HexToIdentity(r.Router); err != nil {
			return fmt.Errorf("config: router for domain %d: %w", r.Domain, err)
		}
	}
	for _, o := range c.GasOracles {
		if _, err := o.Oracle(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) SettlerAddress() common.Address {
	return common.HexToAddress(c.Settler)
}

func (c *Config) Permit2Address() common.Address {
	return common.HexToAddress(c.Permit2)
}

// Oracle converts the entry. Amounts may be written in exponent form
// ("2e9") but must be whole numbers.
func (o GasOracleEntry) Oracle() (gas.Oracle, error) {
	price, err := wholeNumber(o.GasPrice)
	if err != nil {
		return gas.Oracle{}, fmt.Errorf("config: gas oracle %d: gas_price: %w", o.Domain, err)
	}
	rate, err := wholeNumber(o.ExchangeRate)
	if err != nil {
		return gas.Oracle{}, fmt.Errorf("config: gas oracle %d: exchange_rate: %w", o.Domain, err)
	}
	return gas.Oracle{
		GasPrice:          price.BigInt(),
		TokenExchangeRate: rate.BigInt(),
		GasOverhead:       o.Overhead,
	}, nil
}

func wholeNumber(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !d.IsInteger() || d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s is not a non-negative whole number", s)
	}
	return d, nil
}

// Apply enrolls the configured routers on s and loads the gas oracles into p.
func (c *Config) Apply(s *Settler, p *gas.Paymaster) error {
	for _, o := range c.GasOracles {
		oracle, err := o.Oracle()
		if err != nil {
			return err
		}
		p.SetOracle(o.Domain, oracle)
	}
	for _, r := range c.Routers {
		router, err := order.HexToIdentity(r.Router)
		if err != nil {
			return fmt.Errorf("config: router for domain %d: %w", r.Domain, err)
		}
		s.EnrollRemoteRouter(r.Domain, router, r.Gas)
	}
	return nil
}
