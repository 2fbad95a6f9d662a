package settler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/order"
)

const testConfig = `
local_domain = 10
settler = "0x00000000000000000000000000000000000000d1"
permit2 = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
db = "settler.db"
listen = ":8090"
delivery_interval_seconds = 3

[[routers]]
domain = 1
router = "0x00000000000000000000000000000000000000c1"
gas = 200000

[[routers]]
domain = 42161
router = "0x000000000000000000000000000000000000000000000000000000000000a4b1"
gas = 150000

[[gas_oracles]]
domain = 1
gas_price = "1e9"
exchange_rate = "10000000000"

[[gas_oracles]]
domain = 42161
gas_price = "100000000"
exchange_rate = "2e10"
overhead = 50000
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, uint32(10), cfg.LocalDomain)
	assert.Equal(t, destAddr, cfg.SettlerAddress())
	assert.Equal(t, permit2, cfg.Permit2Address())
	assert.Equal(t, "settler.db", cfg.DB)
	assert.Equal(t, ":8090", cfg.Listen)
	assert.Equal(t, 3, cfg.DeliveryInterval)
	require.Len(t, cfg.Routers, 2)
	assert.Equal(t, uint64(150000), cfg.Routers[1].Gas)
	require.Len(t, cfg.GasOracles, 2)
	assert.Equal(t, uint64(50000), cfg.GasOracles[1].Overhead)
}

func TestConfigApply(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	s, _, _ := newDispatchSettler(t)
	pm := gas.NewPaymaster(testLogger())

	require.NoError(t, cfg.Apply(s, pm))
	assert.Equal(t, []uint32{1, 42161}, pm.Domains())

	routers := s.Routers()
	require.Len(t, routers, 2)
	assert.Equal(t, order.IdentityFromAddress(originAddr), routers[0].Address)
	assert.Equal(t, order.Identity{30: 0xa4, 31: 0xb1}, routers[1].Address)

	quote, err := pm.Quote(1, 200000)
	require.NoError(t, err)
	assert.Equal(t, testQuote, quote)

	// (150000 + 50000) * 1e8 * 2
	quote, err = pm.Quote(42161, 150000)
	require.NoError(t, err)
	assert.Equal(t, "40000000000000", quote.String())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"missing domain", `settler = "0x00000000000000000000000000000000000000d1"`},
		{"bad settler", "local_domain = 1\nsettler = \"nope\""},
		{"bad permit2", "local_domain = 1\nsettler = \"0x00000000000000000000000000000000000000d1\"\npermit2 = \"0x12\""},
		{"duplicate router", `local_domain = 1
settler = "0x00000000000000000000000000000000000000d1"
[[routers]]
domain = 2
router = "0x00000000000000000000000000000000000000c1"
[[routers]]
domain = 2
router = "0x00000000000000000000000000000000000000c2"`},
		{"bad router", `local_domain = 1
settler = "0x00000000000000000000000000000000000000d1"
[[routers]]
domain = 2
router = "0x1234"`},
		{"fractional gas price", `local_domain = 1
settler = "0x00000000000000000000000000000000000000d1"
[[gas_oracles]]
domain = 2
gas_price = "1.5"
exchange_rate = "1"`},
		{"negative exchange rate", `local_domain = 1
settler = "0x00000000000000000000000000000000000000d1"
[[gas_oracles]]
domain = 2
gas_price = "1"
exchange_rate = "-1"`},
		{"not toml", "local_domain = = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.config))
			assert.Error(t, err)
		})
	}
}

func TestMustLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg := MustLoadConfig(path)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000d1"), cfg.SettlerAddress())

	assert.Panics(t, func() { MustLoadConfig(filepath.Join(t.TempDir(), "missing.toml")) })
}
