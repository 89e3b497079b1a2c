package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryKnownPlatforms(t *testing.T) {
	names := Platforms()
	assert.Contains(t, names, "coinapi")
	assert.Contains(t, names, "binance")
}

func TestNewUnknownPlatform(t *testing.T) {
	_, err := New("kucoin", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported platform")
	assert.Contains(t, err.Error(), "coinapi")
}

func TestNewCaseInsensitive(t *testing.T) {
	p, err := New("Binance", Config{})
	require.NoError(t, err)
	assert.Equal(t, "binance", p.Name())
}

func TestCatalogLookup(t *testing.T) {
	list, err := Catalog("coinapi")
	require.NoError(t, err)
	require.NotEmpty(t, list)
	// 按步长升序
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i-1].Step < list[i].Step)
	}

	idx := catalogIndex(list)
	day, ok := lookup(idx, "1day")
	require.True(t, ok)
	assert.Equal(t, "1DAY", day.ID)
	assert.Equal(t, int64(86400000), day.StepMillis())

	_, ok = lookup(idx, "9MIN")
	assert.False(t, ok)
}

func TestBinanceCatalogSourceInterval(t *testing.T) {
	list, err := Catalog("binance")
	require.NoError(t, err)
	idx := catalogIndex(list)
	day, ok := lookup(idx, "1DAY")
	require.True(t, ok)
	assert.Equal(t, "1d", day.SourceInterval)
	week, ok := lookup(idx, "7DAY")
	require.True(t, ok)
	assert.Equal(t, "1w", week.SourceInterval)
}

func TestBinanceSymbolNormalize(t *testing.T) {
	assert.Equal(t, "ETHUSDT", binanceSymbol("ETH/USDT"))
	assert.Equal(t, "BTCUSDT", binanceSymbol(" btc-usdt "))
}
