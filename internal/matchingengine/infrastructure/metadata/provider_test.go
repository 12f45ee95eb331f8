package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/config"
	"github.com/wyfcoding/matchingcore/pkg/logger"
)

func staticConfig() config.MetadataConfig {
	return config.MetadataConfig{
		Assets: []config.AssetConfig{
			{ID: "BTC", Accuracy: 8},
			{ID: "USD", Accuracy: 2},
		},
		AssetPairs: []config.AssetPairConfig{
			{ID: "BTCUSD", BaseAssetID: "BTC", QuoteAssetID: "USD", Accuracy: 2, MinVolume: "0.001", MaxValue: "1000000"},
		},
	}
}

func TestProvider_RefreshFromConfig(t *testing.T) {
	p := NewProvider(NewConfigLoader(staticConfig()), 0, logger.Discard())
	_, ok := p.AssetPair("BTCUSD")
	assert.False(t, ok)

	require.NoError(t, p.Refresh(context.Background()))

	pair, ok := p.AssetPair("BTCUSD")
	require.True(t, ok)
	assert.Equal(t, "0.001", pair.MinVolume.String())
	require.NotNil(t, pair.MaxValue)
	assert.Nil(t, pair.MaxVolume)

	meta, err := domain.ResolvePair(p, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, int32(8), meta.Base.Accuracy)
	assert.Len(t, p.AssetPairs(), 1)
}

func TestProvider_RejectsPairWithUnknownAsset(t *testing.T) {
	cfg := staticConfig()
	cfg.AssetPairs = append(cfg.AssetPairs, config.AssetPairConfig{ID: "ETHUSD", BaseAssetID: "ETH", QuoteAssetID: "USD"})
	p := NewProvider(NewConfigLoader(cfg), 0, logger.Discard())

	err := p.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETH")
}

func TestConfigLoader_InvalidDecimal(t *testing.T) {
	cfg := staticConfig()
	cfg.AssetPairs[0].MaxVolume = "lots"
	_, err := NewConfigLoader(cfg).LoadAssetPairs(context.Background())
	require.Error(t, err)
}

type flakyLoader struct {
	inner *ConfigLoader
	fail  bool
}

func (l *flakyLoader) LoadAssets(ctx context.Context) ([]*domain.Asset, error) {
	if l.fail {
		return nil, errors.New("database unavailable")
	}
	return l.inner.LoadAssets(ctx)
}

func (l *flakyLoader) LoadAssetPairs(ctx context.Context) ([]*domain.AssetPair, error) {
	return l.inner.LoadAssetPairs(ctx)
}

func TestProvider_FailedRefreshKeepsPrevious(t *testing.T) {
	loader := &flakyLoader{inner: NewConfigLoader(staticConfig())}
	p := NewProvider(loader, 0, logger.Discard())
	require.NoError(t, p.Refresh(context.Background()))

	loader.fail = true
	require.Error(t, p.Refresh(context.Background()))

	_, ok := p.Asset("BTC")
	assert.True(t, ok)
}
