package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum_StableAcrossInsertionOrder(t *testing.T) {
	a := map[string]string{}
	a["tickers"] = "ARCC,OBDC,FSK"
	a["provider"] = "cefdata"

	b := map[string]string{}
	b["provider"] = "cefdata"
	b["tickers"] = "ARCC,OBDC,FSK"

	sumA, err := ComputeChecksum(0.085, a)
	require.NoError(t, err)
	sumB, err := ComputeChecksum(0.085, b)
	require.NoError(t, err)

	assert.Equal(t, sumA, sumB, "insertion order must not change the digest")
	assert.Len(t, sumA, 64)
}

func TestComputeChecksum_SensitiveToValueAndMetadata(t *testing.T) {
	base, err := ComputeChecksum(5.0e9, map[string]string{"provider": "sifma"})
	require.NoError(t, err)

	changedValue, err := ComputeChecksum(5.1e9, map[string]string{"provider": "sifma"})
	require.NoError(t, err)
	assert.NotEqual(t, base, changedValue)

	changedMeta, err := ComputeChecksum(5.0e9, map[string]string{"provider": "fred"})
	require.NoError(t, err)
	assert.NotEqual(t, base, changedMeta)
}

func TestComputeChecksum_NilMetadataMatchesEmpty(t *testing.T) {
	withNil, err := ComputeChecksum(1.0, nil)
	require.NoError(t, err)
	withEmpty, err := ComputeChecksum(1.0, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, withNil, withEmpty)
}

func TestVerifyChecksum(t *testing.T) {
	p := &MetricPoint{
		DataSource: SourceBDCDiscount,
		MetricName: "avg_discount",
		Value:      0.092,
		Metadata:   map[string]string{"tickers": "ARCC,OBDC"},
	}
	sum, err := ComputeChecksum(p.Value, p.Metadata)
	require.NoError(t, err)
	p.Checksum = sum

	ok, err := VerifyChecksum(p)
	require.NoError(t, err)
	assert.True(t, ok)

	p.Value = 0.15
	ok, err = VerifyChecksum(p)
	require.NoError(t, err)
	assert.False(t, ok, "tampered value must fail verification")
}
