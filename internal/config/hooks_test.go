package config

import (
	"testing"

	"github.com/go-viper/mapstructure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	good := map[string]int64{
		"131072": 131072,
		"128KiB": 131072,
		"128kib": 131072,
		"1MiB":   1 << 20,
		" 2G ":   2 << 30,
		"3 M":    3 << 20,
		"0":      0,
		"1GiB":   1 << 30,
		"512K":   512 << 10,
	}
	for raw, want := range good {
		n, err := ParseSize(raw)
		if assert.NoError(t, err, raw) {
			assert.Equal(t, want, n, raw)
		}
	}

	bad := []string{"", "   ", "KiB", "-1", "-1M", "1.5M", "ten", "12TB"}
	for _, raw := range bad {
		_, err := ParseSize(raw)
		assert.Error(t, err, raw)
	}
}

func TestByteSizeHook(t *testing.T) {
	var out struct {
		Limit ByteSize `mapstructure:"limit"`
		Other int64    `mapstructure:"other"`
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       StringToByteSizeHookFunc(),
		Result:           &out,
		WeaklyTypedInput: true,
	})
	require.NoError(t, err)
	require.NoError(t, dec.Decode(map[string]any{"limit": "2MiB", "other": "7"}))
	assert.Equal(t, ByteSize(2<<20), out.Limit)
	assert.Equal(t, int64(7), out.Other)
	assert.Equal(t, "2097152", out.Limit.String())

	err = dec.Decode(map[string]any{"limit": "huge"})
	assert.Error(t, err)
}
