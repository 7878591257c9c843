package tunnel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveFirstTunnel(t *testing.T) {
	p := Derive(1)

	assert.Equal(t, "10.100.0.4", p.IP1)
	assert.Equal(t, "10.100.0.5", p.IP2)
	assert.Equal(t, "02:00:27:fd:00:04", p.MAC1)
	assert.Equal(t, "02:00:27:fd:00:05", p.MAC2)
	assert.Equal(t, 4, p.SPI1)
	assert.Equal(t, 5, p.SPI2)
}

func TestDeriveIsDeterministic(t *testing.T) {
	for _, num := range []int{1, 126, 127, 128, 5000, 14999} {
		assert.Equal(t, Derive(num), Derive(num), "num=%d", num)
	}
}

func TestDeriveAdjacency(t *testing.T) {
	for num := 1; num <= 1000; num++ {
		p := Derive(num)

		l := num / 127
		h := (num%127 + 1) * 2
		require.Equal(t, fmt.Sprintf("10.100.%d.%d", l, h), p.IP1, "num=%d", num)
		require.Equal(t, fmt.Sprintf("10.100.%d.%d", l, h+1), p.IP2, "num=%d", num)

		// Even base keeps the pair inside one /31
		require.Zero(t, h%2, "num=%d", num)
		require.Equal(t, p.SPI1+1, p.SPI2, "num=%d", num)
	}
}

func TestDeriveNeverCollides(t *testing.T) {
	seenIP := make(map[string]int)
	seenSPI := make(map[int]int)

	for num := 0; num <= 15000; num++ {
		p := Derive(num)
		for _, ip := range []string{p.IP1, p.IP2} {
			if prev, dup := seenIP[ip]; dup {
				t.Fatalf("address %s shared by num %d and %d", ip, prev, num)
			}
			seenIP[ip] = num
		}
		for _, spi := range []int{p.SPI1, p.SPI2} {
			if prev, dup := seenSPI[spi]; dup {
				t.Fatalf("SPI %d shared by num %d and %d", spi, prev, num)
			}
			seenSPI[spi] = num
		}
	}
}

func TestGenerateKeysAreDistinct(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)

	set := map[string]struct{}{
		keys.Key1: {}, keys.Key2: {}, keys.Key3: {}, keys.Key4: {},
	}
	assert.Len(t, set, 4)
	assert.Len(t, keys.Key1, keyBytes*2)
}
