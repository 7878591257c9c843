package tunnel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/latticewan/lattice/pkg/types"
)

const keyBytes = 20

// GenerateKeys produces the four random IPsec keys for one tunnel.
// Keys are never derived from the tunnel number: addressing must be
// recomputable, key material must not be predictable.
func GenerateKeys() (types.TunnelKeys, error) {
	keys := [4]string{}
	for i := range keys {
		buf := make([]byte, keyBytes)
		if _, err := rand.Read(buf); err != nil {
			return types.TunnelKeys{}, fmt.Errorf("failed to generate tunnel key: %w", err)
		}
		keys[i] = hex.EncodeToString(buf)
	}
	return types.TunnelKeys{Key1: keys[0], Key2: keys[1], Key3: keys[2], Key4: keys[3]}, nil
}
