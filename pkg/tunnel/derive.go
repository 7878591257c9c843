package tunnel

import "fmt"

// Fixed parameters shared by every derived tunnel endpoint.
const (
	loopbackMTU  = 1400
	cryptoAlg    = "aes-gcm-128"
	integrityAlg = "sha256"
)

// Params holds everything a tunnel number determines: two adjacent
// loopback addresses inside a /31, two adjacent MAC addresses encoding
// the same byte pair, and two adjacent SPI values. Both endpoints and
// any process recomputing after a crash derive identical values with
// no coordination.
type Params struct {
	IP1  string
	IP2  string
	MAC1 string
	MAC2 string
	SPI1 int
	SPI2 int
}

// Derive maps a tunnel number to its addressing parameters. The number
// splits into a byte group l = num/127 and an even offset
// h = (num%127+1)*2, keeping every pair inside 10.100.0.0/16 with ip2
// the /31 partner of ip1.
func Derive(num int) Params {
	l := num / 127
	h := (num%127 + 1) * 2

	return Params{
		IP1:  fmt.Sprintf("10.100.%d.%d", l, h),
		IP2:  fmt.Sprintf("10.100.%d.%d", l, h+1),
		MAC1: fmt.Sprintf("02:00:27:fd:%02x:%02x", l, h),
		MAC2: fmt.Sprintf("02:00:27:fd:%02x:%02x", l, h+1),
		SPI1: l*256 + h,
		SPI2: l*256 + h + 1,
	}
}
