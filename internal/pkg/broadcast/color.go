package broadcast

// Color is an 8-bit RGB triple for the tile LED strips.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Indicator colors for connection states.
var (
	ColorConnecting = Color{R: 0xFF}          // red
	ColorConnected  = Color{G: 0xFF}          // green
	ColorUpdating   = Color{R: 0xFF, G: 0xFF} // yellow
	ColorOff        = Color{}
)

// CongestionColor maps a normalized congestion level onto the
// green-to-red gradient. Levels outside [0,1] are clamped.
func CongestionColor(level float64) Color {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return Color{
		R: uint8(level*255 + 0.5),
		G: uint8((1-level)*255 + 0.5),
	}
}
