package race

import "time"

// Economy
const (
	StartingShards     int64 = 100
	WinAward           int64 = 10
	ParticipationAward int64 = 2
)

// Reaper defaults
const (
	DefaultInactivityThreshold = 10 * time.Minute
	DefaultSweepInterval       = time.Minute
)

// Variants are the supported randomizer rulesets. They only matter to
// the core as ledger bucket keys; seed generation and the command
// surface branch on them.
var Variants = []string{"FF4FE", "FF6WC", "FF1R", "FF5CD", "FFMQR"}

// KnownVariant reports whether v is a supported randomizer id.
func KnownVariant(v string) bool {
	for _, known := range Variants {
		if known == v {
			return true
		}
	}
	return false
}
