package config

import (
	"os"
	"strconv"
)

// CharityShares is the revenue share schedule for charity streams.
// It is an explicit, versioned record handed to the settlement service
// per call so tests can inject arbitrary schedules.
type CharityShares struct {
	Version      int
	CharityPct   float64
	PlatformPct  float64
	AdminPct     float64
	ModeratorPct float64
	// StreamerPct is always the remainder to 100.

	// Campaign bounds for per-stream charity overrides.
	CharityMinPct float64
	CharityMaxPct float64
}

// StreamerPct returns the share left for the streamer.
func (c CharityShares) StreamerPct() float64 {
	return 100 - c.CharityPct - c.PlatformPct - c.AdminPct - c.ModeratorPct
}

func LoadCharityShares() CharityShares {
	return CharityShares{
		Version:       getEnvAsInt("CHARITY_SHARES_VERSION", 1),
		CharityPct:    getEnvAsFloat("CHARITY_SHARE_PCT", 20),
		PlatformPct:   getEnvAsFloat("CHARITY_PLATFORM_PCT", 2),
		AdminPct:      getEnvAsFloat("CHARITY_ADMIN_PCT", 1),
		ModeratorPct:  getEnvAsFloat("CHARITY_MODERATOR_PCT", 0.5),
		CharityMinPct: getEnvAsFloat("CHARITY_MIN_PCT", 5),
		CharityMaxPct: getEnvAsFloat("CHARITY_MAX_PCT", 50),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
