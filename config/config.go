package config

import (
	"time"

	"github.com/irsalhamdi/course-pay/database"
)

// Config is the whole runtime configuration of the service. It is parsed
// once in cmd/server with the COURSEPAY prefix and passed down explicitly.
type Config struct {
	Web      Web
	DB       database.Config
	Cors     Cors
	Auth     Auth
	Razorpay Razorpay
	Rate     Rate
}

type Web struct {
	Address         string        `conf:"default:0.0.0.0:8000"`
	ReadTimeout     time.Duration `conf:"default:5s"`
	WriteTimeout    time.Duration `conf:"default:10s"`
	IdleTimeout     time.Duration `conf:"default:120s"`
	ShutdownTimeout time.Duration `conf:"default:20s"`
}

type Cors struct {
	Origin string `conf:"default:*"`
}

type Auth struct {
	SessionLifetime time.Duration `conf:"default:24h"`
}

// Razorpay holds the gateway credentials. KeySecret doubles as the HMAC key
// for callback signature verification, so its absence must surface as a
// configuration error rather than a failed verification.
type Razorpay struct {
	KeyID        string        `conf:"env:RAZORPAY_KEY_ID"`
	KeySecret    string        `conf:"env:RAZORPAY_KEY_SECRET,mask"`
	URL          string        `conf:"default:https://api.razorpay.com"`
	ProbeTimeout time.Duration `conf:"default:5s"`
	ProbeRetries int           `conf:"default:2"`
}

type Rate struct {
	VerifyBurst  int           `conf:"default:5"`
	VerifyExpiry time.Duration `conf:"default:30m"`
	VerifyRPS    float64       `conf:"default:1"`
}
