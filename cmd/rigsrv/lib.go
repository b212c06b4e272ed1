package main

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	goji "goji.io"

	"github.com/shemas2015/simulator-v4/broadcast"
	"github.com/shemas2015/simulator-v4/gateway"
	"github.com/shemas2015/simulator-v4/motor"
	"github.com/shemas2015/simulator-v4/registry"
	"github.com/shemas2015/simulator-v4/telemetry"
	"github.com/shemas2015/simulator-v4/util"
)

// Config holds the daemon's initialization parameters.  It is populated
// from rigsrv.yml; every field has a usable default.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Baud is the serial rate of the controller boards
	Baud int `yaml:"Baud" koanf:"Baud"`

	// DeadbandFine and DeadbandCoarse are the goal tolerances in degrees;
	// the coarse band applies during initial positioning
	DeadbandFine   float64 `yaml:"DeadbandFine" koanf:"DeadbandFine"`
	DeadbandCoarse float64 `yaml:"DeadbandCoarse" koanf:"DeadbandCoarse"`

	// ReversalPauseSecs is the minimum dwell, in seconds, before a drive
	// direction flip.  Hardware profiles run 0.05~0.5; default to the
	// conservative end.
	ReversalPauseSecs float64 `yaml:"ReversalPauseSecs" koanf:"ReversalPauseSecs"`

	// SamplePeriodSecs is the feedback polling period in seconds
	SamplePeriodSecs float64 `yaml:"SamplePeriodSecs" koanf:"SamplePeriodSecs"`

	// SimSeed seeds the built-in physics simulator; 0 means time-based
	SimSeed int64 `yaml:"SimSeed" koanf:"SimSeed"`

	// AbruptG and ModerateG are the telemetry jerk thresholds, in G per
	// frame, separating abrupt and moderate acceleration changes
	AbruptG   float64 `yaml:"AbruptG" koanf:"AbruptG"`
	ModerateG float64 `yaml:"ModerateG" koanf:"ModerateG"`
}

func defaultConfig() Config {
	return Config{
		Addr:              ":8000",
		Baud:              9600,
		DeadbandFine:      motor.DefaultDeadbandFine,
		DeadbandCoarse:    motor.DefaultDeadbandCoarse,
		ReversalPauseSecs: 0.5,
		SamplePeriodSecs:  0.02,
		AbruptG:           telemetry.DefaultAbruptThreshold,
		ModerateG:         telemetry.DefaultModerateThreshold,
	}
}

// BuildHandler wires the registry, broadcaster and gateway together and
// returns the root HTTP handler.
func BuildHandler(c Config) (http.Handler, *gateway.Gateway) {
	reg := registry.New(registry.Config{
		Baud: c.Baud,
		Control: motor.Config{
			DeadbandFine:   c.DeadbandFine,
			DeadbandCoarse: c.DeadbandCoarse,
			ReversalPause:  util.SecsToDuration(c.ReversalPauseSecs),
		},
		SamplePeriod: util.SecsToDuration(c.SamplePeriodSecs),
	}, nil)
	bc := broadcast.New(reg.Snapshot)
	reg.OnChange = bc.Publish
	gw := gateway.New(reg, bc, telemetry.NewSimulator(c.SimSeed))
	gw.AbruptG = c.AbruptG
	gw.ModerateG = c.ModerateG

	sub := goji.NewMux()
	gw.RT().Bind(sub)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount("/", sub)
	return root, gw
}
