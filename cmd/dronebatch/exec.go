package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/msageha/dronebatch/internal/dispatch"
	"github.com/msageha/dronebatch/internal/executor"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

const envPrefix = "DRONEBATCH"

// execFlags registers the per-batch execution overrides on cmd and binds them
// to a viper instance so DRONEBATCH_MODE, DRONEBATCH_MAX_RETRIES and friends
// work as well.
func execFlags(cmd *cobra.Command) *viper.Viper {
	f := cmd.Flags()
	f.String("mode", "", "sequential, parallel, priority or optimized")
	f.String("strategy", "", "stop_on_error, continue_on_error, retry_and_continue or smart_recovery")
	f.Float64("timeout", 0, "per-command timeout in seconds")
	f.Int("max-retries", 0, "retries per failed command")
	f.Float64("retry-delay", 0, "seconds between retries")
	f.Int("max-parallel", 0, "maximum commands per group")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(f)
	return v
}

var execKeys = []string{"mode", "strategy", "timeout", "max-retries", "retry-delay", "max-parallel"}

func hasExecOverrides(v *viper.Viper) bool {
	for _, k := range execKeys {
		if v.IsSet(k) {
			return true
		}
	}
	return false
}

// applyExecOverrides layers flag and environment values over cfg.
func applyExecOverrides(v *viper.Viper, cfg model.ExecConfig) model.ExecConfig {
	if v.IsSet("mode") {
		cfg.Mode = model.ExecutionMode(strings.ToLower(v.GetString("mode")))
	}
	if v.IsSet("strategy") {
		cfg.Strategy = model.RecoveryStrategy(strings.ToLower(v.GetString("strategy")))
	}
	if v.IsSet("timeout") {
		cfg.TimeoutSec = v.GetFloat64("timeout")
	}
	if v.IsSet("max-retries") {
		cfg.MaxRetries = v.GetInt("max-retries")
	}
	if v.IsSet("retry-delay") {
		cfg.RetryDelaySec = v.GetFloat64("retry-delay")
	}
	if v.IsSet("max-parallel") {
		cfg.MaxParallel = v.GetInt("max-parallel")
	}
	return cfg
}

func loadBatch(path string) (model.BatchRequestFile, error) {
	var req model.BatchRequestFile
	if err := yamlutil.LoadFile(path, yamlutil.FileTypeBatchRequest, &req); err != nil {
		return req, fmt.Errorf("load batch %s: %w", path, err)
	}
	return req, nil
}

// simulatorScale turns the rule table's cost estimates into simulated flight
// time: a 5s takeoff sleeps 50ms.
const simulatorScale = 0.01

// buildHandler returns the command handler described by the dispatch
// section. The CLI ships only the simulator; embedding programs register real
// backends on a dispatch.Registry.
func buildHandler(cfg model.DispatchConfig, table *rules.Table, seed uint64) (executor.Handler, *dispatch.Simulator, error) {
	if !cfg.Simulate {
		return nil, nil, fmt.Errorf("no drone backend configured: set dispatch.simulate: true")
	}
	sim := dispatch.NewSimulator(dispatch.SimulatorOptions{
		Table:     table,
		TimeScale: simulatorScale,
		FailRate:  cfg.SimulatedFailRate,
		Seed:      seed,
	})
	reg := dispatch.NewRegistry()
	reg.SetFallback(sim)
	return dispatch.WithRateLimit(reg, rate.Limit(cfg.RatePerSec), cfg.Burst), sim, nil
}

func seedNow() uint64 {
	return uint64(time.Now().UnixNano())
}
