package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/spaceheat/scada/internal/core/planner"
	"github.com/spaceheat/scada/internal/core/thermal"
)

// supergraph writes the storage super-graph of a house to a JSON file the
// scada loads at startup. House parameters come from the same config file.
func main() {
	viper.SetEnvPrefix("scada")
	viper.AutomaticEnv()
	viper.SetDefault("planner.super_graph_file", "super_graph.json")

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			slog.Error("Error reading config file", "error", err)
			os.Exit(2)
		}
	}

	params := thermal.DefaultHouseParams()
	if err := viper.UnmarshalKey("house", &params); err != nil {
		slog.Error("invalid house section", "error", err)
		os.Exit(2)
	}
	model, err := thermal.NewModel(params)
	if err != nil {
		slog.Error("invalid house parameters", "error", err)
		os.Exit(2)
	}

	sgCfg := planner.DefaultSuperGraphConfig(model)
	if step := viper.GetFloat64("supergraph.step_kwh"); step > 0 {
		sgCfg.StepKwh = step
	}

	out := viper.GetString("planner.super_graph_file")
	if len(os.Args) > 1 {
		out = os.Args[1]
	}

	start := time.Now()
	slog.Info("generating super graph", "layers", params.NumLayers, "step_kwh", sgCfg.StepKwh,
		"min_kwh", sgCfg.MinStoreHeatInKwh, "max_kwh", sgCfg.MaxStoreHeatInKwh)
	sg, err := planner.GenerateSuperGraph(model, sgCfg)
	if err != nil {
		slog.Error("could not generate super graph", "error", err)
		os.Exit(1)
	}
	if err := sg.Save(out); err != nil {
		slog.Error("could not save super graph", "file", out, "error", err)
		os.Exit(1)
	}
	slog.Info("super graph saved", "file", out, "states", len(sg.States()), "elapsed", time.Since(start))
}
