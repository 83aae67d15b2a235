package cmd

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/cluster"
	"github.com/inference-sim/blis/sim/trace"
	"github.com/inference-sim/blis/sim/workload"
)

// Flag names. Each can also be set through BLIS_<NAME>.
const (
	flagClusterConfig = "cluster-config"
	flagPolicyConfig  = "policy-config"
	flagWorkloadSpec  = "workload-spec"
	flagReplay        = "replay"
	flagHorizon       = "horizon"
	flagWorkloadSeed  = "workload-seed"
	flagSimSeed       = "sim-seed"
	flagJitterSeed    = "jitter-seed"
	flagTraceLevel    = "trace-level"
	flagTraceOut      = "trace-out"
	flagMetricsOut    = "metrics-out"
)

func addInputFlags(fs *pflag.FlagSet) {
	fs.String(flagClusterConfig, "", "Path to the cluster config YAML")
	fs.String(flagPolicyConfig, "", "Path to the policy bundle YAML (default: every stage's default policy)")
	fs.String(flagWorkloadSpec, "", "Path to a synthetic workload spec YAML")
	fs.String(flagReplay, "", "Path to a replay trace (.json or .yaml)")
	fs.Int64(flagHorizon, 0, "Override the simulation horizon (ticks)")
	fs.Int64(flagWorkloadSeed, 0, "Override the workload seed")
	fs.Int64(flagSimSeed, 0, "Override the simulation seed")
	fs.Int64(flagJitterSeed, 0, "Override the jitter seed")
	fs.String(flagTraceLevel, "", "Override the trace level (minimal, decisions, full)")
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Run a cluster simulation and print its metrics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(v, cmd.OutOrStdout())
		},
	}
	addInputFlags(c.Flags())
	c.Flags().String(flagTraceOut, "", "Write the decision trace and its summary to this file")
	c.Flags().String(flagMetricsOut, "", "Write metrics to this file instead of stdout")
	return c
}

// inputs is everything a run is derived from.
type inputs struct {
	cfg      cluster.Config
	bundle   *sim.PolicyBundle
	requests []*sim.Request
}

// loadInputs reads the configs named by v, applies overrides that were set
// explicitly and builds the request sequence.
func loadInputs(v *viper.Viper) (*inputs, error) {
	path := v.GetString(flagClusterConfig)
	if path == "" {
		return nil, errors.Errorf("--%s is required", flagClusterConfig)
	}
	cfg, err := cluster.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if v.IsSet(flagHorizon) {
		cfg.Horizon = v.GetInt64(flagHorizon)
	}
	if v.IsSet(flagWorkloadSeed) {
		cfg.Key.WorkloadSeed = v.GetInt64(flagWorkloadSeed)
	}
	if v.IsSet(flagSimSeed) {
		cfg.Key.SimSeed = v.GetInt64(flagSimSeed)
	}
	if v.IsSet(flagJitterSeed) {
		cfg.Key.JitterSeed = v.GetInt64(flagJitterSeed)
	}
	if v.IsSet(flagTraceLevel) {
		cfg.Trace.Level = trace.TraceLevel(v.GetString(flagTraceLevel))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid cluster config")
	}

	bundle := &sim.PolicyBundle{}
	if p := v.GetString(flagPolicyConfig); p != "" {
		if bundle, err = sim.LoadPolicyBundle(p); err != nil {
			return nil, err
		}
	}
	if err := bundle.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid policy bundle")
	}

	specPath, replayPath := v.GetString(flagWorkloadSpec), v.GetString(flagReplay)
	if (specPath == "") == (replayPath == "") {
		return nil, errors.Errorf("exactly one of --%s and --%s is required", flagWorkloadSpec, flagReplay)
	}
	rng := sim.NewPartitionedRNG(cfg.Key).ForSubsystem(sim.SubsystemWorkload)
	var reqs []*sim.Request
	if specPath != "" {
		spec, err := workload.LoadWorkloadSpec(specPath)
		if err != nil {
			return nil, err
		}
		if reqs, err = workload.GenerateRequests(spec, rng, cfg.Horizon); err != nil {
			return nil, err
		}
	} else {
		rt, err := workload.LoadReplay(replayPath)
		if err != nil {
			return nil, err
		}
		if reqs, err = workload.ReplayRequests(rt, rng); err != nil {
			return nil, err
		}
	}
	return &inputs{cfg: *cfg, bundle: bundle, requests: reqs}, nil
}

func runSimulation(v *viper.Viper, stdout io.Writer) error {
	in, err := loadInputs(v)
	if err != nil {
		return err
	}
	cs, err := cluster.NewClusterSimulator(in.cfg, in.bundle, in.requests)
	if err != nil {
		return err
	}
	logrus.Infof("Starting run %s: %d requests, horizon=%d ticks", cs.Trace().RunID, len(in.requests), in.cfg.Horizon)

	start := time.Now()
	m, runErr := cs.Run()
	if m == nil {
		return runErr
	}
	logrus.Infof("Simulation complete in %s: %d/%d requests completed", time.Since(start), m.Completed, m.Injected)

	if p := v.GetString(flagTraceOut); p != "" {
		if err := trace.WriteFile(p, cs.Trace()); err != nil {
			return err
		}
	}
	out := stdout
	if p := v.GetString(flagMetricsOut); p != "" {
		f, err := os.Create(p)
		if err != nil {
			return errors.Wrap(err, "creating metrics file")
		}
		defer f.Close()
		out = f
	}
	if err := trace.WriteJSON(out, m); err != nil {
		return err
	}
	return runErr
}
