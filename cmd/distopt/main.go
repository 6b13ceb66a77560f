// Command distopt runs the built-in demo problem through the distributed
// MMA driver, verifies its gradients, and plots convergence logs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/driver"
	"github.com/curioloop/distopt/graddiff"
	"github.com/curioloop/distopt/history"
)

// runOptions holds the demo run parameters. Flags win over the config
// file; the config file wins over defaults.
type runOptions struct {
	Ranks   int
	NVars   int
	NIter   int
	MoveLim float64
	VolFrac float64
	LogName string
	Config  string
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "distopt",
		Short:         "Distributed-memory MMA optimization driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newPlotCommand())
	return cmd
}

func bindRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().IntVar(&opts.Ranks, "ranks", 2, "number of ranks")
	cmd.Flags().IntVar(&opts.NVars, "nvars", 64, "global design variable count")
	cmd.Flags().IntVar(&opts.NIter, "niter", 40, "iteration count")
	cmd.Flags().Float64Var(&opts.MoveLim, "movelim", 0.2, "move limit half-width")
	cmd.Flags().Float64Var(&opts.VolFrac, "volfrac", 0.4, "mean-value budget of the demo constraint")
	cmd.Flags().StringVar(&opts.LogName, "log", "distopt.log", "convergence log path")
	cmd.Flags().StringVar(&opts.Config, "config", "", "optional YAML config file")
}

// loadConfig layers a YAML config under any flags not set explicitly.
func loadConfig(cmd *cobra.Command, opts *runOptions) error {
	if opts.Config == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(opts.Config)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	set := func(name string, assign func()) {
		if !cmd.Flags().Changed(name) && v.IsSet(name) {
			assign()
		}
	}
	set("ranks", func() { opts.Ranks = v.GetInt("ranks") })
	set("nvars", func() { opts.NVars = v.GetInt("nvars") })
	set("niter", func() { opts.NIter = v.GetInt("niter") })
	set("movelim", func() { opts.MoveLim = v.GetFloat64("movelim") })
	set("volfrac", func() { opts.VolFrac = v.GetFloat64("volfrac") })
	set("log", func() { opts.LogName = v.GetString("log") })
	return nil
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo problem through the MMA driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, opts); err != nil {
				return err
			}
			logFile, err := os.Create(opts.LogName)
			if err != nil {
				return fmt.Errorf("open log %q: %w", opts.LogName, err)
			}
			defer logFile.Close()

			err = comm.Run(opts.Ranks, func(c *comm.Communicator) error {
				prob := newQuadratic(c, opts.NVars, opts.VolFrac)
				opt, err := driver.New(prob, logFile, &driver.Options{MoveLimit: opts.MoveLim})
				if err != nil {
					return err
				}
				defer opt.Destroy()
				if err := opt.Optimize(opts.NIter); err != nil {
					return err
				}
				if c.Rank() == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "final objective %.10e after %d iterations (log: %s)\n",
						opt.Objective(), opts.NIter, opts.LogName)
				}
				return nil
			})
			return err
		},
	}
	bindRunFlags(cmd, opts)
	return cmd
}

func newCheckCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the demo problem's analytic gradients by finite differences",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, opts); err != nil {
				return err
			}
			var rep *graddiff.Report
			err := comm.Run(opts.Ranks, func(c *comm.Communicator) error {
				prob := newQuadratic(c, opts.NVars, opts.VolFrac)
				r, err := graddiff.Check(prob, &graddiff.Options{Method: graddiff.Central})
				if err != nil {
					return err
				}
				if c.Rank() == 0 {
					rep = r
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"objective gradient:  max abs %.3e  max rel %.3e\n"+
					"constraint gradient: max abs %.3e  max rel %.3e\n",
				rep.ObjMaxAbs, rep.ObjMaxRel, rep.ConMaxAbs, rep.ConMaxRel)
			if !rep.Ok(1e-6) {
				return fmt.Errorf("gradient check failed beyond 1e-6")
			}
			return nil
		},
	}
	bindRunFlags(cmd, opts)
	return cmd
}

func newPlotCommand() *cobra.Command {
	var objOut, resOut string
	cmd := &cobra.Command{
		Use:   "plot <log>",
		Short: "Plot a convergence log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			recs, err := history.Parse(f)
			if err != nil {
				return err
			}
			if err := history.PlotObjective(recs, objOut); err != nil {
				return err
			}
			return history.PlotResidual(recs, resOut)
		},
	}
	cmd.Flags().StringVar(&objOut, "obj-out", "objective.png", "objective plot output")
	cmd.Flags().StringVar(&resOut, "res-out", "residual.png", "KKT residual plot output")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
