package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cryolab/deltarun/pkg/sequence"
)

// stageFile is the YAML form of a stage program:
//
//	stages:
//	  - target: 300
//	    rate: 2
//	    width: 5
//	    dwell: 2m
type stageFile struct {
	Stages []sequence.Stage `yaml:"stages"`
}

func parseStages(data []byte) ([]sequence.Stage, error) {
	var f stageFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse stage program")
	}
	if len(f.Stages) == 0 {
		return nil, fmt.Errorf("stage program has no stages")
	}
	return f.Stages, nil
}

// parseStageArg parses TARGET/RATE/WIDTH[/DWELL], e.g. 300/2/5/2m.
func parseStageArg(arg string) (sequence.Stage, error) {
	parts := strings.Split(arg, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return sequence.Stage{}, fmt.Errorf("invalid stage %q: want TARGET/RATE/WIDTH[/DWELL]", arg)
	}

	var (
		s   sequence.Stage
		err error
	)
	for i, dst := range []*float64{&s.Target, &s.Rate, &s.Width} {
		*dst, err = strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return sequence.Stage{}, fmt.Errorf("invalid stage %q: %v", arg, err)
		}
	}
	if len(parts) == 4 {
		s.Dwell, err = time.ParseDuration(parts[3])
		if err != nil {
			return sequence.Stage{}, fmt.Errorf("invalid stage %q: %v", arg, err)
		}
	}
	return s, nil
}

func loadStages(path string) ([]sequence.Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read stage program %s", path)
	}
	return parseStages(data)
}

func NewStagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stages",
		Short:   "Manage the stored stage program",
		GroupID: gMeasurement,
		Long: `Manage the stage program the daemon runs when no other program is given.

A stage program is a YAML file with a list of stages. Each stage ramps the
cryostat to its target temperature at the given rate (K/min), measuring every
"width" kelvin after waiting "dwell" at each step:

  stages:
    - target: 80
      rate: 2
      width: 10
      dwell: 5m
    - target: 300
      rate: 1
      width: 5
      dwell: 2m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStagesShow(cmd)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the stored stage program",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runStagesShow(cmd)
			},
		},
		&cobra.Command{
			Use:   "set <stage>...",
			Short: "Replace the stored stage program with stages given as TARGET/RATE/WIDTH[/DWELL]",
			Example: `  deltarun stages set 80/2/10/5m 300/1/5/2m`,
			Args: cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				stages := make([]sequence.Stage, 0, len(args))
				for _, arg := range args {
					s, err := parseStageArg(arg)
					if err != nil {
						return err
					}
					stages = append(stages, s)
				}
				ret, err := apiClient.SetStages(stages)
				if err != nil {
					return fmt.Errorf("failed to set stage program: %v", err)
				}
				logResponse(ret)
				logrus.Infof("successfully stored a program of %d stage(s)", len(stages))
				return nil
			},
		},
		&cobra.Command{
			Use:   "load <file>",
			Short: "Replace the stored stage program with a YAML file",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				stages, err := loadStages(args[0])
				if err != nil {
					return err
				}
				ret, err := apiClient.SetStages(stages)
				if err != nil {
					return fmt.Errorf("failed to set stage program: %v", err)
				}
				logResponse(ret)
				logrus.Infof("successfully stored a program of %d stage(s)", len(stages))
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored stage program",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				ret, err := apiClient.SetStages(nil)
				if err != nil {
					return fmt.Errorf("failed to clear stage program: %v", err)
				}
				logResponse(ret)
				logrus.Info("successfully cleared the stage program")
				return nil
			},
		},
	)

	return cmd
}

func runStagesShow(cmd *cobra.Command) error {
	stages, err := apiClient.GetStages()
	if err != nil {
		return err
	}
	printStages(cmd, stages)
	return nil
}

func printStages(cmd *cobra.Command, stages []sequence.Stage) {
	if len(stages) == 0 {
		cmd.Println("No stage program is stored.")
		return
	}
	cmd.Printf("%d stage(s):\n", len(stages))
	for i, s := range stages {
		cmd.Printf("  %d. %s\n", i+1, s)
	}
}
