package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/lmfit/internal/config"
	"github.com/copyleftdev/lmfit/internal/logging"
	"github.com/copyleftdev/lmfit/internal/optimization"
	"github.com/copyleftdev/lmfit/internal/optimization/levenberg"
	"github.com/copyleftdev/lmfit/internal/optimization/linalg"
	"github.com/copyleftdev/lmfit/internal/optimization/models"
)

// problem is the YAML description of a curve fit. Settings left out fall
// back to the FIT_* environment defaults.
type problem struct {
	Model              string    `yaml:"model"`
	Degree             int       `yaml:"degree"`
	T                  []float64 `yaml:"t"`
	Y                  []float64 `yaml:"y"`
	InitialGuess       []float64 `yaml:"initial_guess"`
	Seed               *uint64   `yaml:"seed"`
	MinError           *float64  `yaml:"min_error"`
	MinErrorDifference *float64  `yaml:"min_error_difference"`
	MaxIterations      *int      `yaml:"max_iterations"`
}

// system is the YAML description of a linear system a·x = b.
type system struct {
	A         [][]float64 `yaml:"a"`
	B         []float64   `yaml:"b"`
	Symmetric bool        `yaml:"symmetric"`
}

type fitOutput struct {
	Model         string    `json:"model" yaml:"model"`
	Status        string    `json:"status" yaml:"status"`
	Iterations    int       `json:"iterations" yaml:"iterations"`
	FallbackSteps int       `json:"fallback_steps" yaml:"fallback_steps"`
	Parameters    []float64 `json:"parameters" yaml:"parameters"`
	SumSquares    float64   `json:"sum_squares" yaml:"sum_squares"`
	RMS           float64   `json:"rms" yaml:"rms"`
}

type solveOutput struct {
	Success   bool      `json:"success" yaml:"success"`
	X         []float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Condition float64   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type rootOptions struct {
	input   string
	output  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "lmfit",
		Short:        "Levenberg-Marquardt curve fitting",
		Long:         `Fits parametric curves to sampled data and solves dense linear systems.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.input, "file", "f", "-", "problem file (- for stdin)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "output format (yaml, json)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every iteration to stderr")

	root.AddCommand(newFitCmd(opts), newSolveCmd(opts))
	return root
}

func newFitCmd(opts *rootOptions) *cobra.Command {
	var (
		strict        bool
		lambda        float64
		maxIterations int
	)

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a curve model to samples",
		Long: `Fits one of the exponential, polynomial or gaussian models to (t, y)
samples by minimizing the sum of squared residuals.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var p problem
			if err := decodeInput(cmd, opts.input, &p); err != nil {
				return err
			}

			settings := optimization.Settings{
				MinError:           cfg.Fit.MinError,
				MinErrorDifference: cfg.Fit.MinErrorDifference,
				MaxIterations:      cfg.Fit.MaxIterations,
			}
			if p.MinError != nil {
				settings.MinError = *p.MinError
			}
			if p.MinErrorDifference != nil {
				settings.MinErrorDifference = *p.MinErrorDifference
			}
			if p.MaxIterations != nil {
				settings.MaxIterations = *p.MaxIterations
			}
			if cmd.Flags().Changed("max-iterations") {
				settings.MaxIterations = maxIterations
			}
			if !cmd.Flags().Changed("lambda") {
				lambda = cfg.Fit.InitialLambda
			}

			model, err := models.New(p.Model, p.Degree)
			if err != nil {
				return err
			}
			fit, err := models.NewCurveFit(model, p.T, p.Y)
			if err != nil {
				return err
			}

			zl := newZapLogger(cmd, opts.verbose)
			optOpts := []levenberg.Option{
				levenberg.WithDimension(model.NumParams()),
				levenberg.WithInitialLambda(lambda),
				levenberg.WithLogger(zl.Named("levenberg")),
				levenberg.WithSolver(linalg.NewSolver(
					linalg.WithTolerance(cfg.Fit.SingularTolerance),
					linalg.WithSymmetryCheck(cfg.Fit.VerifySymmetric),
					linalg.WithLogger(zl.Named("linalg")),
				)),
			}
			if p.Seed != nil {
				optOpts = append(optOpts, levenberg.WithRandSource(rand.NewPCG(*p.Seed, 0)))
			}
			opt, err := levenberg.New(fit.Problem(), optOpts...)
			if err != nil {
				return err
			}

			result, err := opt.Run(cmd.Context(), settings, p.InitialGuess)
			if err != nil {
				return err
			}

			out := fitOutput{
				Model:         model.Name(),
				Status:        result.Status.String(),
				Iterations:    result.Iterations,
				FallbackSteps: result.FallbackSteps,
				Parameters:    result.Best.X,
				SumSquares:    result.Best.F,
				RMS:           fit.RMS(result.Best.F),
			}
			if err := writeOutput(cmd.OutOrStdout(), opts.output, out); err != nil {
				return err
			}

			if strict && !result.Converged() {
				return fmt.Errorf("fit did not converge within %d iterations", result.Iterations)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error when the iteration limit is reached")
	cmd.Flags().Float64Var(&lambda, "lambda", levenberg.DefaultInitialLambda, "initial damping factor")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration limit, overriding the problem file")
	return cmd
}

func newSolveCmd(opts *rootOptions) *cobra.Command {
	var (
		tolerance  float64
		normalized bool
		verify     bool
	)

	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve a dense linear system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sys system
			if err := decodeInput(cmd, opts.input, &sys); err != nil {
				return err
			}

			a, err := linalg.DenseFromRows(sys.A)
			if err != nil {
				return err
			}
			if len(sys.B) == 0 {
				return fmt.Errorf("vector b must not be empty")
			}

			solver := linalg.NewSolver(
				linalg.WithTolerance(tolerance),
				linalg.WithNormalized(normalized),
				linalg.WithSymmetryCheck(verify),
				linalg.WithLogger(newZapLogger(cmd, opts.verbose).Named("linalg")),
			)
			x, ok, err := solver.Solve(a, mat.NewVecDense(len(sys.B), sys.B), sys.Symmetric)
			if err != nil {
				return err
			}

			out := solveOutput{Success: ok}
			if ok {
				out.X = x.RawVector().Data
				out.Condition = linalg.ConditionNumber(a)
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, out)
		},
	}

	cmd.Flags().Float64Var(&tolerance, "tolerance", linalg.DefaultTolerance, "magnitude at which a pivot counts as zero")
	cmd.Flags().BoolVar(&normalized, "normalized", false, "use the square-rooted Cholesky factor for symmetric systems")
	cmd.Flags().BoolVar(&verify, "verify-symmetric", false, "check the symmetric flag before trusting it")
	return cmd
}

func decodeInput(cmd *cobra.Command, path string, v interface{}) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("input is empty")
		}
		return fmt.Errorf("parsing input: %w", err)
	}
	return nil
}

func writeOutput(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newZapLogger(cmd *cobra.Command, verbose bool) *zap.Logger {
	level := logging.WarnLevel
	if verbose {
		level = logging.DebugLevel
	}
	return logging.NewZapLogger(logging.NewWithFormat(level, logging.TextFormat, cmd.ErrOrStderr()))
}
