// Package main is the fast3rcolmap command line tool. It converts the
// predictions of a multi-view inference run into a COLMAP sparse model.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"fast3rcolmap/internal/models"
	"fast3rcolmap/pkg/colmap"
	"fast3rcolmap/pkg/config"
	"fast3rcolmap/pkg/imageio"
	"fast3rcolmap/pkg/inference"
	"fast3rcolmap/pkg/pointcloud"
	"fast3rcolmap/pkg/sfm"
)

const (
	// Flags.
	flagInput       = "input"
	flagOutput      = "output"
	flagConfig      = "config"
	flagBundle      = "bundle"
	flagMaxSize     = "max-size"
	flagReference   = "p1"
	flagTarget      = "p2"
	flagExperiments = "experiments"
	flagSampleSize  = "sample-size"
	flagVoxelSize   = "voxel-size"
	flagSeed        = "seed"
	flagNeighbors   = "nb-neighbors"
	flagStdRatio    = "std-ratio"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// the logger may not exist yet
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fast3rcolmap",
		Usage: "convert multi-view network predictions into a COLMAP sparse reconstruction",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagInput,
				Aliases: []string{"i"},
				Value:   "data",
				Usage:   "directory with the input images",
			},
			&cli.StringFlag{
				Name:    flagOutput,
				Aliases: []string{"o"},
				Value:   "output",
				Usage:   "directory the COLMAP model is written to",
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "YAML configuration file, defaults are used when it does not exist",
			},
			&cli.StringFlag{
				Name:  flagBundle,
				Usage: "directory holding the recorded predictions, overrides inference.bundleDir",
			},
		},
		Action: ConvertAction,
		Commands: []*cli.Command{
			{
				Name:      "resize",
				Usage:     "shrink every image of a directory to fit a square bound",
				ArgsUsage: "<src> <dst>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagMaxSize,
						Value: imageio.MaxSize,
						Usage: "maximum width and height in pixels",
					},
				},
				Action: ResizeAction,
			},
			{
				Name:  "estimate-scale",
				Usage: "estimate the scale ratio between two COLMAP reconstructions of the same scene",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagReference,
						Usage:    "reference model directory",
						Required: true,
					},
					&cli.StringFlag{
						Name:     flagTarget,
						Usage:    "model directory whose scale is measured against the reference",
						Required: true,
					},
					&cli.IntFlag{
						Name:    flagExperiments,
						Aliases: []string{"n"},
						Value:   pointcloud.DefaultScaleEstimate().Experiments,
						Usage:   "number of random subsets",
					},
					&cli.IntFlag{
						Name:  flagSampleSize,
						Value: pointcloud.DefaultScaleEstimate().SampleSize,
						Usage: "points drawn from each model per subset",
					},
					&cli.Float64Flag{
						Name:  flagVoxelSize,
						Value: 0.01,
						Usage: "voxel size both models are downsampled with",
					},
					&cli.IntFlag{
						Name:  flagNeighbors,
						Value: 20,
						Usage: "neighbors used by the statistical outlier filter",
					},
					&cli.Float64Flag{
						Name:  flagStdRatio,
						Value: 2.0,
						Usage: "standard deviations beyond the mean neighbor distance at which a point is an outlier",
					},
					&cli.Int64Flag{
						Name:  flagSeed,
						Value: pointcloud.DefaultScaleEstimate().Seed,
						Usage: "random seed",
					},
				},
				Action: EstimateScaleAction,
			},
			{
				Name:            "config",
				Usage:           "work with configuration files",
				HideHelpCommand: true,
				Subcommands: []*cli.Command{
					{
						Name:      "init",
						Usage:     "write the default configuration",
						ArgsUsage: "[path]",
						Action:    InitConfigAction,
					},
				},
			},
		},
	}
}

// ConvertAction runs the pipeline and writes the COLMAP model.
func ConvertAction(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	inputDir := c.String(flagInput)
	outputDir := c.String(flagOutput)
	bundleDir := cfg.Inference.BundleDir
	if c.IsSet(flagBundle) {
		bundleDir = c.String(flagBundle)
	}

	formats, err := cfg.OutputFormats()
	if err != nil {
		return err
	}
	errorMode, err := colmap.ParseErrorMode(cfg.Export.ErrorMode)
	if err != nil {
		return err
	}

	params := sfm.Params{
		PointKeepFraction: pointcloud.KeepFraction(cfg.Pipeline.PointConfidenceThreshold),
		Downsample:        cfg.Pipeline.Downsample,
		VoxelSize:         cfg.Pipeline.VoxelSize,
		ScaleFactor:       cfg.Pipeline.ScaleFactor,
		ResolutionScaling: cfg.Pipeline.ResolutionScaling,
	}

	logger.Infow("starting reconstruction", "input", inputDir, "output", outputDir)
	start := time.Now()

	bundle := inference.NewBundle(bundleDir)
	pipeline := sfm.NewFast3RSfM(params, bundle, bundle, pointcloud.VoxelGrid{}, logger)
	if err := pipeline.Process(contextOf(c), inputDir); err != nil {
		return errors.Wrap(err, "reconstruction failed")
	}

	exporter := colmap.NewExporter(outputDir, cfg.Export.ViewMinConfidence, logger)
	exporter.SaveImages = cfg.Export.SaveImages
	exporter.ErrorMode = errorMode
	if err := exporter.Export(pipeline.Reconstruction(), formats...); err != nil {
		return errors.Wrap(err, "export failed")
	}

	logger.Infow("reconstruction completed",
		"cameras", len(pipeline.Cameras()),
		"views", len(pipeline.Views()),
		"points", pipeline.Cloud().Len(),
		"elapsed", time.Since(start))
	return nil
}

// ResizeAction shrinks the images of <src> into <dst>.
func ResizeAction(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return errors.New("expected <src> and <dst> directories")
	}
	logger := newCommandLogger()
	defer func() { _ = logger.Sync() }()

	src, dst := c.Args().Get(0), c.Args().Get(1)
	n, err := imageio.ResizeDir(src, dst, c.Int(flagMaxSize))
	if err != nil {
		return err
	}
	logger.Infow("images resized", "count", n, "src", src, "dst", dst, "max", c.Int(flagMaxSize))
	return nil
}

// EstimateScaleAction prints the scale ratio of two reconstructions.
func EstimateScaleAction(c *cli.Context) error {
	logger := newCommandLogger()
	defer func() { _ = logger.Sync() }()

	filter := cleanup{
		voxelSize: c.Float64(flagVoxelSize),
		neighbors: c.Int(flagNeighbors),
		stdRatio:  c.Float64(flagStdRatio),
	}
	reference, err := loadCleaned(c.String(flagReference), filter)
	if err != nil {
		return err
	}
	target, err := loadCleaned(c.String(flagTarget), filter)
	if err != nil {
		return err
	}
	logger.Infow("models loaded", "reference", len(reference), "target", len(target))

	scale, err := pointcloud.EstimateScale(reference, target, pointcloud.ScaleEstimate{
		Experiments: c.Int(flagExperiments),
		SampleSize:  c.Int(flagSampleSize),
		Seed:        c.Int64(flagSeed),
	})
	if err != nil {
		return err
	}
	logger.Infow("scale estimated", "scale", scale)
	_, err = fmt.Fprintf(c.App.Writer, "%g\n", scale)
	return err
}

// cleanup holds the filters applied to a model before scale estimation
type cleanup struct {
	voxelSize float64
	neighbors int
	stdRatio  float64
}

// loadCleaned reads the points of a COLMAP model, voxel downsamples them and
// removes statistical outliers.
func loadCleaned(dir string, filter cleanup) ([]r3.Vector, error) {
	points, err := colmap.ReadPoints(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", dir)
	}
	cloud := models.Cloud{
		Points: colmap.Positions(points),
		Colors: make([][3]uint8, len(points)),
	}
	for i, p := range points {
		cloud.Colors[i] = p.Color
	}
	cloud, err = pointcloud.VoxelGrid{}.Downsample(cloud, filter.voxelSize)
	if err != nil {
		return nil, errors.Wrapf(err, "downsampling %s", dir)
	}
	cloud, err = pointcloud.RemoveStatisticalOutliers(cloud, filter.neighbors, filter.stdRatio)
	if err != nil {
		return nil, errors.Wrapf(err, "removing outliers from %s", dir)
	}
	return cloud.Points, nil
}

// InitConfigAction writes the default configuration file.
func InitConfigAction(c *cli.Context) error {
	path := "config.yaml"
	if c.Args().Present() {
		path = c.Args().First()
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return err
}

func contextOf(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}

func newCommandLogger() *zap.SugaredLogger {
	logger, err := config.DefaultConfig().NewLogger()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger
}
