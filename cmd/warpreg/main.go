package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"warpreg/internal/models"
	"warpreg/pkg/archive"
	"warpreg/pkg/config"
	"warpreg/pkg/optimizer"
	"warpreg/pkg/registration"
	"warpreg/pkg/visualization"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
	"warpreg/pkg/xformdb"
)

const (
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "warpreg.yaml", "YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	refDir := flag.String("ref", "", "Directory containing the reference slices")
	fltDir := flag.String("flt", "", "Directory containing the floating slices")
	refVoxel := flag.String("ref-voxel", "1,1,1", "Reference voxel size in mm (x,y,z)")
	fltVoxel := flag.String("flt-voxel", "1,1,1", "Floating voxel size in mm (x,y,z)")
	mode := flag.String("mode", "", "Stages to run: affine, elastic or both (default from config)")
	outputDir := flag.String("out", "", "Output directory (default from config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	logFile := flag.String("log-file", "", "Rotating log file")
	dbBackend := flag.String("db", "", "Transformation database backend: memory or sqlite")
	dbPath := flag.String("db-path", "", "SQLite database path")
	initial := flag.String("initial", "", "Transformation archive used as initial transformation")
	initialInverse := flag.Bool("initial-inverse", false, "The initial transformation maps floating to reference")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(exitFailure)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *refDir == "" || *fltDir == "" {
		flag.Usage()
		os.Exit(exitConfig)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitConfig)
	}
	applyOverrides(cfg, *mode, *outputDir, *logLevel, *logFile, *dbBackend, *dbPath)
	if *initial != "" {
		cfg.Registration.InitialXform = *initial
		cfg.Registration.InitialXformIsInverse = *initialInverse
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitConfig)
	}
	defer closeLog()

	refSize, err := parseVoxelSize(*refVoxel)
	if err != nil {
		logger.Error("invalid reference voxel size", "err", err)
		os.Exit(exitConfig)
	}
	fltSize, err := parseVoxelSize(*fltVoxel)
	if err != nil {
		logger.Error("invalid floating voxel size", "err", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("AFFINE AND B-SPLINE NONRIGID REGISTRATION OF 3D VOLUMES")
	fmt.Println("================================")

	app := &application{cfg: cfg, logger: logger, refPath: *refDir, fltPath: *fltDir}
	if err := app.run(ctx, refSize, fltSize); err != nil {
		logger.Error("registration failed", "err", err)
		if errors.Is(err, registration.ErrInvalidConfiguration) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailure)
	}
}

func applyOverrides(cfg *config.Config, mode, outputDir, logLevel, logFile, dbBackend, dbPath string) {
	switch mode {
	case "affine":
		cfg.Affine.Enabled, cfg.Warp.Enabled = true, false
	case "elastic":
		cfg.Affine.Enabled, cfg.Warp.Enabled = false, true
	case "both":
		cfg.Affine.Enabled, cfg.Warp.Enabled = true, true
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if dbBackend != "" {
		cfg.Database.Backend = dbBackend
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
}

// newLogger writes to stderr and, when configured, to a rotating file.
func newLogger(cfg *config.Config) (*log.Logger, func(), error) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logging.level: %w", err)
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Logging.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
		w = io.MultiWriter(os.Stderr, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "warpreg",
		ReportTimestamp: true,
	})
	log.SetDefault(logger)
	return logger, closeFn, nil
}

func parseVoxelSize(s string) (models.VoxelSize, error) {
	var v models.VoxelSize
	if _, err := fmt.Sscanf(s, "%g,%g,%g", &v.X, &v.Y, &v.Z); err != nil {
		return v, fmt.Errorf("expected x,y,z in mm, got %q", s)
	}
	if v.X <= 0 || v.Y <= 0 || v.Z <= 0 {
		return v, fmt.Errorf("voxel size must be positive, got %q", s)
	}
	return v, nil
}

type application struct {
	cfg              *config.Config
	logger           *log.Logger
	refPath, fltPath string
}

func (a *application) run(ctx context.Context, refSize, fltSize models.VoxelSize) error {
	cfg := a.cfg
	startTime := time.Now()

	// Step 1: load volumes
	fmt.Println("\n1. Loading slice stacks...")
	ref, err := volume.LoadSliceStack(a.refPath, refSize)
	if err != nil {
		return err
	}
	flt, err := volume.LoadSliceStack(a.fltPath, fltSize)
	if err != nil {
		return err
	}
	a.logger.Info("volumes loaded",
		"reference", fmt.Sprintf("%dx%dx%d", ref.Width, ref.Height, ref.Depth),
		"floating", fmt.Sprintf("%dx%dx%d", flt.Width, flt.Height, flt.Depth))

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	var affine *xform.Affine
	var result xform.Xform

	// Step 2: affine stage
	if cfg.Affine.Enabled {
		fmt.Println("\n2. Running affine registration...")
		affine, err = a.runAffine(ctx, ref, flt)
		if err != nil {
			return err
		}
		result = affine
		if err := archive.Save(filepath.Join(cfg.Output.Dir, "affine.yaml"), affine); err != nil {
			return err
		}
	}

	// Step 3: nonrigid stage
	if cfg.Warp.Enabled {
		fmt.Println("\n3. Running nonrigid registration...")
		warp, err := a.runElastic(ctx, ref, flt, affine)
		if err != nil {
			return err
		}
		result = warp
		if err := archive.Save(filepath.Join(cfg.Output.Dir, "warp.yaml"), warp); err != nil {
			return err
		}
	}

	if result == nil {
		a.logger.Warn("no stage enabled, nothing to do")
		return nil
	}

	// Step 4: outputs
	fmt.Println("\n4. Writing outputs...")
	if err := a.writeOutputs(ref, flt, result); err != nil {
		return err
	}
	if err := a.recordTransformation(ctx, result); err != nil {
		return err
	}

	fmt.Printf("\nRegistration completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Results saved to: %s\n", cfg.Output.Dir)
	return nil
}

func (a *application) runAffine(ctx context.Context, ref, flt *models.Volume) (*xform.Affine, error) {
	params, err := a.cfg.AffineParams()
	if err != nil {
		return nil, err
	}
	reg := registration.NewAffineRegistration(ref, flt, params)
	defer reg.Close()

	history := &registration.History{}
	reg.SetLogger(a.logger.WithPrefix("affine"))
	reg.SetCallback(registration.NewLoggingCallback(a.logger.WithPrefix("affine"), history))

	if err := reg.InitRegistration(); err != nil {
		return nil, err
	}
	status, err := reg.Register(ctx)
	if err != nil {
		return nil, err
	}
	if status != optimizer.CallbackOK {
		a.logger.Warn("affine registration interrupted, keeping best result", "status", status)
	}

	a.plot(history, "Affine registration", "affine_convergence.png")
	return reg.Transformation()
}

func (a *application) runElastic(ctx context.Context, ref, flt *models.Volume, initial *xform.Affine) (*xform.SplineWarp, error) {
	params, err := a.cfg.ElasticParams(initial)
	if err != nil {
		return nil, err
	}
	reg := registration.NewElasticRegistration(ref, flt, params)
	defer reg.Close()

	history := &registration.History{}
	reg.SetLogger(a.logger.WithPrefix("warp"))
	reg.SetCallback(registration.NewLoggingCallback(a.logger.WithPrefix("warp"), history))

	if err := reg.InitRegistration(); err != nil {
		return nil, err
	}
	status, err := reg.Register(ctx)
	if err != nil {
		return nil, err
	}
	if status != optimizer.CallbackOK {
		a.logger.Warn("nonrigid registration interrupted, keeping best result", "status", status)
	}

	if ic, err := reg.InverseConsistencyError(); err == nil {
		fmt.Printf("Inverse consistency error: %.4f mm\n", ic)
	} else if residual, failed, err := reg.NumericalInverseError(); err == nil {
		fmt.Printf("Numerical inverse residual: %.4f mm (%d voxels not invertible)\n", residual, failed)
	}
	a.plot(history, "Nonrigid registration", "warp_convergence.png")
	return reg.Transformation()
}

func (a *application) plot(history *registration.History, title, name string) {
	if !a.cfg.Output.PlotConvergence {
		return
	}
	path := filepath.Join(a.cfg.Output.Dir, name)
	if err := visualization.PlotConvergence(history.Entries(), title, path); err != nil {
		a.logger.Warn("failed to plot convergence", "err", err)
	}
}

func (a *application) writeOutputs(ref, flt *models.Volume, x xform.Xform) error {
	out := a.cfg.Output
	interp, err := volume.ParseInterpolation(a.cfg.Registration.Interpolation)
	if err != nil {
		return err
	}

	if out.SaveReformatted {
		reformatted := volume.Reformat(ref, flt, x, interp, 0, nil)
		dir := filepath.Join(out.Dir, "reformatted")
		fmt.Printf("Saving reformatted %s-axis slices to: %s\n", out.SliceAxis, dir)
		if err := visualization.NewViewer(reformatted).SaveSliceSequence(out.SliceAxis, dir); err != nil {
			a.logger.Warn("failed to save reformatted slices", "err", err)
		}
	}

	if out.SaveJacobian {
		jac := volume.JacobianMap(ref, x, nil)
		dir := filepath.Join(out.Dir, "jacobian")
		fmt.Printf("Saving Jacobian determinant map to: %s\n", dir)
		if err := visualization.NewViewerWindow(jac, 0, 2).SaveSliceSequence(out.SliceAxis, dir); err != nil {
			a.logger.Warn("failed to save Jacobian map", "err", err)
		}
	}
	return nil
}

func (a *application) recordTransformation(ctx context.Context, x xform.Xform) error {
	db := a.cfg.Database
	if db.Backend == "" {
		return nil
	}
	store, err := xformdb.NewStore(db.Backend, db.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := xformdb.CloseIfSupported(store); err != nil {
			a.logger.Warn("failed to close transformation database", "err", err)
		}
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	label := "affine"
	if _, ok := x.(*xform.SplineWarp); ok {
		label = "warp"
	}
	id, err := xformdb.AddTransformation(ctx, store, a.refPath, a.fltPath, label, x)
	if err != nil {
		return err
	}
	a.logger.Info("transformation recorded", "id", id, "backend", db.Backend)
	return nil
}
