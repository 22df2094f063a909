// cmd/potctl/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theckman/yacspin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/driver"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/repository"
	"potentiostat-service/internal/service"
	"potentiostat-service/internal/utils"
)

// Version is injected via ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to service config file")
	presetPath := flag.String("preset", "", "experiment preset (YAML)")
	outPath := flag.String("out", "", "CSV output file, stdout when empty")
	link := flag.String("link", "", "override device.link: usb, serial, tcp or simulated")
	quiet := flag.Bool("q", false, "no spinner")
	example := flag.Bool("example", false, "print an example preset and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	switch {
	case *version:
		fmt.Printf("potctl version %s\n", Version)
		return
	case *example:
		if err := yaml.NewEncoder(os.Stdout).Encode(examplePreset()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	case *presetPath == "":
		fmt.Fprintln(os.Stderr, "potctl: -preset is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *presetPath, *outPath, *link, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "potctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, presetPath, outPath, link string, quiet bool) error {
	preset, err := LoadPreset(presetPath)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if link != "" {
		cfg.Device.Link = link
	}
	// stdout carries the CSV
	if cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer utils.CloseLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spinner, err := newSpinner(quiet)
	if err != nil {
		return err
	}
	spinner.Start()

	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultVariants(registry, logger)
	instruments := service.NewInstrumentService(cfg, registry,
		service.NewScannerManager(&cfg.Device, logger),
		repository.NewMemoryCalibrationRepository(), nil, logger)
	experiments := service.NewExperimentService(&cfg.Experiment, instruments,
		repository.NewMemoryRunRepository(), nil, logger)
	instruments.AddObserver(phaseReporter{spinner: spinner, technique: preset.Technique})

	spinner.Message("connecting")
	info, err := instruments.Connect(ctx, nil)
	if err != nil {
		return fail(spinner, "connect", err)
	}
	defer instruments.Disconnect(context.Background())
	logger.Info("Instrument connected", zap.String("variant", info.Variant), zap.String("address", info.Address))

	if preset.Range != nil {
		spinner.Message("selecting range")
		if _, err := instruments.SelectRange(ctx, *preset.Range); err != nil {
			return fail(spinner, "range", err)
		}
	}
	if preset.Calibrate && (!cfg.Instrument.CalibrateOnConnect || preset.Range != nil) {
		spinner.Message("calibrating")
		if _, err := instruments.Calibrate(ctx); err != nil {
			return fail(spinner, "calibrate", err)
		}
	}

	result, err := execute(ctx, experiments, preset)
	if err != nil {
		return fail(spinner, "run", err)
	}
	if result.Status != model.RunStatusSuccess {
		msg := string(result.Status)
		if result.ErrorMessage != nil {
			msg = *result.ErrorMessage
		}
		return fail(spinner, "run", errors.New(msg))
	}

	out := io.Writer(os.Stdout)
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fail(spinner, "output", err)
		}
		defer f.Close()
		out = f
	}
	if err := experiments.ExportCSV(context.Background(), result.ID, out); err != nil {
		return fail(spinner, "export", err)
	}

	spinner.StopMessage(fmt.Sprintf("%s: %d samples, peak %s µA", preset.Technique, result.SampleCount, result.PeakCurrent.StringFixed(3)))
	return spinner.Stop()
}

// execute starts the preset and blocks until its run is stored. An interrupt
// cancels the run on the instrument.
func execute(ctx context.Context, experiments *service.ExperimentService, preset *Preset) (*model.Run, error) {
	var (
		started *model.Run
		err     error
	)
	switch preset.Technique {
	case model.TechniqueASV:
		started, err = experiments.RunAsv(ctx, *preset.Asv)
	case model.TechniqueAmperometry:
		started, err = experiments.StartAmperometry(ctx, *preset.Amperometry)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(preset.Duration):
		case <-ctx.Done():
		}
		return experiments.StopAmperometry(context.Background())
	default:
		started, err = experiments.RunSweep(ctx, *preset.Sweep)
	}
	if err != nil {
		return nil, err
	}

	run, err := experiments.WaitRun(ctx, started.ID)
	if errors.Is(err, context.Canceled) {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := experiments.Cancel(cancelCtx); cerr != nil {
			return nil, cerr
		}
		return experiments.WaitRun(cancelCtx, started.ID)
	}
	return run, err
}

func newSpinner(quiet bool) (*yacspin.Spinner, error) {
	var w io.Writer = os.Stderr
	if quiet {
		w = io.Discard
	}
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            w,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " potctl",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create spinner: %w", err)
	}
	return spinner, nil
}

func fail(spinner *yacspin.Spinner, step string, err error) error {
	spinner.StopFailMessage(fmt.Sprintf("%s failed", step))
	spinner.StopFail()
	return fmt.Errorf("%s: %w", step, err)
}

// phaseReporter shows controller progress on the spinner
type phaseReporter struct {
	spinner   *yacspin.Spinner
	technique model.Technique
}

func (p phaseReporter) StateChanged(state model.RunState) {
	msg := fmt.Sprintf("%s %s", p.technique, state.Phase)
	if state.RetryCount > 0 {
		msg = fmt.Sprintf("%s (retry %d)", msg, state.RetryCount)
	}
	p.spinner.Message(msg)
}

func (p phaseReporter) AmperometryChunk(chunk model.AmperometryChunk) {
	p.spinner.Message(fmt.Sprintf("%s chunk %d, t=%.1fs", p.technique, chunk.Sequence, chunk.StartTime))
}
