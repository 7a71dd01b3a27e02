// Command spatialengine streams a spatial audio scene to a multichannel
// output device, panning each source with DBAP according to its
// keyframed direction trajectory, and exposes live control parameters over
// an OSC control channel (see SPEC_FULL.md §§4-6).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	spatialengine "github.com/nimbusaudio/spatialengine/src"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		layoutPath  = pflag.String("layout", "", "speaker layout JSON (required)")
		scenePath   = pflag.String("scene", "", "scene JSON produced by the preprocessor (required)")
		sourcesDir  = pflag.String("sources", "", "directory of mono WAVs (mutually exclusive with --adm)")
		admPath     = pflag.String("adm", "", "multichannel interleaved WAV (mutually exclusive with --sources)")
		remapPath   = pflag.String("remap", "", "remap CSV (optional; absence implies identity)")
		deviceChans = pflag.Int("device_channels", 0, "device output channel count the remap CSV targets (0 = same as the layout's output channels)")
		gain        = pflag.Float64("gain", 0.5, "initial master gain, range 0.1-3.0")
		focus       = pflag.Float64("focus", 1.5, "initial DBAP focus exponent, range 0.2-5.0")
		bufferSize  = pflag.Int("buffersize", 512, "frames per audio callback, power of two")
		speakerMix  = pflag.Float64("speaker_mix", 0, "initial non-sub trim in dB, range +-10")
		subMix      = pflag.Float64("sub_mix", 0, "initial sub trim in dB, range +-10")
		autoComp    = pflag.Bool("auto_compensation", false, "enable focus auto-compensation")
		elevMode    = pflag.Int("elevation_mode", 0, "elevation sanitization mode: 0=Clamp 1=RescaleAtmosUp 2=RescaleFullSphere")
		oscPort     = pflag.Int("osc_port", 9009, "UDP port for the live control channel")
		logLevel    = pflag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println("spatialengine " + version)
		return 0
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	cfg, err := parseConfig(configArgs{
		layoutPath:  *layoutPath,
		scenePath:   *scenePath,
		sourcesDir:  *sourcesDir,
		admPath:     *admPath,
		remapPath:   *remapPath,
		deviceChans: *deviceChans,
		gain:        *gain,
		focus:       *focus,
		bufferSize:  *bufferSize,
		speakerMix:  *speakerMix,
		subMix:      *subMix,
		autoComp:    *autoComp,
		elevMode:    *elevMode,
		oscPort:     *oscPort,
	}, logger)
	if err != nil {
		logger.Error(err.Error())
		return spatialengine.ExitCode(err)
	}

	engine, err := spatialengine.NewEngine(*cfg)
	if err != nil {
		logger.Error(err.Error())
		return spatialengine.ExitCode(err)
	}

	if err := engine.Start(*oscPort); err != nil {
		logger.Error(err.Error())
		return spatialengine.ExitCode(err)
	}
	fmt.Println(engine.SentinelLine())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down", "stats", describeStats(engine.Stats()))
	engine.Stop()
	return 0
}

// version is overridden at build time via -ldflags.
var version = "dev"

type configArgs struct {
	layoutPath, scenePath, sourcesDir, admPath, remapPath string
	gain, focus, speakerMix, subMix                       float64
	bufferSize, elevMode, oscPort, deviceChans            int
	autoComp                                              bool
}

// parseConfig validates the CLI surface and loads the scene/layout/remap
// files, translating every failure into the sentinel error taxonomy of §7.
func parseConfig(a configArgs, logger *log.Logger) (*spatialengine.EngineConfig, error) {
	if a.layoutPath == "" || a.scenePath == "" {
		return nil, fmt.Errorf("%w: --layout and --scene are required", spatialengine.ErrConfig)
	}
	if (a.sourcesDir == "") == (a.admPath == "") {
		return nil, fmt.Errorf("%w: exactly one of --sources or --adm must be given", spatialengine.ErrConfig)
	}
	if a.bufferSize <= 0 || a.bufferSize&(a.bufferSize-1) != 0 {
		return nil, fmt.Errorf("%w: --buffersize must be a positive power of two, got %d", spatialengine.ErrConfig, a.bufferSize)
	}
	if a.elevMode < 0 || a.elevMode > 2 {
		return nil, fmt.Errorf("%w: --elevation_mode must be 0, 1 or 2, got %d", spatialengine.ErrConfig, a.elevMode)
	}
	if a.deviceChans < 0 {
		return nil, fmt.Errorf("%w: --device_channels must not be negative, got %d", spatialengine.ErrConfig, a.deviceChans)
	}

	layoutData, err := os.ReadFile(a.layoutPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading layout file: %v", spatialengine.ErrConfig, err)
	}
	layout, err := spatialengine.LoadLayout(layoutData)
	if err != nil {
		return nil, err
	}

	sceneData, err := os.ReadFile(a.scenePath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading scene file: %v", spatialengine.ErrConfig, err)
	}
	scene, err := spatialengine.LoadScene(sceneData)
	if err != nil {
		return nil, err
	}

	var streaming *spatialengine.Streaming
	if a.sourcesDir != "" {
		streaming, err = spatialengine.LoadSceneMono(scene, a.sourcesDir, spatialengine.DefaultChunkSeconds, logger)
	} else {
		streaming, err = spatialengine.LoadSceneMultichannel(scene, a.admPath, spatialengine.DefaultChunkSeconds, logger)
	}
	if err != nil {
		return nil, err
	}

	// Device channel count defaults to the layout's own output channel count
	// (identity-compatible), but a remap table may target a device with more
	// channels than the render layout has — --device_channels supplies that
	// independently since nothing else in this CLI surface queries it.
	deviceChannels := layout.OutputChannels
	if a.deviceChans > 0 {
		deviceChannels = a.deviceChans
	}

	remap := spatialengine.Identity(layout.OutputChannels)
	if a.remapPath != "" {
		f, err := os.Open(a.remapPath)
		if err != nil {
			return nil, fmt.Errorf("%w: opening remap csv: %v", spatialengine.ErrConfig, err)
		}
		defer f.Close()
		remap, err = spatialengine.LoadRemapCSV(f, layout.OutputChannels, deviceChannels, logger)
		if err != nil {
			return nil, err
		}
	}

	return &spatialengine.EngineConfig{
		Layout:     layout,
		Scene:      scene,
		Remap:      remap,
		Streaming:  streaming,
		SampleRate: scene.SampleRate,
		BufferSize: a.bufferSize,
		Defaults: spatialengine.ControlDefaults{
			MasterGain:     a.gain,
			Focus:          a.focus,
			LoudspeakerMix: spatialengine.DBToLinear(a.speakerMix),
			SubMix:         spatialengine.DBToLinear(a.subMix),
			AutoComp:       a.autoComp,
			ElevationMode:  spatialengine.ElevationMode(a.elevMode),
		},
		OSCPort: a.oscPort,
		Logger:  logger,
	}, nil
}

// describeStats renders a Stats snapshot for an operator-facing log line
// (supplemented operability surface, not part of the wire protocol).
func describeStats(s spatialengine.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "frame=%d fallbacks=%d underruns=%d", s.FrameCounter, s.TotalFallbacks, s.TotalUnderruns)
	return b.String()
}
