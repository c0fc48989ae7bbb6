package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	outfitlens "github.com/menta2k/outfit-lens"
	"github.com/menta2k/outfit-lens/internal/config"
	"github.com/menta2k/outfit-lens/internal/logging"
	"github.com/menta2k/outfit-lens/pkg/pipeline"
	"github.com/menta2k/outfit-lens/pkg/processing"
	"github.com/menta2k/outfit-lens/pkg/types"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "outfit-lens",
	Short: "Recognise clothing from camera frames and describe the outfit",
	Long: `outfit-lens classifies camera frames with on-device ONNX models, waits until
the classifiers agree on a garment, then asks a vision-language model to
describe the whole outfit and Imagen to draw it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") || cfg.Logging.Level == "" {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") || cfg.Logging.Format == "" {
			cfg.Logging.Format = logFormat
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE:  runServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "Replay the images of a directory as a capture session",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

var describeCmd = &cobra.Command{
	Use:   "describe [image]",
	Short: "Describe the outfit in a single image file or URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write the effective configuration to a file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetConfigPath()
		if len(args) == 1 {
			path = args[0]
		}
		saved := *cfg
		saved.Vision.APIKey = ""
		if err := saved.SaveToFile(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print the version",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "outfit-lens %s\n", outfitlens.Version)
	},
}

var (
	serveAddr     string
	serveWebcam   bool
	serveDevice   int
	noDescribe    bool
	noImages      bool
	scanInterval  time.Duration
	scanLoop      bool
	outputDir     string
	describeExtra string
	describeAsk   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console|json")
	rootCmd.PersistentFlags().BoolVar(&noDescribe, "no-describe", false, "classify only, do not call the vision model")
	rootCmd.PersistentFlags().BoolVar(&noImages, "no-images", false, "do not draw described outfits")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveWebcam, "webcam", false, "read frames from a local camera")
	serveCmd.Flags().IntVar(&serveDevice, "device", 0, "camera device index")
	serveCmd.Flags().StringVarP(&outputDir, "out", "o", "", "save illustrations to this directory")

	scanCmd.Flags().DurationVar(&scanInterval, "interval", 0, "delay between frames")
	scanCmd.Flags().BoolVar(&scanLoop, "loop", false, "repeat the directory until the session ends")
	scanCmd.Flags().StringVarP(&outputDir, "out", "o", "", "save illustrations to this directory")

	describeCmd.Flags().StringVarP(&outputDir, "out", "o", "", "save the illustration to this directory")
	describeCmd.Flags().StringVarP(&describeExtra, "prompt", "p", "", "restyling prompt appended to the image prompt")
	describeCmd.Flags().StringVar(&describeAsk, "ask", "", "ask the vision model a free-form question about the image instead")

	rootCmd.AddCommand(serveCmd, scanCmd, describeCmd, initConfigCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags lets command line flags override the loaded configuration
func applyFlags(cmd *cobra.Command) {
	if noDescribe {
		cfg.Pipeline.Describe = false
	}
	if noImages {
		cfg.Pipeline.GenerateImages = false
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if cmd.Flags().Changed("webcam") {
		cfg.Webcam.Enabled = serveWebcam
	}
	if cmd.Flags().Changed("device") {
		cfg.Webcam.Device = serveDevice
	}
	if outputDir != "" {
		cfg.Output.Enabled = true
		cfg.Output.Dir = outputDir
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	applyFlags(cmd)
	ctx, stop := signalContext()
	defer stop()

	app, err := outfitlens.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	logger.Info("outfit-lens starting",
		zap.String("version", outfitlens.Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("vision", cfg.Vision.Backend),
		zap.Bool("webcam", cfg.Webcam.Enabled))
	return app.Run(ctx)
}

func runScan(cmd *cobra.Command, args []string) error {
	applyFlags(cmd)
	ctx, stop := signalContext()
	defer stop()

	app, err := outfitlens.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.Scan(ctx, outfitlens.ScanOptions{Dir: args[0], Interval: scanInterval, Loop: scanLoop})
	if err != nil {
		return err
	}
	return printResult(cmd, result)
}

func runDescribe(cmd *cobra.Command, args []string) error {
	applyFlags(cmd)
	ctx, stop := signalContext()
	defer stop()

	describer, err := outfitlens.NewDescriber(ctx, cfg.Vision, logger)
	if err != nil {
		return err
	}
	if describer == nil {
		return fmt.Errorf("no vision client: set GEMINI_API_KEY or choose another backend")
	}

	processor := processing.NewProcessor()
	still := &outfitlens.Still{
		Describer:     describer,
		Asker:         describer,
		Processor:     processor,
		UploadMaxDim:  cfg.Pipeline.UploadMaxDim,
		UploadQuality: cfg.Pipeline.UploadQuality,
		Timeout:       cfg.Pipeline.RequestTimeout(),
	}
	if cmd.Flags().Changed("ask") {
		answer, err := still.Ask(ctx, args[0], describeAsk)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer)
		return nil
	}

	if cfg.Pipeline.GenerateImages {
		generator, err := outfitlens.NewImageGenerator(ctx, cfg.Imagen, logger)
		if err != nil {
			return err
		}
		if generator != nil {
			still.Generator = generator
		}
	}

	result, err := still.DescribeFile(ctx, args[0], describeExtra)
	if err != nil {
		return err
	}

	if cfg.Output.Enabled && result.Image != nil {
		writer := pipeline.ImageWriter{
			Dir:       cfg.Output.Dir,
			Format:    cfg.Output.Format,
			Quality:   cfg.Output.Quality,
			Scale:     cfg.Server.OverlayScale,
			Processor: processor,
			Logger:    logger,
		}
		paths, err := writer.Write(*result)
		if err != nil {
			return err
		}
		for _, p := range paths {
			logger.Info("wrote", zap.String("path", p))
		}
	}
	return printResult(cmd, result)
}

func printResult(cmd *cobra.Command, r *types.Result) error {
	out := struct {
		Session string        `json:"session"`
		Garment types.Garment `json:"garment"`
		Outfit  *types.Outfit `json:"outfit,omitempty"`
		Image   bool          `json:"image"`
	}{r.SessionID, r.Garment, r.Outfit, r.Image != nil}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
