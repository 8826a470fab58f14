package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zoobzio/quill"
	"github.com/zoobzio/quill/anthropic"
	"github.com/zoobzio/quill/config"
	"github.com/zoobzio/quill/gemini"
	"github.com/zoobzio/quill/openai"
)

var (
	configPath  string
	metricsAddr string
	verbose     bool
	modeFlag    string
	debug       bool

	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "quill",
		Short: "Negotiate outlines and write cited research reports with an LLM",
		Long: `quill drives two personas through an outline debate, then writes the
report section by section, numbering every source it cites.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				loaded.Observability.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("verbose") {
				loaded.Observability.Verbose = verbose
			}
			if cmd.Flags().Changed("mode") {
				loaded.Mode = modeFlag
				if err := loaded.Validate(); err != nil {
					return fmt.Errorf("invalid --mode: %w", err)
				}
			}
			cfg = loaded

			if cfg.Observability.MetricsAddr != "" {
				serveMetrics(cfg.Observability.MetricsAddr)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "quill.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. localhost:9090")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print retries, rate limits and section progress")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "operating mode: fast, balanced or deep")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "dump every attempt's request and reply to stderr")

	rootCmd.AddCommand(researchCmd, outlineCmd, reportsCmd)
	reportsCmd.AddCommand(reportsListCmd, reportsShowCmd, reportsDeleteCmd)
}

// serveMetrics exposes the default Prometheus registry in the background.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintln(os.Stderr, styleError.Render("metrics: ")+err.Error())
		}
	}()
}

// newProvider builds the configured provider.
func newProvider(c config.Config) (quill.Provider, error) {
	switch c.Provider {
	case "gemini":
		return gemini.New(gemini.Config{Model: c.Model, BaseURL: c.BaseURL}), nil
	case "openai":
		return openai.New(openai.Config{Model: c.Model, BaseURL: c.BaseURL}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{Model: c.Model, BaseURL: c.BaseURL}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider)
	}
}

// newSession builds a session from the loaded configuration.
func newSession() (*quill.Session, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	var opts []quill.Option
	if debug {
		opts = append(opts, quill.WithDebug(os.Stderr))
	}
	return quill.NewSession(provider, cfg.SessionConfig(opts...))
}
