package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	codeassistant "github.com/ajeetraina/smart-code-assistant-docker-offload"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/handlers"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/logger"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/services"
	"github.com/spf13/cobra"
)

type serverCommander struct {
	configPath string
	port       string
	debug      bool
	logFormat  string
}

const serverLongDesc string = `Serve the Smart Code Assistant web interface.

The chat answers are streamed from the configured model service: the code assistant backend
(default), an OpenAI compatible endpoint such as Docker Model Runner, Ollama or Anthropic.`

const serverShortDesc string = "Serve the Smart Code Assistant web interface"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return (&serverCommander{}).command()
}

func (c *serverCommander) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "smartcode",
		Short:        serverShortDesc,
		Long:         serverLongDesc,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config(cmd)
			if err != nil {
				return err
			}
			return c.run(cfg)
		},
	}

	cmd.Flags().StringVarP(&c.configPath, "config", "c", "",
		"Path to the config file (default: <user config dir>/smartcode/config.yaml)")
	cmd.Flags().StringVarP(&c.port, "port", "p", defaultPort, "Port to listen on")
	cmd.Flags().BoolVar(&c.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&c.logFormat, "log-format", "text", "Log format: text, json or pretty")

	return cmd
}

// config loads the config file and applies the flags the user set explicitly on top of it.
func (c *serverCommander) config(cmd *cobra.Command) (config, error) {
	path, required := c.configPath, true
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path, required = filepath.Join(cfgDir, "smartcode", "config.yaml"), false
	}

	cfg, err := loadConfig(path, required)
	if err != nil {
		return config{}, err
	}

	if cmd.Flags().Changed("port") || cfg.Port == "" {
		cfg.Port = c.port
	}
	if cmd.Flags().Changed("log-format") || cfg.LogFormat == "" {
		cfg.LogFormat = c.logFormat
	}
	return cfg, nil
}

func (c *serverCommander) run(cfg config) error {
	l := logger.New(logger.WithDebug(c.debug), logger.WithFormat(cfg.LogFormat))

	store, closeStore, err := newStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer closeStore()

	llm, err := cfg.LLM.llm(llmOptions{
		systemPrompt:      cfg.SystemPrompt,
		maxMalformedLines: cfg.Stream.MaxMalformedLines,
		logger:            l.With(slog.String("module", "llm")),
	})
	if err != nil {
		return fmt.Errorf("error creating llm client: %w", err)
	}

	m, err := handlers.NewMain(llm, store, l)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(codeassistant.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancelChat)
	mux.HandleFunc("/chats/clear", m.HandleClearChat)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/code", m.HandleCode)
	mux.HandleFunc("/system-info", m.HandleSystemInfo)
	mux.HandleFunc("/metrics", m.HandleMetrics)
	mux.HandleFunc("/health", m.HandleHealth)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			l.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		l.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		l.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			l.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				l.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
		// Let the cancelled generations store their partial answers before the store closes.
		m.Wait()
	}
	return nil
}

// newStore opens the BoltDB store at path, or an in-memory store when path is empty.
func newStore(path string) (handlers.Store, func(), error) {
	if path == "" {
		return services.NewMemory(), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("error creating store directory: %w", err)
	}
	db, err := services.NewBoltDB(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening store: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}
