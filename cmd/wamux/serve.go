package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/wamux/connection"
	"github.com/quailyquaily/wamux/connection/bridge"
	"github.com/quailyquaily/wamux/internal/fsstore"
	"github.com/quailyquaily/wamux/internal/logutil"
	"github.com/quailyquaily/wamux/orchestrator"
	"github.com/quailyquaily/wamux/pipeline"
	"github.com/quailyquaily/wamux/providers/deepgram"
	"github.com/quailyquaily/wamux/providers/elevenlabs"
	"github.com/quailyquaily/wamux/providers/gemini"
	"github.com/quailyquaily/wamux/session"
	"github.com/quailyquaily/wamux/sheets"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session orchestrator with its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			bind := strings.TrimSpace(flagOrViperString(cmd, "server-bind", "server.bind"))
			if bind == "" {
				bind = "127.0.0.1"
			}
			port := flagOrViperInt(cmd, "server-port", "server.port")
			if port <= 0 {
				port = 3000
			}
			bridgeURL := strings.TrimSpace(flagOrViperString(cmd, "bridge-url", "bridge.url"))
			if bridgeURL == "" {
				return fmt.Errorf("missing bridge.url (set via --bridge-url or %s_BRIDGE_URL)", envPrefix)
			}
			sessionsDir := strings.TrimSpace(flagOrViperString(cmd, "sessions-dir", "sessions.dir"))
			if sessionsDir == "" {
				sessionsDir = "./sessions"
			}
			scratchDir := strings.TrimSpace(flagOrViperString(cmd, "scratch-dir", "sessions.scratch_dir"))
			if scratchDir == "" {
				scratchDir = sessionsDir
			}
			credentialsPath := strings.TrimSpace(flagOrViperString(cmd, "sheets-credentials", "sheets.credentials"))
			if credentialsPath == "" {
				credentialsPath = "credentials.json"
			}

			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			if err := fsstore.EnsureDir(sessionsDir, 0); err != nil {
				return err
			}
			if err := fsstore.EnsureDir(scratchDir, 0); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			registry := session.NewRegistry(sessionsDir, logger)
			orch := orchestrator.New(orchestrator.Options{
				Registry: registry,
				Dial:     bridge.NewFactory(bridge.Options{BaseURL: bridgeURL, Logger: logger}),
				NewPipeline: func(rec *session.Record, sender *connection.Adapter) (*pipeline.Pipeline, error) {
					cfg := rec.Config()
					log, err := sheets.New(ctx, credentialsPath, cfg.GoogleSheetsID, logger)
					if err != nil {
						return nil, fmt.Errorf("sheets client: %w", err)
					}
					var synth pipeline.Synthesizer
					if cfg.HasVoice() {
						synth = elevenlabs.New("", cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID)
					}
					return pipeline.New(pipeline.Options{
						Record:      rec,
						Sender:      sender,
						LLM:         gemini.New("", cfg.GeminiAPIKey),
						Transcriber: deepgram.New("", cfg.DeepgramAPIKey),
						Synthesizer: synth,
						Log:         log,
						ScratchDir:  scratchDir,
						Logger:      logger,
					}), nil
				},
				Logger:          logger,
				MaxConcurrency:  flagOrViperInt(cmd, "max-concurrency", "server.max_concurrency"),
				QueueSize:       flagOrViperInt(cmd, "queue-size", "server.queue_size"),
				CleanupInterval: flagOrViperDuration(cmd, "cleanup-interval", "cleanup.interval"),
				CleanupMaxAge:   flagOrViperDuration(cmd, "cleanup-max-age", "cleanup.max_age"),
			})
			defer orch.Close()
			orch.StartCleanup(ctx)

			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{
					"ok":   true,
					"time": time.Now().Format(time.RFC3339Nano),
				})
			})
			mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
				switch r.Method {
				case http.MethodGet:
					writeJSON(w, http.StatusOK, orch.Snapshot())
				case http.MethodPost:
					var cfg session.Config
					if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
						http.Error(w, "invalid json", http.StatusBadRequest)
						return
					}
					id, err := orch.Start(r.Context(), cfg)
					if err != nil {
						writeAPIError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, map[string]any{"sessionId": id})
				default:
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				}
			})
			mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
				path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
				if path == "" {
					http.Error(w, "missing session id", http.StatusBadRequest)
					return
				}
				parts := strings.Split(path, "/")
				id := strings.TrimSpace(parts[0])
				if id == "" {
					http.Error(w, "missing session id", http.StatusBadRequest)
					return
				}

				switch {
				case r.Method == http.MethodGet && len(parts) == 1:
					check, err := orch.CheckSession(r.Context(), id)
					if err != nil {
						writeAPIError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, check)

				case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "status":
					status, err := orch.Status(id)
					if err != nil {
						writeAPIError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, status)

				case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "bot":
					active, err := orch.Active(id)
					if err != nil {
						writeAPIError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "botActive": active})

				case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "disconnect":
					if err := orch.Disconnect(r.Context(), id); err != nil {
						writeAPIError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, map[string]any{"ok": true})

				case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "pause":
					if err := orch.SetActive(id, false); err != nil {
						writeAPIError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, map[string]any{"ok": true, "botActive": false})

				case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "resume":
					if err := orch.SetActive(id, true); err != nil {
						writeAPIError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, map[string]any{"ok": true, "botActive": true})

				default:
					http.Error(w, "not found", http.StatusNotFound)
				}
			})

			addr := bind + ":" + strconv.Itoa(port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			logger.Info("server_start", "addr", addr, "sessions_dir", sessionsDir, "bridge_url", bridgeURL)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Info("server_shutdown")
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String("server-bind", "127.0.0.1", "Bind address (default: 127.0.0.1).")
	cmd.Flags().Int("server-port", 3000, "HTTP port to listen on.")
	cmd.Flags().String("bridge-url", "", "Transport bridge endpoint, e.g. ws://localhost:7071.")
	cmd.Flags().String("sessions-dir", "./sessions", "Directory for persisted session configs.")
	cmd.Flags().String("scratch-dir", "", "Directory for transient media files (defaults to sessions dir).")
	cmd.Flags().String("sheets-credentials", "credentials.json", "Google service account credentials file.")
	cmd.Flags().Int("max-concurrency", 0, "Max concurrent pipeline runs across sessions.")
	cmd.Flags().Int("queue-size", 0, "Per-conversation event queue size.")
	cmd.Flags().Duration("cleanup-interval", 24*time.Hour, "How often to sweep orphaned session configs.")
	cmd.Flags().Duration("cleanup-max-age", 24*time.Hour, "Age before an orphaned session config is deleted.")

	return cmd
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrConfigInvalid), errors.Is(err, session.ErrDuplicateID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
