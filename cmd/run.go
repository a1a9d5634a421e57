// File: cmd/run.go
package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
	"github.com/NoEdgeAI/iphoneclaw/internal/driver"
	"github.com/NoEdgeAI/iphoneclaw/internal/memo"
	"github.com/NoEdgeAI/iphoneclaw/internal/model"
	"github.com/NoEdgeAI/iphoneclaw/internal/observability"
	"github.com/NoEdgeAI/iphoneclaw/internal/recorder"
	"github.com/NoEdgeAI/iphoneclaw/internal/script"
	"github.com/NoEdgeAI/iphoneclaw/internal/supervisor"
)

var (
	runLanguage string
	runFrameDir string
)

var runCmd = &cobra.Command{
	Use:   "run \"<instruction>\"",
	Short: "Run the agent loop for one natural-language instruction",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runFrameDir != "" {
			cfg.Automation.FrameDir = runFrameDir
		}
		if cfg.Automation.FrameDir == "" {
			return fmt.Errorf("automation.frame_dir is required (no live device backend on this platform)")
		}
		logger := observability.GetLogger()
		instruction := strings.Join(args, " ")

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		perception, err := driver.NewDirCapture(cfg.Automation.FrameDir)
		if err != nil {
			return err
		}
		actuator := driver.NewLogActuator(cfg.Automation, logger)
		decider := model.NewClient(cfg.Model, logger)

		conv := conversation.NewStore()
		conv.Append(conversation.RoleSystem, agent.SystemPrompt(runLanguage), nil)
		control := agent.NewWorkerControl()

		var cache *memo.Cache
		if cfg.Automation.CacheEnabled {
			cache = memo.New(memo.Options{
				Threshold: cfg.Automation.CacheThreshold,
				MaxReuse:  cfg.Automation.CacheMaxReuse,
				Policy:    memo.InvalidatePolicy(cfg.Automation.CachePolicy),
			}, logger)
		}

		var sink agent.EventSink = agent.NopSink{}
		if cfg.Record.Enabled {
			rec, err := recorder.New(cfg.Record.Dir, logger)
			if err != nil {
				return err
			}
			defer rec.Close()
			logger.Info("recording run", zap.String("run_id", rec.RunID()), zap.String("dir", rec.Dir()))
			sink = rec
		}

		var activity *agent.ActivitySignal
		if cfg.Agent.ActivityPause {
			activity = agent.NewActivitySignal(0)
			monitor := agent.NewActivityMonitor(activity, control, logger)
			monitor.Conv = conv
			monitor.Sink = sink
			go monitor.Run(ctx)
		}

		compiler := script.NewCompiler(script.NewFileRegistry(cfg.Script.RegistryPath))
		compiler.MaxDepth = cfg.Script.MaxDepth
		expander := func(acts []action.Action) ([]action.Action, error) {
			return compiler.ExpandRunScripts(acts)
		}

		if cfg.Supervisor.Enabled {
			srv := supervisor.New(cfg.Supervisor, control, conv, activity, logger)
			go func() {
				if err := srv.Listen(); err != nil {
					logger.Error("supervisor server stopped", zap.Error(err))
				}
			}()
			defer srv.Shutdown()
		}

		worker, err := agent.NewWorker(agent.Options{
			Config:     cfg.Agent,
			Control:    control,
			Conv:       conv,
			Perception: perception,
			Decision:   decider,
			Actuator:   actuator,
			Cache:      cache,
			Expander:   expander,
			Sink:       sink,
			Logger:     logger,
		})
		if err != nil {
			return err
		}

		status, err := worker.Run(ctx, instruction)
		observability.Sync()
		if err != nil {
			return fmt.Errorf("run ended with status %s: %w", status, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run finished: %s\n", status)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runLanguage, "language", "en", "language the model should respond in")
	runCmd.Flags().StringVar(&runFrameDir, "frames", "", "directory of screen frames (overrides automation.frame_dir)")
	rootCmd.AddCommand(runCmd)
}
