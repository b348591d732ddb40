package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/agent"
	"github.com/examgate/proctor-control-plane/internal/events"
	"github.com/examgate/proctor-control-plane/internal/model"
)

type rootFlags struct {
	server string
	token  string
	debug  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "proctor-agent",
		Short:         "Client proctoring agent for exam sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&rf.server, "server", envOr("PROCTOR_AGENT_SERVER", "http://localhost:8080"), "control plane base URL")
	root.PersistentFlags().StringVar(&rf.token, "token", os.Getenv("PROCTOR_AGENT_TOKEN"), "bearer token (or PROCTOR_AGENT_TOKEN)")
	root.PersistentFlags().BoolVar(&rf.debug, "debug", false, "verbose logging")

	root.AddCommand(newJoinCmd(&rf), newRunCmd(&rf), newReleasesCmd(&rf))
	return root
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func (rf *rootFlags) logger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !rf.debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func (rf *rootFlags) client() (*agent.Client, error) {
	if rf.token == "" {
		return nil, fmt.Errorf("--token or PROCTOR_AGENT_TOKEN is required")
	}
	return agent.NewClient(rf.server, rf.token), nil
}

func newJoinCmd(rf *rootFlags) *cobra.Command {
	var examID, accessCode string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join an exam and print the session and gateway credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rf.client()
			if err != nil {
				return err
			}
			res, err := c.Join(cmd.Context(), examID, accessCode)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&examID, "exam", "", "exam id")
	cmd.Flags().StringVar(&accessCode, "access-code", "", "exam access code")
	_ = cmd.MarkFlagRequired("exam")
	return cmd
}

type runFlags struct {
	sessionID   string
	examID      string
	accessCode  string
	heartbeat   time.Duration
	unlock      string
	forbidden   []string
	autoResolve bool
}

func newRunCmd(rf *rootFlags) *cobra.Command {
	var f runFlags
	def := agent.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent, reading one environment signal per stdin line",
		Long: "Signals: start, focus-lost, fullscreen-exit, pointer-exit, pointer-regained,\n" +
			"key <combo>, ack, input, submit, deadline, unload. End of input counts as unload.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), rf, f, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&f.sessionID, "session", "", "session id to report for")
	cmd.Flags().StringVar(&f.examID, "exam", "", "join this exam first instead of passing --session")
	cmd.Flags().StringVar(&f.accessCode, "access-code", "", "exam access code used with --exam")
	cmd.Flags().DurationVar(&f.heartbeat, "heartbeat", def.HeartbeatInterval, "heartbeat interval")
	cmd.Flags().StringVar(&f.unlock, "unlock-hotkey", def.UnlockHotkey, "combo that pauses without a violation")
	cmd.Flags().StringSliceVar(&f.forbidden, "forbidden", def.ForbiddenCombos, "combos reported as violations")
	cmd.Flags().BoolVar(&f.autoResolve, "auto-resolve", false, "acknowledge violations immediately")
	cmd.MarkFlagsOneRequired("session", "exam")
	cmd.MarkFlagsMutuallyExclusive("session", "exam")
	return cmd
}

func runAgent(ctx context.Context, rf *rootFlags, f runFlags, in io.Reader) error {
	log := rf.logger()
	defer func() { _ = log.Sync() }()

	c, err := rf.client()
	if err != nil {
		return err
	}
	sessionID := f.sessionID
	if f.examID != "" {
		res, err := c.Join(ctx, f.examID, f.accessCode)
		if err != nil {
			return fmt.Errorf("join %s: %w", f.examID, err)
		}
		sessionID = res.Session.ID
		log.Info("joined", zap.String("session_id", sessionID), zap.String("machine", res.Machine.Label), zap.Int64("remaining_seconds", res.RemainingSeconds))
	}

	a := agent.New(agent.SessionReporter{Client: c, SessionID: sessionID}, agent.Options{
		UnlockHotkey:         f.unlock,
		ForbiddenCombos:      f.forbidden,
		HeartbeatInterval:    f.heartbeat,
		AutoResolveViolation: f.autoResolve,
		Logger:               log,
	})

	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if sc.Text() == "" {
				continue
			}
			sig, err := agent.ParseSignal(sc.Text())
			if err != nil {
				log.Warn("signal_ignored", zap.Error(err))
				continue
			}
			if !a.Send(sig) {
				return
			}
		}
		a.Send(agent.Signal{Kind: agent.SignalUnload})
	}()

	err = a.Run(ctx)
	if errors.Is(err, model.ErrSessionClosed) {
		log.Info("session closed")
		return nil
	}
	return err
}

func newReleasesCmd(rf *rootFlags) *cobra.Command {
	var natsURL, subject string
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "Print MachineReleased events from NATS as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := rf.logger()
			nc, err := events.NewNATSPublisher(natsURL, subject, log)
			if err != nil {
				return err
			}
			defer nc.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			unsubscribe, err := nc.Subscribe(func(ev model.MachineReleased) {
				_ = enc.Encode(ev)
			})
			if err != nil {
				return err
			}
			defer func() { _ = unsubscribe() }()
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", envOr("PROCTOR_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", events.DefaultReleaseSubject, "release subject")
	return cmd
}
