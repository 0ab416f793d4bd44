package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
	"buzzworker/internal/push"
)

var (
	subscribeJob    string
	subscribeUser   string
	subscribeWorker string
	subscribeYes    bool
	subscribeWait   time.Duration
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe this host to push notifications for a job",
	Long: `Register the running worker if it is not active yet, ask for notification
permission, create a push subscription and send it to the push API.
Each call creates a new subscription.`,
	Args: cobra.NoArgs,
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().StringVar(&subscribeJob, "job", "", "job id to follow")
	subscribeCmd.Flags().StringVar(&subscribeUser, "user", "", "user id owning the subscription")
	subscribeCmd.Flags().StringVar(&subscribeWorker, "worker", "", "worker base URL (default http://localhost:<server.port>)")
	subscribeCmd.Flags().BoolVarP(&subscribeYes, "yes", "y", false, "grant notification permission without asking")
	subscribeCmd.Flags().DurationVar(&subscribeWait, "timeout", 2*time.Minute, "give up after this long")
	_ = subscribeCmd.MarkFlagRequired("job")
	_ = subscribeCmd.MarkFlagRequired("user")
}

func runSubscribe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Push.APIBase == "" {
		return errors.New("push.apiBase is not configured")
	}
	worker := subscribeWorker
	if worker == "" {
		worker = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	endpointBase := cfg.Push.EndpointBase
	if endpointBase == "" {
		endpointBase = worker + "/__buzz/push"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, subscribeWait)
	defer cancel()

	script, typ := cfg.Worker.ScriptURL()
	client := &http.Client{Timeout: 30 * time.Second}
	mgr := push.NewManager(
		push.ManagerConfig{APIBase: cfg.Push.APIBase, ScriptURL: script, ScriptType: push.ScriptType(typ)},
		push.NewWorkerRegistrar(worker, cfg.Server.ControlToken, client, push.LocalPushManager{
			EndpointBase: endpointBase,
			Secret:       cfg.Server.ControlToken,
		}),
		push.PromptPermission{AssumeYes: subscribeYes},
		client,
		logger.Named("subscribe"),
	)

	ack, err := mgr.Subscribe(ctx, subscribeJob, subscribeUser, cfg.Push.VAPIDPublicKey)
	switch {
	case errors.Is(err, errors.ErrPermissionDenied):
		pterm.Warning.Println("Notification permission was not granted; nothing was subscribed.")
		return err
	case errors.Is(err, errors.ErrServerRejected):
		pterm.Error.Printfln("Push API rejected the subscription (status %d)", errors.StatusOf(err))
		return err
	case err != nil:
		return err
	}
	pterm.Success.Printfln("Subscribed to job %s: %s", subscribeJob, string(ack))
	return nil
}
