package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/storage"
)

func newConversationsCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage registered conversations",
	}

	cmd.AddCommand(
		newConversationsListCmd(app),
		newConversationsRegisterCmd(app),
		newConversationsUnregisterCmd(app),
	)

	return cmd
}

func newConversationsListCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := app.store.ListConversations(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "JID\tNAME\tFOLDER\tTRIGGER\tMAIN")
			for _, c := range convs {
				trigger := c.Trigger
				if !c.NeedsTrigger() {
					trigger = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", c.JID, c.Name, c.Folder, trigger, c.IsMain)
			}
			return w.Flush()
		},
	}
}

type registerOptions struct {
	name      string
	folder    string
	trigger   string
	main      bool
	noTrigger bool
	model     string
	timeout   time.Duration
	maxBudget float64
	timezone  string
	scopes    []string
	mounts    []string
}

func newConversationsRegisterCmd(app *app) *cobra.Command {
	var opts registerOptions

	cmd := &cobra.Command{
		Use:   "register <jid>",
		Short: "Register a chat so the assistant answers it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := opts.conversation(args[0], app.cfg.Assistant.Trigger)
			if err != nil {
				return err
			}
			if err := checkFolderFree(cmd, app.store, conv); err != nil {
				return err
			}
			if err := app.layout.Ensure(conv.Folder); err != nil {
				return err
			}
			if err := app.store.RegisterConversation(cmd.Context(), conv); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %s\n", conv.JID, conv.Folder)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.folder, "folder", "", "Workspace folder of the conversation")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name (default: folder)")
	cmd.Flags().StringVar(&opts.trigger, "trigger", "", "Trigger phrase (default: assistant trigger)")
	cmd.Flags().BoolVar(&opts.main, "main", false, "Mark as the main (admin) conversation")
	cmd.Flags().BoolVar(&opts.noTrigger, "no-trigger", false, "Answer every message without waiting for the trigger")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Sandbox timeout override")
	cmd.Flags().Float64Var(&opts.maxBudget, "max-budget", 0, "Per-invocation budget ceiling in USD")
	cmd.Flags().StringVar(&opts.timezone, "timezone", "", "IANA timezone for message times and schedules")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "Credential keys granted beyond the baseline")
	cmd.Flags().StringArrayVar(&opts.mounts, "mount", nil, "Extra mount as host[:container][:ro]")
	_ = cmd.MarkFlagRequired("folder")

	return cmd
}

func (o *registerOptions) conversation(jid, defaultTrigger string) (*models.Conversation, error) {
	if err := models.ValidateFolder(o.folder); err != nil {
		return nil, err
	}
	if o.timezone != "" {
		if _, err := time.LoadLocation(o.timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", o.timezone, err)
		}
	}
	conv := &models.Conversation{
		JID:             jid,
		Name:            o.name,
		Folder:          o.folder,
		Trigger:         o.trigger,
		RequiresTrigger: !o.noTrigger,
		IsMain:          o.main,
		Settings: models.ConversationSettings{
			CredentialScopes: o.scopes,
			Timeout:          o.timeout,
			Model:            o.model,
			MaxBudgetUSD:     o.maxBudget,
			Timezone:         o.timezone,
		},
	}
	if conv.Name == "" {
		conv.Name = conv.Folder
	}
	if conv.Trigger == "" {
		conv.Trigger = defaultTrigger
	}
	for _, spec := range o.mounts {
		grant, err := parseMount(spec)
		if err != nil {
			return nil, err
		}
		conv.Settings.Mounts = append(conv.Settings.Mounts, grant)
	}
	return conv, nil
}

// parseMount reads host[:container][:ro].
func parseMount(spec string) (models.MountGrant, error) {
	parts := strings.Split(spec, ":")
	grant := models.MountGrant{HostPath: parts[0]}
	if grant.HostPath == "" {
		return grant, fmt.Errorf("mount %q has no host path", spec)
	}
	rest := parts[1:]
	if n := len(rest); n > 0 && (rest[n-1] == "ro" || rest[n-1] == "rw") {
		grant.ReadOnly = rest[n-1] == "ro"
		rest = rest[:n-1]
	}
	switch len(rest) {
	case 0:
	case 1:
		grant.ContainerPath = rest[0]
	default:
		return grant, fmt.Errorf("invalid mount %q", spec)
	}
	return grant, nil
}

func checkFolderFree(cmd *cobra.Command, store storage.Storage, conv *models.Conversation) error {
	convs, err := store.ListConversations(cmd.Context())
	if err != nil {
		return err
	}
	for _, c := range convs {
		if c.Folder == conv.Folder && c.JID != conv.JID {
			return fmt.Errorf("folder %q is already used by %s", conv.Folder, c.JID)
		}
	}
	return nil
}

func newConversationsUnregisterCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <jid>",
		Short: "Stop answering a chat; its folder is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.store.UnregisterConversation(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("conversation %s is not registered", args[0])
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", args[0])
			return nil
		},
	}
}
