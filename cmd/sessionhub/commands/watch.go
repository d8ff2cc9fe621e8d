package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/pkg/sessionhub"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream messages, envelopes and connection changes",
	Long: `Connect every channel and print everything the hub observes until
interrupted.

Examples:
  sessionhub watch --participant p-1 --agent planner --agent coder
  sessionhub watch --config hub.toml --transcript session.jsonl`,
	RunE: runWatch,
}

var allMessageTypes = []model.MessageType{
	model.MessageTypeUIUpdate,
	model.MessageTypeAgentStatus,
	model.MessageTypeTypingIndicator,
	model.MessageTypeHandover,
	model.MessageTypeWorkflowProgress,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()

	sessionhub.OnMessage(s.hub, func(m sessionhub.Message) {
		fmt.Fprintln(out, formatMessage(m))
	})
	sessionhub.OnConnectionChange(s.hub, func(c sessionhub.ConnectionChange) {
		fmt.Fprintf(out, "#%d %s -> %s\n", c.ChannelID, c.Previous, c.Current)
	})
	sessionhub.OnError(s.hub, func(e sessionhub.ErrorEvent) {
		fmt.Fprintf(out, "#%d %s error: %v\n", e.ChannelID, e.Kind, e.Err)
	})

	_, err = s.hub.SubscribeToMetadata("watch", allMessageTypes, func(env model.Envelope) error {
		if jsonOut {
			return printJSON(out, env)
		}
		fmt.Fprintf(out, "#%d %s %+v\n", env.Channel(), env.MessageType(), env)
		return nil
	})
	if err != nil {
		return err
	}

	s.connect(ctx, cmd.ErrOrStderr())

	<-ctx.Done()
	return nil
}
