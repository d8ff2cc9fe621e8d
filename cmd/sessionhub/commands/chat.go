package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/pkg/sessionhub"
)

var chatChannel int

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send messages on a channel from the terminal",
	Long: `Read lines from stdin and send each one on a channel. Agent replies
are printed as they arrive.

Commands:
  /history <page>   fetch an older history page
  /states           print channel statuses
  /quit             exit

Examples:
  sessionhub chat --participant p-1 --agent planner
  sessionhub chat --config hub.toml --channel 2`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().IntVar(&chatChannel, "channel", 0, "channel to send on (default: first configured)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	target := model.ChannelID(chatChannel)
	if target == 0 {
		target = s.descriptors[0].ChannelID
	}

	out := cmd.OutOrStdout()
	sessionhub.OnMessage(s.hub, func(m sessionhub.Message) {
		// Optimistic copies of the user's own lines are already on screen.
		if m.LocalID != "" {
			return
		}
		fmt.Fprintln(out, formatMessage(m))
	})

	result := s.connect(ctx, cmd.ErrOrStderr())
	if _, failed := result.Failed[target]; failed {
		return fmt.Errorf("channel %d is not connected", target)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, cmd, s, target, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, cmd *cobra.Command, s *session, target model.ChannelID, line string) bool {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/states":
		for _, d := range s.descriptors {
			fmt.Fprintf(out, "#%d %s %s\n", d.ChannelID, d.Agent, s.hub.ConnectionState(d.ChannelID))
		}
		return false
	case strings.HasPrefix(line, "/history"):
		page := 2
		if f := strings.Fields(line); len(f) > 1 {
			n, err := strconv.Atoi(f[1])
			if err != nil {
				fmt.Fprintf(errOut, "invalid page %q\n", f[1])
				return false
			}
			page = n
		}
		added, err := s.hub.LoadHistory(ctx, target, page)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return false
		}
		fmt.Fprintf(out, "(%d older messages)\n", len(added))
		return false
	}

	if _, err := s.hub.SendMessage(ctx, line, target, nil); err != nil {
		fmt.Fprintln(errOut, err)
	}
	return false
}
