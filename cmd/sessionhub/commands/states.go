package commands

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

var statesTimeout time.Duration

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Connect every channel and print its status",
	RunE:  runStates,
}

func init() {
	statesCmd.Flags().DurationVar(&statesTimeout, "timeout", 30*time.Second, "give up connecting after this long")
}

type channelState struct {
	ChannelID model.ChannelID     `json:"channelId"`
	Agent     string              `json:"agent"`
	Status    model.ChannelStatus `json:"status"`
	ThreadID  string              `json:"threadId,omitempty"`
	Messages  int                 `json:"messages"`
	Error     string              `json:"error,omitempty"`
}

func runStates(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), statesTimeout)
	defer cancel()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	result := s.hub.Initialize(ctx, s.cfg.Settings(), s.descriptors)

	rows := make([]channelState, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		row := channelState{
			ChannelID: d.ChannelID,
			Agent:     d.Agent,
			Status:    s.hub.ConnectionState(d.ChannelID),
			ThreadID:  s.hub.ThreadID(d.ChannelID),
			Messages:  len(s.hub.ChatHistory(d.ChannelID)),
		}
		if err, ok := result.Failed[d.ChannelID]; ok {
			row.Error = err.Error()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ChannelID < rows[j].ChannelID })

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, rows)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tAGENT\tSTATUS\tTHREAD\tMESSAGES\tERROR")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", r.ChannelID, r.Agent, r.Status, r.ThreadID, r.Messages, r.Error)
	}
	return w.Flush()
}
