package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syncbox/internal/server/journal"
	"github.com/openmined/syncbox/internal/server/status"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var addr string
	var sessions int
	var clientID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a server's admission state and recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c := status.NewClient(addr)

			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStatus(out, addr, st)

			if sessions <= 0 {
				return nil
			}
			list, err := c.Sessions(cmd.Context(), clientID, sessions)
			if err != nil {
				return err
			}
			printSessions(out, list.Sessions)
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:4041", "Server status API address")
	cmd.Flags().IntVarP(&sessions, "sessions", "n", 10, "Recent sessions to list, 0 to skip")
	cmd.Flags().StringVar(&clientID, "client", "", "Only list sessions of this client")
	return cmd
}

func printStatus(w io.Writer, addr string, st *status.Response) {
	state := green.Render("idle")
	if st.Admission.Busy {
		state = yellow.Render("busy") + lightGray.Render(" with "+st.Admission.Active)
	}
	fmt.Fprintf(w, "%s %s\n", label("server"), cyan.Render(addr)+" "+lightGray.Render(st.Version))
	fmt.Fprintf(w, "%s %s\n", label("uptime"), st.Uptime)
	fmt.Fprintf(w, "%s %s\n", label("state"), state)
	fmt.Fprintf(w, "%s %d\n", label("queued"), st.Admission.Queued)
	fmt.Fprintf(w, "%s %d admitted, %d completed\n", label("sessions"), st.Admission.Admitted, st.Admission.Completed)
}

func printSessions(w io.Writer, records []journal.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, gray.Render("no sessions recorded"))
		return
	}
	fmt.Fprintln(w)
	for _, r := range records {
		outcome := green.Render(string(r.Outcome))
		if r.Outcome != journal.OutcomeOK {
			outcome = red.Render(string(r.Outcome))
		}
		line := fmt.Sprintf("%s  %-16s %s  up %d del %d  %s  %s",
			r.StartedAt.Local().Format(time.DateTime),
			r.ClientID,
			outcome,
			r.Uploaded,
			r.Deleted,
			humanize.Bytes(uint64(r.BytesReceived)),
			r.Duration().Round(time.Millisecond),
		)
		if r.Error != "" {
			line += "  " + red.Render(strings.TrimSpace(r.Error))
		}
		fmt.Fprintln(w, line)
	}
}
