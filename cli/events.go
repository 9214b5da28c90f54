package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent memory audit events for a user",
		Run:   runEvents,
	}
	eventsCmd.Flags().Int("limit", 50, "Max events")

	RootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, _ []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("events", err)
	}
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	events, err := a.store.RecentEvents(cmd.Context(), user, limit)
	if err != nil {
		exitErr("list events", err)
	}
	printJSON(events)
}
