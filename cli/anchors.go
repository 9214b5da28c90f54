package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arborchat/memoryd/memory"
)

func init() {
	anchorsCmd := &cobra.Command{
		Use:   "anchors",
		Short: "Manage authoritative project anchors",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List anchors for a project",
		Run:   runAnchorsList,
	}

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a project anchor",
		Args:  cobra.ExactArgs(2),
		Run:   runAnchorsSet,
	}
	setCmd.Flags().Bool("locked", false, "Write the anchor locked")

	promoteCmd := &cobra.Command{
		Use:   "promote [user text]",
		Short: "Derive identity anchors from a user message",
		Long:  "Scan a user message for naming directives (call me X, don't call me Y) and write the matching anchors.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAnchorsPromote,
	}

	anchorsCmd.AddCommand(listCmd, setCmd, promoteCmd)
	RootCmd.AddCommand(anchorsCmd)
}

func runAnchorsList(cmd *cobra.Command, _ []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("anchors list", err)
	}
	if projectID == "" {
		exitErr("anchors list", fmt.Errorf("--project is required"))
	}

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	anchors, err := a.store.ProjectAnchors(cmd.Context(), user, projectID)
	if err != nil {
		exitErr("list anchors", err)
	}
	printJSON(anchors)
}

func runAnchorsSet(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("anchors set", err)
	}
	if projectID == "" {
		exitErr("anchors set", fmt.Errorf("--project is required"))
	}
	locked, _ := cmd.Flags().GetBool("locked")

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	w := memory.NewAnchorWrite(args[0], args[1])
	w.Locked = locked
	updated, err := a.store.SetAnchor(cmd.Context(), user, projectID, w)
	if err != nil {
		exitErr("set anchor", err)
	}
	if updated {
		fmt.Println("updated")
	} else {
		fmt.Println("inserted")
	}
}

func runAnchorsPromote(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("anchors promote", err)
	}
	if projectID == "" {
		exitErr("anchors promote", fmt.Errorf("--project is required"))
	}

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	text := ""
	for i, arg := range args {
		if i > 0 {
			text += " "
		}
		text += arg
	}
	a.promoter.PromoteIdentityAnchors(cmd.Context(), user, projectID, text, nil)

	anchors, err := a.store.ProjectAnchors(cmd.Context(), user, projectID)
	if err != nil {
		exitErr("list anchors", err)
	}
	printJSON(anchors)
}
