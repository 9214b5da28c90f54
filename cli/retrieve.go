package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arborchat/memoryd/memory"
	"github.com/arborchat/memoryd/prompt"
)

func init() {
	retrieveCmd := &cobra.Command{
		Use:   "retrieve [query text]",
		Short: "Rank memory items against a query",
		Long:  "Retrieve the pinned and related memory items for a user, scored against the given query text.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRetrieve,
	}
	retrieveCmd.Flags().Bool("sensitive", false, "Retrieve only sensitive-scope items")
	retrieveCmd.Flags().Bool("block", false, "Print the rendered memory block instead of JSON")

	promptCmd := &cobra.Command{
		Use:   "prompt [latest user text]",
		Short: "Assemble the full system prompt for a turn",
		Args:  cobra.MinimumNArgs(1),
		Run:   runPrompt,
	}
	promptCmd.Flags().String("conversation", "", "Conversation id for the prompt cache key")

	RootCmd.AddCommand(retrieveCmd, promptCmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("retrieve", err)
	}
	sensitive, _ := cmd.Flags().GetBool("sensitive")
	asBlock, _ := cmd.Flags().GetBool("block")

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	res := a.retriever.Retrieve(cmd.Context(), memory.RetrievalQuery{
		UserID:         user,
		ProjectID:      projectPtr(),
		LatestUserText: strings.Join(args, " "),
		Sensitive:      sensitive,
		SkipCache:      true,
	})

	if asBlock {
		fmt.Println(res.Block)
		return
	}
	printJSON(res)
}

func runPrompt(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("prompt", err)
	}
	conversation, _ := cmd.Flags().GetString("conversation")

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	var convPtr *string
	if conversation != "" {
		convPtr = &conversation
	}

	built, err := a.builder.Build(cmd.Context(), prompt.Params{
		UserID:         user,
		ProjectID:      projectPtr(),
		ConversationID: convPtr,
		LatestUserText: strings.Join(args, " "),
	})
	if err != nil {
		exitErr("build prompt", err)
	}
	fmt.Println(built.System)
}
