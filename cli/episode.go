package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arborchat/memoryd/memory"
)

func init() {
	episodeCmd := &cobra.Command{
		Use:   "episode",
		Short: "Drive the episode summarization pipeline",
	}

	openCmd := &cobra.Command{
		Use:   "open [thread-id]",
		Short: "Get or create the open episode for a thread",
		Args:  cobra.ExactArgs(1),
		Run:   runEpisodeOpen,
	}

	appendCmd := &cobra.Command{
		Use:   "append [episode-id] [role] [content]",
		Short: "Append a message to an episode",
		Args:  cobra.ExactArgs(3),
		Run:   runEpisodeAppend,
	}

	summarizeCmd := &cobra.Command{
		Use:   "summarize [episode-id]",
		Short: "Close and summarize an episode",
		Run:   runEpisodeSummarize,
		Args:  cobra.ExactArgs(1),
	}

	consolidateCmd := &cobra.Command{
		Use:   "consolidate [episode-id]",
		Short: "Consolidate a summarized episode into promotion candidates",
		Args:  cobra.ExactArgs(1),
		Run:   runEpisodeConsolidate,
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest [user text] [assistant text]",
		Short: "Extract memory candidates from an exchange and upsert them",
		Args:  cobra.ExactArgs(2),
		Run:   runEpisodeIngest,
	}

	episodeCmd.AddCommand(openCmd, appendCmd, summarizeCmd, consolidateCmd, ingestCmd)
	RootCmd.AddCommand(episodeCmd)
}

func runEpisodeOpen(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("episode open", err)
	}

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	id := a.pipeline.GetOrCreateOpen(cmd.Context(), user, projectPtr(), args[0])
	if id == "" {
		exitErr("episode open", fmt.Errorf("could not open an episode"))
	}
	fmt.Println(id)
}

func runEpisodeAppend(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("episode append", err)
	}

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if err := a.pipeline.AppendMessage(cmd.Context(), user, projectPtr(), args[0], args[1], args[2]); err != nil {
		exitErr("append message", err)
	}
	fmt.Println("ok")
}

func runEpisodeSummarize(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("episode summarize", err)
	}

	a, err := openApp(true)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	res, err := a.pipeline.Summarize(cmd.Context(), user, args[0])
	if err != nil {
		exitErr("summarize", err)
	}
	printJSON(res)
}

func runEpisodeConsolidate(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("episode consolidate", err)
	}

	a, err := openApp(true)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	res, err := a.pipeline.Consolidate(cmd.Context(), user, args[0])
	if err != nil {
		exitErr("consolidate", err)
	}
	printJSON(res)
}

func runEpisodeIngest(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("episode ingest", err)
	}

	a, err := openApp(true)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	candidates, err := a.extractor.Extract(cmd.Context(), args[0], args[1])
	if err != nil {
		exitErr("extract", err)
	}
	if len(candidates) == 0 {
		printJSON(memory.UpsertResult{})
		return
	}

	res, err := a.store.Upsert(cmd.Context(), user, candidates, projectPtr())
	if err != nil {
		exitErr("upsert extracted", err)
	}
	if projectID != "" {
		a.promoter.PromoteIdentityAnchors(cmd.Context(), user, projectID, args[0], candidates)
	}
	printJSON(res)
}
