package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arborchat/memoryd/memory"
)

func init() {
	itemsCmd := &cobra.Command{
		Use:   "items",
		Short: "Inspect and mutate memory items",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active memory items for a user",
		Run:   runItemsList,
	}
	listCmd.Flags().Int("limit", 50, "Max items")

	upsertCmd := &cobra.Command{
		Use:   "upsert [key] [value]",
		Short: "Upsert a memory item",
		Long:  "Upsert a single memory item. The value is stored as structured JSON when it parses, otherwise as text.",
		Args:  cobra.ExactArgs(2),
		Run:   runItemsUpsert,
	}
	upsertCmd.Flags().String("tier", "normal", "Tier: core, normal, volatile or sensitive")
	upsertCmd.Flags().Int("importance", 5, "Importance 1..10")

	correctCmd := &cobra.Command{
		Use:   "correct [key] [value]",
		Short: "Apply a user correction to a key",
		Args:  cobra.ExactArgs(2),
		Run:   runItemsCorrect,
	}

	rmCmd := &cobra.Command{
		Use:   "rm [id]",
		Short: "Discard a memory item by id",
		Args:  cobra.ExactArgs(1),
		Run:   runItemsRm,
	}

	reinforceCmd := &cobra.Command{
		Use:   "reinforce [key...]",
		Short: "Reinforce one or more keys",
		Args:  cobra.MinimumNArgs(1),
		Run:   runItemsReinforce,
	}

	itemsCmd.AddCommand(listCmd, upsertCmd, correctCmd, rmCmd, reinforceCmd)
	RootCmd.AddCommand(itemsCmd)
}

func runItemsList(cmd *cobra.Command, _ []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("items list", err)
	}
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	items, err := a.store.List(cmd.Context(), user, limit)
	if err != nil {
		exitErr("list items", err)
	}
	printJSON(items)
}

func runItemsUpsert(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("items upsert", err)
	}
	tierFlag, _ := cmd.Flags().GetString("tier")
	importance, _ := cmd.Flags().GetInt("importance")

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	res, err := a.store.Upsert(cmd.Context(), user, []memory.UpsertItem{{
		Key:        args[0],
		Value:      parseValue(args[1]),
		Tier:       memory.Tier(tierFlag),
		Importance: importance,
	}}, projectPtr())
	if err != nil {
		exitErr("upsert", err)
	}
	printJSON(res)
}

func runItemsCorrect(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("items correct", err)
	}

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	res, err := a.store.Correct(cmd.Context(), user, args[0], parseValue(args[1]), projectPtr())
	if err != nil {
		exitErr("correct", err)
	}
	printJSON(res)
}

func runItemsRm(cmd *cobra.Command, args []string) {
	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if err := a.store.Discard(cmd.Context(), args[0]); err != nil {
		exitErr("discard", err)
	}
	fmt.Println("ok")
}

func runItemsReinforce(cmd *cobra.Command, args []string) {
	user, err := requireUser()
	if err != nil {
		exitErr("items reinforce", err)
	}

	a, err := openApp(false)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	a.store.Reinforce(cmd.Context(), user, args)
	fmt.Println("ok")
}

// parseValue treats valid JSON as structured and anything else as text.
func parseValue(raw string) memory.MemoryValue {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return memory.StructuredValue(m)
		}
	}
	return memory.TextValue(raw)
}
