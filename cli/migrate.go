package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Run:   runMigrate,
	}

	RootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) {
	// openApp applies migrations as part of wiring.
	a, err := openApp(false)
	if err != nil {
		exitErr("migrate", err)
	}
	defer a.close()
	fmt.Println("ok")
}
