package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/memoryd/internal/store"
)

var purgeRetention time.Duration

func init() {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Hard-delete expired and soft-deleted entries past retention",
		Run:   runPurge,
	}
	cmd.Flags().DurationVar(&purgeRetention, "retention", 30*24*time.Hour,
		"Keep soft-deleted entries this long before purging")
	RootCmd.AddCommand(cmd)
}

func runPurge(cmd *cobra.Command, _ []string) {
	logger, err := newLogger()
	if err != nil {
		exitErr("init logger", err)
	}
	defer logger.Sync()

	cfg := loadConfig()
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	purged, err := st.PurgeExpired(cmd.Context(), time.Now().UTC(), purgeRetention)
	if err != nil {
		exitErr("purge", err)
	}
	fmt.Printf("purged %d entries\n", len(purged))
}
