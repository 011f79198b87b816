// Command dtuf publishes and consumes signed, content-addressed target
// sets on a Docker registry. All connection settings come from DTUF_*
// environment variables; command arguments name repositories, targets
// and files only.
package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneyhe/dtuf/trust"
)

var rootCmd = &cobra.Command{
	Use:           "dtuf",
	Short:         "verified artifact distribution through a Docker registry",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	log.SetOutput(os.Stderr)
	if os.Getenv("DTUF_DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(
		authCmd(),
		createRootKeyCmd(),
		createMetadataKeysCmd(),
		createMetadataCmd(),
		resetKeysCmd(),
		pushTargetCmd(),
		delTargetCmd(),
		pushMetadataCmd(),
		listMasterTargetsCmd(),
		getMasterExpirationsCmd(),
		pullMetadataCmd(),
		pullTargetCmd(),
		blobSizesCmd(),
		checkTargetCmd(),
		listCopyTargetsCmd(),
		getCopyExpirationsCmd(),
		listReposCmd(),
	)
}

func config() (*trust.Config, error) {
	return trust.ConfigFromEnv()
}

func printExpirations(exp map[trust.Role]time.Time) {
	for _, role := range trust.Roles {
		when, ok := exp[role]
		if !ok {
			continue
		}
		fmt.Printf("%s: %s\n", role, when.UTC().Format(time.RFC3339))
	}
}
