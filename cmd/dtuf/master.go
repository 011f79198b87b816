package main

import (
	"fmt"
	"os"
	"sync"

	digest "github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kenneyhe/dtuf/pkg/repo"
	"github.com/kenneyhe/dtuf/pkg/store"
)

// withMaster opens the master side of the repository named by the first
// argument, runs fn, and closes it.
func withMaster(args []string, progress store.Progress, fn func(*repo.Master) error) error {
	cfg, err := config()
	if err != nil {
		return err
	}
	m, err := repo.NewMaster(cfg, args[0], progress)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

// transferProgress logs transfer progress, one line per completed
// blob. DTUF_PROGRESS=1 forces it on, DTUF_PROGRESS=0 forces it off;
// unset, it is on when stderr is a terminal.
func transferProgress() store.Progress {
	switch os.Getenv("DTUF_PROGRESS") {
	case "1":
	case "0":
		return nil
	default:
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			return nil
		}
	}
	var mu sync.Mutex
	done := map[digest.Digest]int64{}
	return func(dgst digest.Digest, n, total int64) {
		mu.Lock()
		defer mu.Unlock()
		done[dgst] += n
		if n == 0 {
			log.Infof("transferred %s: %d/%d bytes", dgst, done[dgst], total)
		}
	}
}

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth <repo> <action>...",
		Short: "authenticate to the registry and print the access token",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, func(m *repo.Master) error {
				token, err := m.Authenticate(cmd.Context(), args[1:]...)
				if err != nil {
					return err
				}
				if token != "" {
					fmt.Println(token)
				}
				return nil
			})
		},
	}
}

func createRootKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-root-key <repo>",
		Short: "generate the repository root key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, (*repo.Master).CreateRootKey)
		},
	}
}

func createMetadataKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-metadata-keys <repo>",
		Short: "generate the targets, snapshot and timestamp key pairs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, (*repo.Master).CreateMetadataKeys)
		},
	}
}

func createMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-metadata <repo>",
		Short: "build and sign the initial metadata set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, (*repo.Master).CreateMetadata)
		},
	}
}

func resetKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-keys <repo>",
		Short: "replace all key pairs and re-sign metadata under them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, (*repo.Master).ResetKeys)
		},
	}
}

func pushTargetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-target <repo> <target> <file>|@<target>...",
		Short: "stage a target and upload its blobs",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, transferProgress(), func(m *repo.Master) error {
				return m.PushTarget(cmd.Context(), args[1], args[2:]...)
			})
		},
	}
}

func delTargetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del-target <repo> <target>...",
		Short: "unstage targets and delete their unshared blobs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, func(m *repo.Master) error {
				for _, name := range args[1:] {
					if err := m.DelTarget(cmd.Context(), name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func pushMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-metadata <repo>",
		Short: "re-sign metadata for the staged targets and upload it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, func(m *repo.Master) error {
				return m.PushMetadata(cmd.Context())
			})
		},
	}
}

func listMasterTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-master-targets <repo>",
		Short: "list staged target names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, func(m *repo.Master) error {
				names, err := m.ListTargets()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			})
		},
	}
}

func getMasterExpirationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-master-expirations <repo>",
		Short: "print when each signed document expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMaster(args, nil, func(m *repo.Master) error {
				exp, err := m.Expirations()
				if err != nil {
					return err
				}
				printExpirations(exp)
				return nil
			})
		},
	}
}

func listReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-repos",
		Short: "list repository names in the registry catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config()
			if err != nil {
				return err
			}
			names, err := repo.ListRepos(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}
