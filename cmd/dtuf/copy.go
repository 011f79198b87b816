package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kenneyhe/dtuf/pkg/repo"
)

func withCopy(args []string, fn func(*repo.Copy) error) error {
	cfg, err := config()
	if err != nil {
		return err
	}
	c, err := repo.NewCopy(cfg, args[0], transferProgress())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func pullMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull-metadata <repo> [<root-pubkey-file>|-]",
		Short: "fetch, verify and adopt the current metadata, printing changed targets",
		Long: `Fetch the repository's signed metadata, verify the trust chain and
commit it as the new baseline. On first use the root public key must be
supplied, either as a PEM file argument or as - to read it from stdin;
afterwards the stored baseline anchors verification. Each target name
the update added, changed or removed is printed on its own line.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pin []byte
			if len(args) == 2 {
				var err error
				if args[1] == "-" {
					pin, err = io.ReadAll(os.Stdin)
				} else {
					pin, err = os.ReadFile(args[1])
				}
				if err != nil {
					return errors.Wrap(err, "failed to read root public key")
				}
			}
			return withCopy(args, func(c *repo.Copy) error {
				diff, err := c.PullMetadata(cmd.Context(), pin)
				if err != nil {
					return err
				}
				for _, name := range diff.Names() {
					fmt.Println(name)
				}
				return nil
			})
		},
	}
}

func pullTargetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull-target <repo> <target>",
		Short: "download and verify a target, writing its content to stdout",
		Long: `Download a trusted target's blobs in order and write their content to
stdout. Every byte is checked against the trusted digest; on a mismatch
the command fails and the partial output must be discarded. With
DTUF_BLOB_INFO=1, each blob's digest and size are printed on a line of
their own before its content.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blobInfo := os.Getenv("DTUF_BLOB_INFO") == "1"
			return withCopy(args, func(c *repo.Copy) error {
				readers, err := c.PullTarget(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				for _, r := range readers {
					defer r.Close()
				}
				for _, r := range readers {
					if blobInfo {
						fmt.Printf("%s %d\n", r.Digest, r.Size)
					}
					if _, err := io.Copy(os.Stdout, r); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func blobSizesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blob-sizes <repo> <target>",
		Short: "print a trusted target's blob sizes without downloading",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCopy(args, func(c *repo.Copy) error {
				sizes, err := c.BlobSizes(args[1])
				if err != nil {
					return err
				}
				for _, size := range sizes {
					fmt.Println(size)
				}
				return nil
			})
		},
	}
}

func checkTargetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-target <repo> <target> <file>...",
		Short: "verify local files against a trusted target",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCopy(args, func(c *repo.Copy) error {
				return c.CheckTarget(args[1], args[2:]...)
			})
		},
	}
}

func listCopyTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-copy-targets <repo>",
		Short: "list trusted target names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCopy(args, func(c *repo.Copy) error {
				names, err := c.ListTargets()
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

func getCopyExpirationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-copy-expirations <repo>",
		Short: "print when each trusted document expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCopy(args, func(c *repo.Copy) error {
				exp, err := c.Expirations()
				if err != nil {
					return err
				}
				printExpirations(exp)
				return nil
			})
		},
	}
}
