package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/heap"
	"github.com/markusgerber/vnvheap/internal/directory"
	"github.com/markusgerber/vnvheap/storage"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "vnvinspect",
		Short:   "Inspect a vNV-Heap storage image without an embedded application",
		Version: version,
	}

	rootCmd.AddCommand(newInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newInspectCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "Print the superblock and directory of a storage image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required: the image's layout cannot be recovered without the HeapConfig it was formatted with")
			}
			cfg, err := config.LoadTOML(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			capacity := storageFileCapacity(cfg)
			store, err := storage.OpenFile(args[0], capacity)
			if err != nil {
				return fmt.Errorf("failed to open image: %w", err)
			}
			defer store.Close()

			rep, err := heap.Inspect(store, cfg)
			if err != nil {
				return fmt.Errorf("failed to inspect image: %w", err)
			}

			fmt.Printf("magic:    0x%08x\n", rep.Magic)
			fmt.Printf("version:  %d\n", rep.Version)
			fmt.Printf("digest:   stored=0x%08x expected=0x%08x match=%v\n", rep.StoredDigest, rep.ExpectedDigest, rep.DigestMatches)
			if !rep.DigestMatches {
				fmt.Println("image does not match this config; directory not decoded")
				return nil
			}
			fmt.Printf("objects:  %d\n", len(rep.Entries))
			for _, e := range rep.Entries {
				fmt.Printf("  id=%-10d size=%-6d type_tag=0x%04x\n", e.ObjectID, e.Size, e.TypeTag)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the HeapConfig TOML file the image was formatted with")
	return cmd
}

// storageFileCapacity mirrors heap.computeLayout's total-size derivation
// closely enough to reopen an existing image without truncating it: the
// same config always yields the same total size, so OpenFile's truncate
// is a no-op against a file already formatted at that size.
func storageFileCapacity(cfg config.HeapConfig) uint32 {
	leaves := cfg.StorageCapacity >> cfg.NvAllocMinOrder
	nvStateSize := uint32(4 + (leaves+7)/8 + 4)
	directorySize := uint32(4) + cfg.MaxObjects*directory.EntrySize
	superblockSize := uint32(10)
	return superblockSize + nvStateSize + directorySize + cfg.StorageCapacity
}
