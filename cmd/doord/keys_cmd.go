package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/doord"
	"pkt.systems/doord/internal/keys"
	"pkt.systems/pslog"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the access key registry",
	}
	cmd.PersistentFlags().String("file", "", "key registry path (defaults to --keys-file or $HOME/.doord/"+doord.DefaultKeysFileName+")")
	cmd.AddCommand(newKeysGenCommand())
	cmd.AddCommand(newKeysListCommand())
	cmd.AddCommand(newKeysUsedCommand())
	return cmd
}

// registryPath resolves --file, then the server's keys-file setting, then
// the default location.
func registryPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("file")
	if strings.TrimSpace(path) == "" {
		path = viper.GetString("keys-file")
	}
	if strings.TrimSpace(path) == "" {
		dir, err := doord.DefaultConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve config dir: %w", err)
		}
		path = filepath.Join(dir, doord.DefaultKeysFileName)
	}
	return expandPath(path)
}

func loadRegistryOrEmpty(path string) (*keys.Registry, error) {
	registry, err := keys.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return keys.EmptyRegistry(), nil
	}
	return registry, err
}

func newKeysGenCommand() *cobra.Command {
	var (
		kind string
		from string
		till string
		id   string
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate an access key and add it to the registry",
		Example: `
  # Key that always opens the door
  doord keys gen --type master

  # One-time key for a delivery during business hours
  doord keys gen --type once --from 01.03.2026 --till 07.03.2026
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := registryPath(cmd)
			if err != nil {
				return err
			}
			k, err := keys.ParseKind(kind)
			if err != nil {
				return err
			}
			if id == "" {
				id = strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			key := keys.AccessKey{ID: id, Kind: k, From: from, Till: till}
			if k == keys.KindLimited || k == keys.KindOnce {
				if _, _, err := key.DateRange(time.Local); err != nil {
					return fmt.Errorf("%s keys need --from and --till (%s): %w", k, keys.DateLayout, err)
				}
			}
			registry, err := loadRegistryOrEmpty(path)
			if err != nil {
				return err
			}
			if _, exists := registry.Lookup(id); exists {
				return fmt.Errorf("key %q already exists in %s", id, path)
			}
			registry = registry.With(key)
			data, err := registry.Marshal(filepath.Ext(path))
			if err != nil {
				return err
			}
			if err := writeFileAtomic(path, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(keys.KindMaster), "key type: master, restricted, limited or once")
	cmd.Flags().StringVar(&from, "from", "", "first valid day ("+keys.DateLayout+")")
	cmd.Flags().StringVar(&till, "till", "", "last valid day ("+keys.DateLayout+")")
	cmd.Flags().StringVar(&id, "id", "", "use this key id instead of a random one")
	return cmd
}

func newKeysListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the keys in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := registryPath(cmd)
			if err != nil {
				return err
			}
			registry, err := keys.LoadFile(path)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tFROM\tTILL")
			for _, key := range registry.Keys() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", key.ID, key.Kind, dash(key.From), dash(key.Till))
			}
			return tw.Flush()
		},
	}
}

func newKeysUsedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "used",
		Short: "List consumed one-time keys recorded in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg := doord.Config{Store: viper.GetString("store")}
			if err := cfg.Validate(); err != nil {
				return err
			}
			backend, err := doord.OpenBackend(ctx, cfg, pslog.NoopLogger())
			if err != nil {
				return err
			}
			defer backend.Close()
			used, err := keys.LoadUsedSet(ctx, backend)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCONSUMED")
			for _, id := range used.IDs() {
				consumed := "-"
				if at, ok := used.ConsumedAt(id); ok && !at.IsZero() {
					consumed = at.Local().Format(time.RFC3339) + " (" + humanize.Time(at) + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\n", id, consumed)
			}
			return tw.Flush()
		},
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
