// Command secondloop is the CLI front end for the encrypted vault: open a
// vault, add and complete todos, sync against a configured remote, and ask
// questions over scoped memories.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/log"
	"github.com/secondloop/secondloop/pkg/retrieval"
	"github.com/secondloop/secondloop/pkg/syncer"
	"github.com/secondloop/secondloop/pkg/vecindex"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"

	flagAppDir   string
	flagConfig   string
	flagLogLevel string
)

// Config is the CLI configuration file (secondloop.yaml).
type Config struct {
	// Hex-encoded 32-byte keys. Derivation from a password happens outside
	// the CLI; these fields hold the derived material.
	DBKeyHex   string `yaml:"db_key_hex"`
	SyncKeyHex string `yaml:"sync_key_hex"`

	Remote struct {
		// Kind selects the transport: localdir | webdav | managed.
		Kind     string `yaml:"kind"`
		Path     string `yaml:"path,omitempty"`
		URL      string `yaml:"url,omitempty"`
		Username string `yaml:"username,omitempty"`
		Password string `yaml:"password,omitempty"`
		VaultID  string `yaml:"vault_id,omitempty"`
		RootDir  string `yaml:"root_dir,omitempty"`
	} `yaml:"remote"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "secondloop",
	Short:   "Secondloop - encrypted local-first personal vault",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(flagLogLevel, false, nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAppDir, "app-dir", defaultAppDir(), "application directory")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default <app-dir>/secondloop.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	rootCmd.AddCommand(initCmd, todoCmd, syncCmd, askCmd)
	todoCmd.AddCommand(todoAddCmd, todoListCmd, todoDoneCmd)
	syncCmd.AddCommand(syncPushCmd, syncPullCmd)
}

func defaultAppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".secondloop"
	}
	return filepath.Join(home, ".secondloop")
}

func loadConfig() (*Config, error) {
	path := flagConfig
	if path == "" {
		path = filepath.Join(flagAppDir, "secondloop.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeKey(hexKey, name string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%s must be 64 hex characters", name)
	}
	return key, nil
}

func openStore() (*store.Store, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dbKey, err := decodeKey(cfg.DBKeyHex, "db_key_hex")
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(flagAppDir, dbKey)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func buildRemote(cfg *Config) (syncer.RemoteStore, error) {
	switch cfg.Remote.Kind {
	case "localdir":
		return syncer.NewLocalDirStore(cfg.Remote.Path), nil
	case "webdav":
		return syncer.NewWebDAVStore(cfg.Remote.URL, cfg.Remote.Username, cfg.Remote.Password, nil)
	default:
		return nil, fmt.Errorf("remote kind %q has no blob interface", cfg.Remote.Kind)
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault database and a config skeleton",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(flagAppDir, 0o755); err != nil {
			return err
		}
		cfgPath := filepath.Join(flagAppDir, "secondloop.yaml")
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			skeleton := "db_key_hex: \"\"\nsync_key_hex: \"\"\nremote:\n  kind: localdir\n  path: \"\"\n"
			if err := os.WriteFile(cfgPath, []byte(skeleton), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s — fill in the key material\n", cfgPath)
			return nil
		}
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Printf("vault ready at %s (device %s)\n", flagAppDir, st.DeviceID())
		return nil
	},
}

var todoCmd = &cobra.Command{Use: "todo", Short: "Manage todos"}

var todoAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a todo",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		todo := &store.Todo{
			ID:     "todo:" + uuid.NewString(),
			Title:  strings.Join(args, " "),
			Status: store.TodoInbox,
		}
		if err := st.UpsertTodo(todo); err != nil {
			return err
		}
		fmt.Println(todo.ID)
		return nil
	},
}

var todoListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List todos",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		status := ""
		if len(args) > 0 {
			status = args[0]
		}
		todos, err := st.ListTodos(status)
		if err != nil {
			return err
		}
		for _, t := range todos {
			fmt.Printf("%-40s  [%s]  %s\n", t.ID, t.Status, t.Title)
		}
		return nil
	},
}

var todoDoneCmd = &cobra.Command{
	Use:   "done <todo-id>",
	Short: "Mark a todo done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		_, err = st.SetTodoStatus(args[0], store.TodoDone)
		return err
	},
}

var syncCmd = &cobra.Command{Use: "sync", Short: "Replicate against the configured remote"}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local ops and attachments",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		syncKey, err := decodeKey(cfg.SyncKeyHex, "sync_key_hex")
		if err != nil {
			return err
		}
		if cfg.Remote.Kind == "managed" {
			mv, err := syncer.NewManagedVault(st, cfg.Remote.URL, cfg.Remote.VaultID, syncKey, nil)
			if err != nil {
				return err
			}
			if err := mv.BackfillAttachments(); err != nil {
				return err
			}
			return mv.Push()
		}
		remote, err := buildRemote(cfg)
		if err != nil {
			return err
		}
		rep, err := syncer.NewReplicator(st, remote, syncKey, cfg.Remote.RootDir)
		if err != nil {
			return err
		}
		return rep.Push()
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull and apply peer ops",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		syncKey, err := decodeKey(cfg.SyncKeyHex, "sync_key_hex")
		if err != nil {
			return err
		}
		if cfg.Remote.Kind == "managed" {
			mv, err := syncer.NewManagedVault(st, cfg.Remote.URL, cfg.Remote.VaultID, syncKey, nil)
			if err != nil {
				return err
			}
			n, err := mv.Pull(0)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d ops\n", n)
			return nil
		}
		remote, err := buildRemote(cfg)
		if err != nil {
			return err
		}
		rep, err := syncer.NewReplicator(st, remote, syncKey, cfg.Remote.RootDir)
		if err != nil {
			return err
		}
		return rep.Pull(func(done, total int64) {
			fmt.Printf("\rpulled %d/%d", done, total)
		})
	},
}

var (
	flagAskTopK   int
	flagAskThread string
	flagAskTags   []string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Search memories and print the scoped contexts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		question := strings.Join(args, " ")
		svc := retrieval.NewService(st, vecindex.HashEmbedder{}, nil, "", false)
		scope := &retrieval.Scope{
			TopK:           flagAskTopK,
			IncludeTags:    flagAskTags,
			ConversationID: flagAskThread,
			ThisThreadOnly: flagAskThread != "",
		}
		contexts, err := svc.CollectScopedContexts(scope)
		if err != nil {
			return err
		}
		if len(contexts) == 0 {
			hits, err := st.SearchSimilarMessages(vecindex.HashEmbedder{}, question, flagAskTopK, "")
			if err != nil {
				return err
			}
			for _, h := range hits {
				contexts = append(contexts, h.Message.Content)
			}
		}
		for i, ctx := range contexts {
			fmt.Printf("%d. %s\n", i+1, ctx)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().IntVar(&flagAskTopK, "top-k", 5, "number of contexts")
	askCmd.Flags().StringVar(&flagAskThread, "conversation", "", "restrict to one conversation")
	askCmd.Flags().StringSliceVar(&flagAskTags, "tag", nil, "include tag ids")
}
