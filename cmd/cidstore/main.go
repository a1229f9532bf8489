package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/cidstore/pkg/blockstore"
	"github.com/jacktea/cidstore/pkg/objstore"
	"github.com/jacktea/cidstore/pkg/shard"
	"github.com/jacktea/cidstore/pkg/xerrors"
)

type app struct {
	store   *blockstore.Blockstore
	cleanup func()
}

func (a *app) ensureStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	client, cleanup, err := buildClient(viper.GetString("backend"), storageOptions{
		Endpoint:     viper.GetString("endpoint"),
		Bucket:       viper.GetString("bucket"),
		Region:       viper.GetString("region"),
		AccessKey:    viper.GetString("access_key"),
		SecretKey:    viper.GetString("secret_key"),
		SessionToken: viper.GetString("session_token"),
		DBPath:       viper.GetString("db"),
		Root:         viper.GetString("root"),
	})
	if err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	strategy, err := buildStrategy(shardOptions{
		Extension:    viper.GetString("shard_extension"),
		PrefixLength: viper.GetInt("shard_length"),
		Encoding:     viper.GetString("shard_encoding"),
		Flat:         viper.GetBool("shard_flat"),
	})
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return fmt.Errorf("shard config: %w", err)
	}
	store, err := blockstore.New(blockstore.Config{
		Client:          client,
		Bucket:          viper.GetString("bucket"),
		Prefix:          viper.GetString("prefix"),
		Strategy:        strategy,
		CreateIfMissing: viper.GetBool("create"),
	})
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return err
	}
	if err := store.Open(ctx); err != nil {
		if cleanup != nil {
			cleanup()
		}
		return err
	}
	a.store = store
	a.cleanup = cleanup
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

type storageOptions struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	DBPath       string
	Root         string
}

func buildClient(backend string, opts storageOptions) (objstore.Client, func(), error) {
	switch backend {
	case "s3":
		client, err := objstore.NewS3(objstore.S3Config{
			Endpoint:     opts.Endpoint,
			Bucket:       opts.Bucket,
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
		})
		return client, nil, err
	case "bolt":
		path := opts.DBPath
		if path == "" {
			path = filepath.Join(".cidstore", opts.Bucket+".db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		client, err := objstore.NewBolt(objstore.BoltConfig{Path: path})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	case "fs":
		client, err := objstore.NewBilly(objstore.BillyConfig{
			FS:  osfs.New(opts.Root),
			Dir: opts.Bucket,
		})
		return client, nil, err
	case "mem":
		return objstore.NewMemory(objstore.MemoryConfig{}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

type shardOptions struct {
	Extension    string
	PrefixLength int
	Encoding     string
	Flat         bool
}

func buildStrategy(opts shardOptions) (shard.Strategy, error) {
	enc, err := multibase.EncoderByName(opts.Encoding)
	if err != nil {
		return nil, err
	}
	cfg := shard.Config{
		Extension:    opts.Extension,
		PrefixLength: opts.PrefixLength,
		Encoding:     enc.Encoding(),
	}
	if opts.Flat {
		return shard.NewFlat(cfg)
	}
	return shard.NewNextToLast(cfg)
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "cidstore",
		Short:         "content-addressed block storage over object stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureStore(cmd.Context())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if xerrors.IsNotFound(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cidstore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "cidstore"))
		}
	}
	viper.SetEnvPrefix("CIDSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("backend", "fs", "storage backend: s3|bolt|fs|mem")
	rootCmd.PersistentFlags().String("bucket", "blocks", "container name")
	rootCmd.PersistentFlags().String("prefix", "", "key namespace prepended to every block path")
	rootCmd.PersistentFlags().Bool("create", false, "create the container if the open probe reports it missing")

	rootCmd.PersistentFlags().String("endpoint", "", "object store endpoint (s3)")
	rootCmd.PersistentFlags().String("region", "", "region (s3)")
	rootCmd.PersistentFlags().String("access-key", "", "access key (s3)")
	rootCmd.PersistentFlags().String("secret-key", "", "secret key (s3)")
	rootCmd.PersistentFlags().String("session-token", "", "session token (s3)")
	rootCmd.PersistentFlags().String("db", "", "database file (bolt)")
	rootCmd.PersistentFlags().String("root", ".cidstore/objects", "object root directory (fs)")

	rootCmd.PersistentFlags().Int("shard-length", shard.DefaultPrefixLength, "shard bucket length")
	rootCmd.PersistentFlags().String("shard-extension", shard.DefaultExtension, "shard path extension")
	rootCmd.PersistentFlags().String("shard-encoding", "base32upper", "multibase encoding for shard tokens")
	rootCmd.PersistentFlags().Bool("shard-flat", false, "disable sharding (diagnostic use only)")

	bindConfig("backend", rootCmd.PersistentFlags().Lookup("backend"))
	bindConfig("bucket", rootCmd.PersistentFlags().Lookup("bucket"))
	bindConfig("prefix", rootCmd.PersistentFlags().Lookup("prefix"))
	bindConfig("create", rootCmd.PersistentFlags().Lookup("create"))

	bindConfig("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
	bindConfig("region", rootCmd.PersistentFlags().Lookup("region"))
	bindConfig("access_key", rootCmd.PersistentFlags().Lookup("access-key"))
	bindConfig("secret_key", rootCmd.PersistentFlags().Lookup("secret-key"))
	bindConfig("session_token", rootCmd.PersistentFlags().Lookup("session-token"))
	bindConfig("db", rootCmd.PersistentFlags().Lookup("db"))
	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))

	bindConfig("shard_length", rootCmd.PersistentFlags().Lookup("shard-length"))
	bindConfig("shard_extension", rootCmd.PersistentFlags().Lookup("shard-extension"))
	bindConfig("shard_encoding", rootCmd.PersistentFlags().Lookup("shard-encoding"))
	bindConfig("shard_flat", rootCmd.PersistentFlags().Lookup("shard-flat"))
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newCatCmd(),
		newHasCmd(),
		newRmCmd(),
		newLsCmd(),
	)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put [file]",
		Short: "Store a block from a file or stdin and print its CID",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			data, err := io.ReadAll(src)
			if err != nil {
				return err
			}
			mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
			if err != nil {
				return err
			}
			c, err := application.store.Put(cmd.Context(), cid.NewCidV1(cid.Raw, mh), data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.String())
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <cid>",
		Short: "Print the block contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cid.Decode(args[0])
			if err != nil {
				return err
			}
			data, err := application.store.Get(cmd.Context(), c)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newHasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "has <cid>",
		Short: "Report whether the block is present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cid.Decode(args[0])
			if err != nil {
				return err
			}
			ok, err := application.store.Has(cmd.Context(), c)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <cid>",
		Short: "Delete a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cid.Decode(args[0])
			if err != nil {
				return err
			}
			return application.store.Delete(cmd.Context(), c)
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Enumerate every block in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			for pair := range application.store.GetAll(cmd.Context()) {
				if pair.Err != nil {
					return pair.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", pair.CID, len(pair.Data))
			}
			return nil
		},
	}
}
