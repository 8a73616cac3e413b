package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/keystore"
	"github.com/vaultsync-io/vaultsync/localvault"
	"github.com/vaultsync-io/vaultsync/logger"
	"github.com/vaultsync-io/vaultsync/server"
	"github.com/vaultsync-io/vaultsync/taskgraph"
	"github.com/vaultsync-io/vaultsync/token"
	"github.com/vaultsync-io/vaultsync/vault"
)

// tokenSecretEnv holds the token secret when the config has none.
const tokenSecretEnv = "VAULTSYNC_TOKEN_SECRET"

// client is a SyncStore and everything it owns.
type client struct {
	store   *keystore.SyncStore
	cloud   *keystore.CloudStore
	manager *vault.Manager
	local   localvault.Vault
	logger  logger.Logger
	out     io.Writer
}

func (c *client) Close() {
	c.store.Close()
	c.cloud.Close()
	c.manager.Close()
	if err := c.local.Close(); err != nil {
		c.logger.Errorf("Failed to close local vault: %v", err)
	}
}

func loadKeys(config *keystore.Config) (*encryption.PrivateKey, []*encryption.PublicKey, error) {
	priv, err := encryption.LoadPrivateKey(config.PrivateKeyFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load private key")
	}
	if len(config.PublicKeyFiles) == 0 {
		return priv, []*encryption.PublicKey{priv.Public()}, nil
	}
	pubs, err := loadPublicKeys(config.PublicKeyFiles)
	return priv, pubs, err
}

func loadPublicKeys(files []string) ([]*encryption.PublicKey, error) {
	pubs := make([]*encryption.PublicKey, 0, len(files))
	for _, file := range files {
		pub, err := encryption.LoadPublicKey(file)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load public key %s", file)
		}
		pubs = append(pubs, pub)
	}
	return pubs, nil
}

func openLocal(config *keystore.Config, log logger.Logger) (localvault.Vault, error) {
	if config.LocalInMemory {
		return localvault.NewMemory(), nil
	}
	bc := localvault.DefaultBadgerConfig(config.LocalDir)
	bc.Logger = log
	if config.LocalEncrypt {
		sealer, err := encryption.NewLocalEncryptionHandler()
		if err != nil {
			return nil, err
		}
		bc.Sealer = sealer
	}
	return localvault.OpenBadger(bc)
}

// newClient wires a SyncStore from config.
func newClient(config *keystore.Config, out io.Writer) (*client, error) {
	if config.TokenSecret == "" {
		return nil, errors.Errorf("token.secret or %s is required", tokenSecretEnv)
	}
	log := logger.NewLogger(config.LogLevel)
	log.Debugf("Client settings %s", config)

	priv, pubs, err := loadKeys(config)
	if err != nil {
		return nil, err
	}
	issuer, err := server.NewTokenIssuer([]byte(config.TokenSecret))
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewCachingProvider(issuer.RenewFunc(config.Identity, config.TokenTTL))
	if err != nil {
		return nil, err
	}
	// Sync graphs wait on manager graphs, so each gets its own executor.
	newExecutor := func() *taskgraph.Executor {
		return taskgraph.NewExecutor(
			taskgraph.WithMaxConcurrency(config.MaxConcurrency),
			taskgraph.WithLogger(log),
		)
	}
	manager, err := vault.NewManager(vault.ManagerConfig{
		Client: vault.NewHTTPClient(config.VaultURL,
			vault.WithTimeout(config.VaultTimeout), vault.WithClientLogger(log)),
		Tokens:                tokens,
		PublicKeys:            pubs,
		PrivateKey:            priv,
		Executor:              newExecutor(),
		Logger:                log,
		NoRetryOnUnauthorized: !config.RetryOnUnauthorized,
	})
	if err != nil {
		return nil, err
	}
	cloud := keystore.NewCloudStore(manager, keystore.WithCloudLogger(log))

	local, err := openLocal(config, log)
	if err != nil {
		cloud.Close()
		manager.Close()
		return nil, err
	}
	store, err := keystore.NewSyncStore(keystore.SyncStoreConfig{
		Identity:  config.Identity,
		Namespace: config.Namespace,
		Local:     local,
		Cloud:     cloud,
		Executor:  newExecutor(),
		Logger:    log,
	})
	if err != nil {
		cloud.Close()
		manager.Close()
		local.Close()
		return nil, err
	}
	return &client{store: store, cloud: cloud, manager: manager, local: local, logger: log, out: out}, nil
}

// withStore runs action against a freshly synchronized client.
func withStore(action func(*cli.Context, *client) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		config, err := loadClientConfig(c)
		if err != nil {
			return err
		}
		cl, err := newClient(config, c.App.Writer)
		if err != nil {
			return err
		}
		defer cl.Close()
		if _, err := cl.store.Sync(context.Background()); err != nil {
			return errors.Wrap(err, "sync failed")
		}
		return action(c, cl)
	}
}

func keygen(c *cli.Context) error {
	out := c.String("out")
	if out == "" {
		return errors.New("--out is required")
	}
	key, err := encryption.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := encryption.SaveKeyPair(key, out); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Wrote key %s to %s and %s.pub\n", key.Public(), out, out)
	return nil
}

// parseMeta parses key=value pairs.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("invalid metadata %q, expected key=value", pair)
		}
		meta[k] = v
	}
	return meta, nil
}

// readEntry returns the entry name, data, and metadata from the command line.
func readEntry(c *cli.Context) (string, []byte, map[string]string, error) {
	name := c.Args().First()
	if name == "" {
		return "", nil, nil, errors.New("entry name is required")
	}
	var data []byte
	switch {
	case c.IsSet("data") && c.IsSet("file"):
		return "", nil, nil, errors.New("--data and --file are exclusive")
	case c.IsSet("file"):
		var err error
		if data, err = os.ReadFile(c.String("file")); err != nil {
			return "", nil, nil, err
		}
	default:
		data = []byte(c.String("data"))
	}
	meta, err := parseMeta(c.StringSlice("meta"))
	return name, data, meta, err
}

func storeEntry(c *cli.Context, cl *client) error {
	name, data, meta, err := readEntry(c)
	if err != nil {
		return err
	}
	e, err := cl.store.StoreEntry(context.Background(), name, data, meta)
	if err != nil {
		return err
	}
	printEntries(cl.out, e)
	return nil
}

func updateEntry(c *cli.Context, cl *client) error {
	name, data, meta, err := readEntry(c)
	if err != nil {
		return err
	}
	e, err := cl.store.UpdateEntry(context.Background(), name, data, meta)
	if err != nil {
		return err
	}
	printEntries(cl.out, e)
	return nil
}

func getEntry(c *cli.Context, cl *client) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("entry name is required")
	}
	e, err := cl.store.RetrieveEntry(name)
	if err != nil {
		return err
	}
	printEntries(cl.out, e)
	fmt.Fprintf(cl.out, "%s\n", e.Data)
	return nil
}

func listEntries(c *cli.Context, cl *client) error {
	entries, err := cl.store.RetrieveAllEntries()
	if err != nil {
		return err
	}
	printEntries(cl.out, entries...)
	return nil
}

func deleteEntries(c *cli.Context, cl *client) error {
	names := []string(c.Args())
	if len(names) == 0 {
		return errors.New("at least one entry name is required")
	}
	if err := cl.store.DeleteEntries(context.Background(), names); err != nil {
		return err
	}
	fmt.Fprintf(cl.out, "Deleted %s\n", strings.Join(names, ", "))
	return nil
}

func resetEntries(c *cli.Context, cl *client) error {
	if err := cl.store.DeleteAllEntries(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(cl.out, "Deleted all entries")
	return nil
}

func syncEntries(c *cli.Context, cl *client) error {
	// withStore already synchronized.
	entries, err := cl.store.RetrieveAllEntries()
	if err != nil {
		return err
	}
	fmt.Fprintf(cl.out, "Synchronized %d entries\n", len(entries))
	return nil
}

func rotateKeys(c *cli.Context, cl *client) error {
	var (
		pubs []*encryption.PublicKey
		priv *encryption.PrivateKey
		err  error
	)
	if files := c.StringSlice("public"); len(files) > 0 {
		if pubs, err = loadPublicKeys(files); err != nil {
			return err
		}
	}
	if file := c.String("private"); file != "" {
		if priv, err = encryption.LoadPrivateKey(file); err != nil {
			return err
		}
	}
	if err := cl.store.UpdateRecipients(context.Background(), pubs, priv); err != nil {
		return err
	}
	fmt.Fprintf(cl.out, "Rotated keys, %d recipients\n", len(cl.manager.PublicKeys()))
	return nil
}

func printEntries(w io.Writer, entries ...keystore.CloudEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tCREATED\tMODIFIED\tMETA")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Name, humanize.Bytes(uint64(len(e.Data))),
			e.CreationDate.Format(time.RFC3339), humanize.Time(e.ModificationDate), formatMeta(e.Meta))
	}
	tw.Flush()
}

func formatMeta(meta map[string]string) string {
	pairs := make([]string, 0, len(meta))
	for k, v := range meta {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
