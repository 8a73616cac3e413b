package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/tink/go/subtle/random"
	"github.com/urfave/cli"

	"github.com/vaultsync-io/vaultsync/bench/common"
	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/keystore"
	"github.com/vaultsync-io/vaultsync/localvault"
	"github.com/vaultsync-io/vaultsync/server"
	"github.com/vaultsync-io/vaultsync/token"
	"github.com/vaultsync-io/vaultsync/vault"
)

const benchIdentity = "bench"

func main() {
	app := cli.NewApp()
	app.Name = "vaultsync-bench"
	app.Usage = "Benchmark tool for vaultsync store and sync cycles"
	app.Version = server.Version
	app.Flags = getFlags()
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "url, u",
			Usage:  "vault server URL; an in-process server is started if empty",
			EnvVar: "VAULTSYNC_URL",
		},
		cli.StringFlag{
			Name:   "secret",
			Usage:  "token secret of the vault server at --url",
			EnvVar: "VAULTSYNC_TOKEN_SECRET",
		},
		cli.IntFlag{
			Name:  "entries, n",
			Usage: "Total number of entries to store",
			Value: 1000,
		},
		cli.IntFlag{
			Name:  "entry-size, es",
			Usage: "Size of each entry in bytes",
			Value: 256,
		},
		cli.IntFlag{
			Name:  "batch, b",
			Usage: "Number of entries stored per push",
			Value: 10,
		},
		cli.IntFlag{
			Name:  "syncs",
			Usage: "Number of syncs run by the reading device",
			Value: 10,
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "Output format: text, json",
			Value: "text",
		},
	}
}

// newDevice wires a SyncStore over an in-memory local vault.
func newDevice(url string, tokens token.Provider, key *encryption.PrivateKey) (*keystore.SyncStore, error) {
	manager, err := vault.NewManager(vault.ManagerConfig{
		Client:     vault.NewHTTPClient(url),
		Tokens:     tokens,
		PublicKeys: []*encryption.PublicKey{key.Public()},
		PrivateKey: key,
	})
	if err != nil {
		return nil, err
	}
	return keystore.NewSyncStore(keystore.SyncStoreConfig{
		Identity: benchIdentity,
		Local:    localvault.NewMemory(),
		Cloud:    keystore.NewCloudStore(manager),
	})
}

func run(c *cli.Context) error {
	numEntries := c.Int("entries")
	entrySize := c.Int("entry-size")
	batchSize := c.Int("batch")
	numSyncs := c.Int("syncs")
	if numEntries <= 0 || entrySize <= 0 {
		return fmt.Errorf("entries and entry-size must be > 0")
	}

	url, secret := c.String("url"), c.String("secret")
	if url == "" {
		config := server.NewDefaultConfig()
		config.Listen = server.HostPort{Host: "127.0.0.1", Port: 0}
		config.InMemory = true
		config.NoLog = true
		config.TokenSecret = hex.EncodeToString(random.GetRandomBytes(16))
		s, err := server.New(config)
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}
		defer s.Stop()
		url, secret = "http://"+s.Addr().String(), config.TokenSecret
	}
	issuer, err := server.NewTokenIssuer([]byte(secret))
	if err != nil {
		return err
	}
	tokens, err := token.NewCachingProvider(issuer.RenewFunc(benchIdentity, time.Hour))
	if err != nil {
		return err
	}
	key, err := encryption.GenerateKeyPair()
	if err != nil {
		return err
	}

	writer, err := newDevice(url, tokens, key)
	if err != nil {
		return err
	}
	defer writer.Close()
	reader, err := newDevice(url, tokens, key)
	if err != nil {
		return err
	}
	defer reader.Close()

	ctx := context.Background()
	if _, err := writer.Sync(ctx); err != nil {
		return err
	}
	if err := writer.DeleteAllEntries(ctx); err != nil {
		return fmt.Errorf("failed to reset vault: %w", err)
	}

	fmt.Printf("Pre-generating %d entries of %d bytes each...\n", numEntries, entrySize)
	batches := common.PreGenerateEntries(numEntries, entrySize, batchSize)

	fmt.Printf("Storing %d batches against %s...\n", len(batches), url)
	store := common.NewStats()
	store.Start()
	for _, batch := range batches {
		start := time.Now()
		if _, err := writer.StoreEntries(ctx, batch); err != nil {
			store.RecordError()
			continue
		}
		bytes := 0
		for _, e := range batch {
			bytes += len(e.Data)
		}
		store.Record(len(batch), bytes, time.Since(start))
	}
	store.Stop()

	fmt.Printf("Running %d syncs on a second device...\n", numSyncs)
	syncs := common.NewStats()
	syncs.Start()
	for i := 0; i < numSyncs; i++ {
		start := time.Now()
		res, err := reader.Sync(ctx)
		if err != nil {
			syncs.RecordError()
			continue
		}
		syncs.Record(res.Imported+res.Updated+res.Deleted, 0, time.Since(start))
	}
	syncs.Stop()

	if err := writer.DeleteAllEntries(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to clean up vault: %v\n", err)
	}
	return common.PrintResults(os.Stdout, c.String("output"),
		common.NewResult("Store", store), common.NewResult("Sync", syncs))
}
