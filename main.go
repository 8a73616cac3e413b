package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli"

	"github.com/vaultsync-io/vaultsync/keystore"
	"github.com/vaultsync-io/vaultsync/logger"
	"github.com/vaultsync-io/vaultsync/server"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "vaultsync"
	app.Usage = "Keep local secrets in sync with an encrypted cloud vault"
	app.Version = server.Version
	app.Flags = getFlags()
	app.Commands = getCommands()
	return app
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "load configuration from `FILE`",
			EnvVar: "VAULTSYNC_CONFIG",
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
		},
		cli.StringFlag{
			Name:   "identity, i",
			Usage:  "identity the vault belongs to",
			EnvVar: "VAULTSYNC_IDENTITY",
		},
		cli.StringFlag{
			Name:   "url, u",
			Usage:  "vault server `URL`",
			EnvVar: "VAULTSYNC_URL",
		},
	}
}

func getCommands() []cli.Command {
	dataFlags := []cli.Flag{
		cli.StringFlag{Name: "data, d", Usage: "entry data"},
		cli.StringFlag{Name: "file, f", Usage: "read entry data from `FILE`"},
		cli.StringSliceFlag{Name: "meta, m", Usage: "entry metadata as key=value, repeatable"},
	}
	return []cli.Command{
		{
			Name:  "serve",
			Usage: "run the vault server",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "port, p", Usage: "port to bind to"},
				cli.StringFlag{Name: "data-dir, d", Usage: "store blobs in `DIR`"},
				cli.BoolFlag{Name: "inmemory", Usage: "keep blobs in memory only"},
			},
			Action: serve,
		},
		{
			Name:      "keygen",
			Usage:     "generate a key pair",
			ArgsUsage: " ",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out, o", Usage: "write the private key to `FILE` and the public key to FILE.pub"},
			},
			Action: keygen,
		},
		{
			Name:      "store",
			Usage:     "store a new entry",
			ArgsUsage: "NAME",
			Flags:     dataFlags,
			Action:    withStore(storeEntry),
		},
		{
			Name:      "get",
			Usage:     "print an entry",
			ArgsUsage: "NAME",
			Action:    withStore(getEntry),
		},
		{
			Name:   "list",
			Usage:  "list all entries",
			Action: withStore(listEntries),
		},
		{
			Name:      "update",
			Usage:     "replace the data and metadata of an entry",
			ArgsUsage: "NAME",
			Flags:     dataFlags,
			Action:    withStore(updateEntry),
		},
		{
			Name:      "delete",
			Usage:     "delete entries",
			ArgsUsage: "NAME...",
			Action:    withStore(deleteEntries),
		},
		{
			Name:   "reset",
			Usage:  "delete all entries",
			Action: withStore(resetEntries),
		},
		{
			Name:   "sync",
			Usage:  "synchronize the local vault with the cloud",
			Action: withStore(syncEntries),
		},
		{
			Name:  "rotate",
			Usage: "re-encrypt the vault for a new set of keys",
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "public", Usage: "new recipient public key `FILE`, repeatable"},
				cli.StringFlag{Name: "private", Usage: "new private key `FILE`"},
			},
			Action: withStore(rotateKeys),
		},
	}
}

func serve(c *cli.Context) error {
	config, err := server.NewConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if level := c.GlobalString("level"); level != "" {
		if config.LogLevel, err = logger.GetLogLevel(level); err != nil {
			return err
		}
	}
	if c.IsSet("port") {
		config.Port = c.Int("port")
	}
	if c.IsSet("data-dir") {
		config.DataDir = c.String("data-dir")
	}
	if c.Bool("inmemory") {
		config.InMemory = true
	}
	if config.TokenSecret == "" {
		config.TokenSecret = os.Getenv(tokenSecretEnv)
	}

	s, err := server.New(config)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	runtime.Goexit()
	return nil
}

// loadClientConfig reads the client config and applies global flag
// overrides.
func loadClientConfig(c *cli.Context) (*keystore.Config, error) {
	config, err := keystore.NewConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if level := c.GlobalString("level"); level != "" {
		if config.LogLevel, err = logger.GetLogLevel(level); err != nil {
			return nil, err
		}
	}
	if id := c.GlobalString("identity"); id != "" {
		config.Identity = id
	}
	if url := c.GlobalString("url"); url != "" {
		config.VaultURL = url
	}
	if config.TokenSecret == "" {
		config.TokenSecret = os.Getenv(tokenSecretEnv)
	}
	return config, config.Validate()
}
