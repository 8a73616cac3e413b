package server

// Version of the vaultsync server.
// This variable can be overridden at build time using:
//
//	go build -ldflags "-X github.com/vaultsync-io/vaultsync/server.Version=v1.0.0"
var Version = "dev"
