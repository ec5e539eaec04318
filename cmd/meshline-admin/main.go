// Command meshline-admin is the maintenance CLI: read-only durable-state
// inspection commands an operator runs against a stopped or live
// deployment's database, mirroring the teacher's cmd/dendrite-upgrade-tests
// and roomserver debug tooling in spirit (a thin cobra wrapper directly
// over storage.Database) rather than talking to a running process over RPC,
// since no admin HTTP/RPC surface is in this module's scope.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshline-im/meshline/config"
	"github.com/meshline-im/meshline/roomserver/storage"
	"github.com/meshline-im/meshline/roomserver/storage/postgres"
	"github.com/meshline-im/meshline/roomserver/storage/sqlite"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{Use: "meshline-admin"}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "meshline.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(keysCmd(&configPath))
	rootCmd.AddCommand(roomCmd(&configPath))
	rootCmd.AddCommand(membershipCmd(&configPath))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB(configPath string) (storage.Database, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	switch cfg.Database.Backend {
	case "postgres":
		return postgres.Open(ctx, cfg.Database.ConnectionString)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Database.ConnectionString)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

func keysCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "inspect the durable server signing key cache"}

	list := &cobra.Command{
		Use:   "show [server]",
		Short: "print the key ids of the cached signing keys for server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			keys, err := db.KeyBackend().StoredKeys(context.Background(), args[0])
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Printf("no cached keys for %s\n", args[0])
				return nil
			}
			for keyID := range keys {
				fmt.Println(keyID)
			}
			return nil
		},
	}
	cmd.AddCommand(list)
	return cmd
}

func roomCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "room", Short: "inspect room metadata"}

	info := &cobra.Command{
		Use:   "info [room-id]",
		Short: "print a room's version, forward extremities, and current state hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			roomInfo, err := db.RoomInfo(ctx, args[0])
			if err != nil {
				return err
			}
			if roomInfo == nil {
				fmt.Printf("no such room: %s\n", args[0])
				return nil
			}
			extremities, err := db.ForwardExtremities(ctx, args[0])
			if err != nil {
				return err
			}
			hash, ok, err := db.CurrentStateHash(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("room_version: %s\n", roomInfo.RoomVersion)
			fmt.Printf("federation_disabled: %v\n", roomInfo.FederationDisabled)
			fmt.Printf("forward_extremities: %v\n", extremities)
			if ok {
				fmt.Printf("current_state_hash: %d\n", hash)
			} else {
				fmt.Println("current_state_hash: (none)")
			}
			return nil
		},
	}
	cmd.AddCommand(info)
	return cmd
}

func membershipCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "membership", Short: "inspect the durable membership index"}

	members := &cobra.Command{
		Use:   "members [room-id]",
		Short: "list currently-joined members of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			users, err := db.MembershipBackend().RoomMembers(args[0])
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Println(u)
			}
			return nil
		},
	}
	servers := &cobra.Command{
		Use:   "servers [room-id]",
		Short: "list servers with at least one joined member in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			names, err := db.MembershipBackend().RoomServers(args[0])
			if err != nil {
				return err
			}
			for _, s := range names {
				fmt.Println(s)
			}
			return nil
		},
	}
	cmd.AddCommand(members, servers)
	return cmd
}
