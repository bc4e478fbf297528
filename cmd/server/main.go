package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/identity-index/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug         bool `help:"Enable debug mode."`
		Version       kong.VersionFlag
		Serve         commands.ServeCmd         `cmd:"" help:"Start the identity search API server"`
		Reindex       commands.ReindexCmd       `cmd:"" help:"Rebuild the search index from the system of record"`
		UpdateAccount commands.UpdateAccountCmd `cmd:"" help:"Update account profile fields and mirror them into the search index"`
		DeleteAccount commands.DeleteAccountCmd `cmd:"" help:"Delete an account and remove it from the search index"`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
