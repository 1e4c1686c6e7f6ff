// Command logview serves the metrics of a logs folder as JSON.
package main

import (
	"net/http"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/tsawler/go-unet/config"
	"github.com/tsawler/go-unet/summary"
)

func main() {
	args := struct {
		Logs string `arg:"--logs" default:"./logs" help:"folder written by train"`
		Addr string `arg:"--addr" default:"127.0.0.1:8080" help:"listen address"`
	}{}
	arg.MustParse(&args)

	log := config.NewLogger()
	defer log.Sync()

	store, err := summary.OpenStoreReadOnly(filepath.Join(args.Logs, summary.DatabaseName))
	if err != nil {
		log.Fatal("failed to open metrics", zap.Error(err))
	}
	defer store.Close()

	log.Info("serving metrics", zap.String("addr", args.Addr), zap.String("logs", args.Logs))
	if err := http.ListenAndServe(args.Addr, summary.NewRouter(store, args.Logs, log)); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
