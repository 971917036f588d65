// utpnode — demo node for the μTP content transport.
//
// Two nodes exchange one content payload over plain UDP (standing in for the
// discv5 session layer): the receiver accepts a transfer on a fixed
// connection id and stores the result; the sender streams a file to it.
//
//	utpnode -role recv -listen 127.0.0.1:9001 -remote 127.0.0.1:9000 -id 17 -out ./content.bin
//	utpnode -role send -listen 127.0.0.1:9000 -remote 127.0.0.1:9001 -id 17 -file ./content.bin
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/onbjerg/ultralight/internal/config"
	"github.com/onbjerg/ultralight/internal/session"
	"github.com/onbjerg/ultralight/internal/storage"
	"github.com/onbjerg/ultralight/internal/util"
	"github.com/onbjerg/ultralight/internal/utp"
)

func main() {
	role := flag.String("role", "", "send or recv")
	listen := flag.String("listen", "127.0.0.1:9000", "local UDP listen address")
	remote := flag.String("remote", "", "peer UDP address")
	connID := flag.Uint("id", 17, "negotiated connection id")
	file := flag.String("file", "", "send: file to stream")
	out := flag.String("out", "", "recv: file to write the received content to")
	flag.Parse()

	if *remote == "" || (*role != "send" && *role != "recv") {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	sess, err := session.ListenUDP(ctx, *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	mux := utp.NewMux(ctx, sess)
	util.StartStatsReporter(ctx)
	util.LogInfo("node up on %s, peer %s", sess.LocalAddr(), *remote)

	switch *role {
	case "send":
		err = runSend(*file, mux, *remote, uint16(*connID))
	case "recv":
		err = runRecv(ctx, cfg, *out, mux, *remote, uint16(*connID))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runSend(file string, mux *utp.Mux, remote string, connID uint16) error {
	if file == "" {
		return fmt.Errorf("send requires -file")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	sock, err := mux.CreateWriterWithID(remote, connID, data)
	if err != nil {
		return err
	}
	util.LogInfo("streaming %d bytes to %s on id %d", len(data), remote, connID)

	<-sock.Done()
	_, err = sock.Result()
	return err
}

func runRecv(ctx context.Context, cfg *config.Config, out string, mux *utp.Mux, remote string, connID uint16) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	sock, err := mux.CreateReader(remote, connID)
	if err != nil {
		return err
	}
	util.LogInfo("accepting transfer from %s on id %d", remote, connID)

	<-sock.Done()
	data, err := sock.Result()
	if err != nil {
		return err
	}

	if err := store.Put(ctx, "demo", []byte(out), data); err != nil {
		return err
	}
	if out != "" {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
	}
	util.LogInfo("received %d bytes", len(data))
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreType {
	case config.StoreRedis:
		return storage.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return storage.NewMemoryStore(), nil
	}
}
