// busd is the tag bus server daemon. It serves the tag bus on a TCP
// address (loopback by default) and exports prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/mscada/tagbus/bus"
	"github.com/mscada/tagbus/wire"
)

var (
	addr = flag.String("addr", fmt.Sprintf("127.0.0.1:%d", wire.DefaultPort),
		"Address to serve the tag bus on")

	mainCtx, mainCancel = context.WithCancel(context.Background())
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	defer mainCancel()

	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-c:
			mainCancel()
		case <-mainCtx.Done():
		}
	}()

	srv := bus.NewServer(*addr)
	rtx.Must(srv.Listen(), "Could not listen on %s", *addr)
	log.Printf("tag bus serving on %s", srv.Addr())

	if err := srv.Serve(mainCtx); err != nil && err != context.Canceled {
		log.Printf("bus server failed: %v", err)
		os.Exit(1)
	}
}
