package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"
	"github.com/deemkeen/fedbridge/activitypub"
	"github.com/deemkeen/fedbridge/atproto"
	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/federation"
	"github.com/deemkeen/fedbridge/middleware"
	"github.com/deemkeen/fedbridge/protocol"
	"github.com/deemkeen/fedbridge/util"
	"github.com/deemkeen/fedbridge/web"
	"github.com/deemkeen/fedbridge/webproto"
	gossh "golang.org/x/crypto/ssh"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	log.Println("Opening entity store...")
	database, err := db.Open(util.ResolveFilePath("bridge.db"))
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()

	keys := util.GeneratePemKeypair()

	cache := protocol.NewObjectCache(conf.Conf.CacheSize,
		time.Duration(conf.Conf.CacheTtlSecs)*time.Second)
	reg := protocol.NewRegistry(database, cache, conf.Conf.Domain)

	ap := activitypub.New(conf, keys)
	at := atproto.New(conf)
	wp := webproto.New(conf)

	// registration order is probe order: static at:// ids first, then
	// ActivityPub conneg, plain web last as the catch-all
	if err := reg.Register(at, "bsky"); err != nil {
		log.Fatalln(err)
	}
	if err := reg.Register(ap, "ap"); err != nil {
		log.Fatalln(err)
	}
	if err := reg.Register(wp); err != nil {
		log.Fatalln(err)
	}

	pipeline := federation.NewPipeline(database, reg, nil)

	done := make(chan struct{})
	defer close(done)
	federation.NewWorker(database, pipeline, reg, conf).Start(done)

	go func() {
		if err := web.Router(conf, database, reg, ap); err != nil {
			log.Fatalln(err)
		}
	}()

	if conf.Conf.WithAdmin {
		s, err := wish.NewServer(
			wish.WithAddress(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.SshPort)),
			wish.WithHostKeyPath(util.ResolveFilePathWithSubdir(".ssh", "hostkey")),
			wish.WithPublicKeyAuth(publicKeyHandler),
			wish.WithMiddleware(
				middleware.MainTui(database),
				logging.Middleware(), // last middleware executed first
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
		startServing(s, conf)
		return
	}

	waitForSignal()
}

func startServing(s *ssh.Server, conf *util.AppConfig) {
	log.Printf("Starting SSH server on %s:%d", conf.Conf.Host, conf.Conf.SshPort)
	go func() {
		if err := s.ListenAndServe(); err != nil {
			log.Fatalln(err)
		}
	}()

	waitForSignal()

	log.Println("Stopping SSH server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Fatalln(err)
	}
}

func waitForSignal() {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
}

func publicKeyHandler(ctx ssh.Context, key ssh.PublicKey) bool {
	log.Printf("%s connected with key %s", ctx.User(), gossh.FingerprintSHA256(key))
	return true
}
