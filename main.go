package main

import (
	"log"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/activitypub"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/db"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/delivery"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/web"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/webmention"
)

func main() {
	log.Println("Starting", util.GetNameAndVersion())

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalf("Could not read config: %v", err)
	}

	database := db.GetDB()

	protocol.Register(activitypub.New(conf))
	protocol.Register(webmention.New(conf))

	deliverer := delivery.New(database, conf)
	if conf.Conf.WithWorker {
		delivery.StartWorker(deliverer)
	}

	server := web.NewServer(conf, database)
	if err := server.Router(); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
