package identd

import (
	"context"
	"log"
	"time"

	"code.dogecoin.org/governor"

	"github.com/ircmux/identd/internal/ident"
	"github.com/ircmux/identd/internal/spec"
	"github.com/ircmux/identd/internal/store"
	"github.com/ircmux/identd/internal/tracker"
	"github.com/ircmux/identd/internal/web"
)

type Config struct {
	IdentBind spec.Address // ident listener bind address (port 113 in production)
	WebBind   spec.Address // status/admin API bind address
	DBFile    string       // sqlite exchange log
}

// Identd assembles and runs the daemon until interrupted.
func Identd(cfg Config) error {
	// open the exchange log.
	db, err := store.NewSQLiteStore(cfg.DBFile, context.Background())
	if err != nil {
		log.Printf("Error opening database: %v [%s]\n", err, cfg.DBFile)
		return err
	}

	gov := governor.New().CatchSignals().Restart(1 * time.Second)

	// registry of outbound connections (driven via the web API).
	track := tracker.New()

	// the ident service: listens while at least one consumer is registered.
	identSvc := ident.New(cfg.IdentBind, track, db)
	gov.Add("ident", identSvc)

	// start the web server.
	gov.Add("web-api", web.New(cfg.WebBind, identSvc, track, db))

	// start the exchange log trimmer.
	gov.Add("log-trimmer", store.NewStoreTrimmer(db))

	// run services until interrupted.
	gov.Start()
	gov.WaitForShutdown()
	db.Close()
	log.Printf("finished.")
	return nil
}
