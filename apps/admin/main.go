package main

import (
	"log"
	"os"

	dig_container "github.com/trezcool/nexlearn/apps/api/di/dig"
	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/clientlog"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/syncqueue"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	var code int
	errAndDie(dig_container.New().Invoke(func(
		dbs *dig_container.Databases,
		kv core.KVStore,
		queue *syncqueue.SyncQueue,
		errBuf *clientlog.Buffer,
		certs *certificate.Service,
		accounts *profile.Accounts,
	) {
		defer func() {
			if err := dbs.Close(); err != nil {
				logger.Printf("closing databases: %s\n", err)
			}
		}()

		if err := profile.LoadCommonPasswords(); err != nil {
			logger.Printf("loading common passwords: %s\n", err)
			code = 1
			return
		}

		// start CLI
		cli := commandLine{
			db:       dbs.Local,
			kv:       kv,
			queue:    queue,
			errBuf:   errBuf,
			certs:    certs,
			accounts: accounts,
			out:      os.Stdout,
		}
		if err := cli.run(os.Args); err != nil {
			if err != errHelp {
				logger.Printf("\nerror: %s\n", err)
			}
			code = 1
		}
	}))
	os.Exit(code)
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
