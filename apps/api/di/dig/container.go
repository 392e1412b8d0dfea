package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/nexlearn/apps/api/echo"
	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/catalog"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/clientlog"
	"github.com/trezcool/nexlearn/core/learning"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/remote"
	"github.com/trezcool/nexlearn/core/syncqueue"
	emailsvc "github.com/trezcool/nexlearn/services/email"
	logsvc "github.com/trezcool/nexlearn/services/logger"
	"github.com/trezcool/nexlearn/services/supabase"
	"github.com/trezcool/nexlearn/storage/database"
	inmemdb "github.com/trezcool/nexlearn/storage/database/inmem"
	"github.com/trezcool/nexlearn/storage/database/sqlxrepos"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

// Databases holds the databases opened by the container.
type Databases struct {
	Local  *sqlx.DB // nil with the in-memory storage
	Remote *sqlx.DB // nil unless the remote transport is postgres
}

func (dbs *Databases) Close() error {
	var errs []error
	for _, db := range []*sqlx.DB{dbs.Local, dbs.Remote} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("closing databases: %v", errs)
	}
	return nil
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newDatabases(conf *core.Config, loggerParam DBLoggerParam) *Databases {
	dbs := new(Databases)
	setUp := func() error {
		var err error
		if conf.Storage.Engine == "sqlite" {
			if dbs.Local, err = database.Open(conf); err != nil {
				return err
			}
			if err = database.Migrate(dbs.Local); err != nil {
				return err
			}
		}
		if conf.Remote.Transport == "postgres" {
			if dbs.Remote, err = database.OpenRemote(conf); err != nil {
				return err
			}
			if err = database.Migrate(dbs.Remote); err != nil {
				return err
			}
		}
		return nil
	}

	if err := setUp(); err != nil {
		_ = dbs.Close()
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up databases: %v", err), err)
	}
	return dbs
}

func newKVStore(dbs *Databases) core.KVStore {
	if dbs.Local == nil {
		return inmemdb.NewKVStore()
	}
	return sqlxrepos.NewKVRepository(dbs.Local)
}

func newDataService(conf *core.Config, dbs *Databases, kv core.KVStore, logger core.Logger) remote.DataService {
	switch conf.Remote.Transport {
	case "postgres":
		return sqlxrepos.NewRemoteRepository(dbs.Remote)
	case "memory":
		return remote.NewMemoryService()
	}

	client := supabase.NewClient(conf, logger)
	token, err := kv.Get(context.Background(), supabase.AccessTokenKey)
	switch {
	case err == nil:
		client.SetAccessToken(token)
	case err != core.ErrKeyNotFound:
		logger.Warn(fmt.Sprintf("reading access token: %v", err), err)
	}
	return client
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug || conf.SendgridApiKey == "" {
		return emailsvc.NewConsoleService(conf)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	profile.InitValidators(validate, translator)
	return validate, translator
}

func newSyncQueue(conf *core.Config, kv core.KVStore, client *remote.Client, bus *core.EventBus, logger core.Logger) *syncqueue.SyncQueue {
	return syncqueue.New(
		kv, client, bus, logger,
		syncqueue.WithMaxAttempts(conf.Sync.MaxAttempts),
		syncqueue.WithBaseDelay(conf.Sync.BaseDelay),
	)
}

// newErrorBuffer also makes the logger's warnings and errors feed the buffer.
func newErrorBuffer(kv core.KVStore, svc remote.DataService, logger core.Logger) *clientlog.Buffer {
	buf := clientlog.NewBuffer(kv, svc)
	if rl, ok := logger.(*logsvc.RollbarLogger); ok {
		rl.RecordTo(buf)
	}
	return buf
}

func newScheduler(
	conf *core.Config,
	queue *syncqueue.SyncQueue,
	errBuf *clientlog.Buffer,
	bus *core.EventBus,
	logger core.Logger,
) *syncqueue.Scheduler {
	sched := syncqueue.NewScheduler(queue, conf.Sync.Interval, bus, logger)
	sched.AddFlusher("client errors", errBuf, conf.Sync.ErrorFlushInterval)
	return sched
}

type serverParams struct {
	dig.In

	Conf         *core.Config
	Logger       core.Logger
	Bus          *core.EventBus
	Store        *profile.Store
	Accounts     *profile.Accounts
	Learning     *learning.Service
	Catalog      *catalog.Catalog
	Certificates *certificate.Service
	Queue        *syncqueue.SyncQueue
	Scheduler    *syncqueue.Scheduler
	Validate     *validator.Validate
	Translator   ut.Translator
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(echoapi.ServerDeps{
		Conf:         p.Conf,
		Logger:       p.Logger,
		Bus:          p.Bus,
		Store:        p.Store,
		Accounts:     p.Accounts,
		Learning:     p.Learning,
		Catalog:      p.Catalog,
		Certificates: p.Certificates,
		Queue:        p.Queue,
		Scheduler:    p.Scheduler,
		Validate:     p.Validate,
		Translator:   p.Translator,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDatabases))
	must(c.Provide(newKVStore))
	must(c.Provide(newDataService))
	must(c.Provide(remote.NewClient))
	must(c.Provide(newEmailService))
	must(c.Provide(newValidator))
	must(c.Provide(core.NewEventBus))
	must(c.Provide(profile.NewStore))
	must(c.Provide(profile.NewAccounts))
	must(c.Provide(catalog.Load))
	must(c.Provide(certificate.NewService))
	must(c.Provide(newErrorBuffer))
	must(c.Provide(newSyncQueue))
	must(c.Provide(newScheduler))
	must(c.Provide(learning.NewService))
	must(c.Provide(learning.NewFailureMailer))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
