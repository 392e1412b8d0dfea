package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/nexlearn/apps/api/echo"
	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/catalog"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/clientlog"
	"github.com/trezcool/nexlearn/core/learning"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/remote"
	"github.com/trezcool/nexlearn/core/syncqueue"
	"github.com/trezcool/nexlearn/services/email"
	"github.com/trezcool/nexlearn/storage/database/inmem"
	"github.com/trezcool/nexlearn/tests"
)

var (
	t0         = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	errOffline = errors.New("network unreachable")

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errSessionEnded = httpErr{Error: "session ended, please log in again"}

	adaAccount = profile.NewAccount{
		Name:            "Ada Lovelace",
		Email:           "ada@example.com",
		Password:        "Str0ng!Pass#42",
		PasswordConfirm: "Str0ng!Pass#42",
	}
)

type testApp struct {
	server    *Server
	conf      *core.Config
	bus       *core.EventBus
	kv        core.KVStore
	store     *profile.Store
	accounts  *profile.Accounts
	remote    *remote.MemoryService
	queue     *syncqueue.SyncQueue
	scheduler *syncqueue.Scheduler
	errBuf    *clientlog.Buffer
	certs     *certificate.Service
	catalog   *catalog.Catalog
	clock     *testutil.Clock
}

// setup builds the app over an in-memory storage, unless a KV store is given.
func setup(t *testing.T, kvs ...core.KVStore) *testApp {
	t.Helper()
	emailsvc.ResetSentMessages()

	conf := core.NewTestConfig()
	logger := testutil.NewLogger()
	bus := core.NewEventBus()
	var kv core.KVStore = inmemdb.NewKVStore()
	if len(kvs) > 0 {
		kv = kvs[0]
	}

	require.NoError(t, profile.LoadCommonPasswords())
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	profile.InitValidators(validate, translator)

	cat, err := catalog.Load()
	require.NoError(t, err)

	app := &testApp{
		conf:    conf,
		bus:     bus,
		kv:      kv,
		remote:  remote.NewMemoryService(),
		catalog: cat,
		clock:   testutil.NewClock(t0),
	}
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	client := remote.NewClient(app.remote)

	app.store = profile.NewStore(kv, bus, logger)
	app.accounts = profile.NewAccounts(kv, app.store, validate, mailSvc, conf, logger)
	app.queue = syncqueue.New(kv, client, bus, logger, syncqueue.WithClock(app.clock.Now))
	app.errBuf = clientlog.NewBuffer(kv, app.remote, clientlog.WithClock(app.clock.Now))
	app.scheduler = syncqueue.NewScheduler(app.queue, conf.Sync.Interval, bus, logger)
	app.scheduler.AddFlusher("client errors", app.errBuf, conf.Sync.ErrorFlushInterval)
	app.certs = certificate.NewService(kv, app.remote, mailSvc, bus, conf, logger)

	learn := learning.NewService(app.store, kv, app.queue, client, cat, app.certs, bus, logger)
	learn.SetClock(app.clock.Now)
	unsub := learning.NewFailureMailer(app.store, mailSvc, logger).Subscribe(bus)

	app.server = NewServer(ServerDeps{
		Conf:           conf,
		Logger:         logger,
		Bus:            bus,
		Store:          app.store,
		Accounts:       app.accounts,
		Learning:       learn,
		Catalog:        cat,
		Certificates:   app.certs,
		Queue:          app.queue,
		Scheduler:      app.scheduler,
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
	})
	t.Cleanup(func() {
		unsub()
		_ = app.server.Shutdown(context.Background())
	})
	return app
}

// signIn registers Ada (signing her in) and returns her profile and a token.
func (app *testApp) signIn(t *testing.T) (profile.Profile, string) {
	t.Helper()
	p, err := app.accounts.Register(context.Background(), adaAccount)
	require.NoError(t, err)
	return p, getToken(t, app.conf, p)
}

// promote makes the signed-in learner an admin and returns a fresh token.
func (app *testApp) promote(t *testing.T) (profile.Profile, string) {
	t.Helper()
	p, ok := app.store.Update(func(p *profile.Profile) { p.Role = profile.RoleAdmin })
	require.True(t, ok)
	return p, getToken(t, app.conf, p)
}

func (app *testApp) do(req *http.Request, rec *httptest.ResponseRecorder) {
	app.server.ServeHTTP(rec, req)
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func getToken(t *testing.T, conf *core.Config, p profile.Profile) string {
	t.Helper()
	token, err := GenerateToken(conf, GetProfileClaims(conf, p))
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func unmarshall(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("unmarshall(%s) failed: %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, tt.wantCode, rec.Code, "body: %s", rec.Body.String())
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, app *testApp, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
			app.do(req, rec)
			checkCodeAndData(t, tt, rec)
		})
	}
}
