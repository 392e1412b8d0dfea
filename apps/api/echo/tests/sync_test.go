package tests

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/nexlearn/core/clientlog"
	"github.com/trezcool/nexlearn/core/syncqueue"
	"github.com/trezcool/nexlearn/services/email"
)

func Test_syncApi_status(t *testing.T) {
	app := setup(t)
	_, token := app.signIn(t)

	tests := []httpTest{
		{name: "auth required", path: "/v1/sync/status", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{
			name: "online required", method: http.MethodPut, path: "/v1/sync/online", token: token, body: []byte(`{}`),
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"online": "this field is required"}),
		},
	}
	runHTTPTests(t, app, tests)

	status := func(method string, body ...[]byte) syncqueue.Status {
		path := "/v1/sync/status"
		if method == http.MethodPut {
			path = "/v1/sync/online"
		}
		req, rec := newAuthRequest(method, path, token, body...)
		app.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var st syncqueue.Status
		unmarshall(t, rec, &st)
		return st
	}

	st := status(http.MethodGet)
	assert.True(t, st.Online)
	assert.False(t, st.Running)
	assert.Zero(t, st.Pending)

	st = status(http.MethodPut, []byte(`{"online": false}`))
	assert.False(t, st.Online)
	assert.False(t, app.scheduler.Status().Online)

	st = status(http.MethodPut, []byte(`{"online": true}`))
	assert.True(t, st.Online)
}

func Test_syncApi_online_flushesErrors(t *testing.T) {
	app := setup(t)
	_, token := app.signIn(t)

	app.scheduler.Start(context.Background())
	defer app.scheduler.Stop()

	app.errBuf.Add(clientlog.LevelError, "saving progress failed", "", map[string]interface{}{"course_id": "eh-fund"})
	require.Equal(t, 1, app.errBuf.Len())

	for _, online := range []string{`{"online": false}`, `{"online": true}`} {
		req, rec := newAuthRequest(http.MethodPut, "/v1/sync/online", token, []byte(online))
		app.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	assert.Eventually(t, func() bool { return app.errBuf.Len() == 0 }, time.Second, 5*time.Millisecond)
	rows := app.remote.ClientErrors()
	require.Len(t, rows, 1)
	assert.Equal(t, "saving progress failed", rows[0].Message)
	assert.Equal(t, "error", rows[0].Level)
	assert.JSONEq(t, `{"course_id":"eh-fund"}`, rows[0].Context.String)
}

func Test_syncApi_drain(t *testing.T) {
	app := setup(t)
	_, token := app.signIn(t)

	app.remote.Fail(errOffline)
	req, rec := newAuthRequest(http.MethodPost, "/v1/courses/eh-fund/enroll", token)
	app.do(req, rec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, app.queue.Size())

	runHTTPTests(t, app, []httpTest{
		{
			name: "still offline", method: http.MethodPost, path: "/v1/sync/drain", token: token,
			wantCode: http.StatusOK, wantData: marshallObj(t, syncqueue.DrainResult{Attempted: 1, Retrying: 1, Remaining: 1}),
		},
		{
			name: "not yet due", method: http.MethodPost, path: "/v1/sync/drain", token: token,
			wantCode: http.StatusOK, wantData: marshallObj(t, syncqueue.DrainResult{Remaining: 1}),
		},
	})

	app.remote.Fail(nil)
	app.clock.Advance(app.queue.Backoff(1))

	req, rec = newAuthRequest(http.MethodPost, "/v1/sync/drain", token)
	app.do(req, rec)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusOK,
		wantData: marshallObj(t, syncqueue.DrainResult{Attempted: 1, Delivered: 1}),
	}, rec)
	assert.Zero(t, app.queue.Size())
	assert.Equal(t, 3, app.remote.Calls("UpsertEnrollment"))
	assert.NotZero(t, app.scheduler.Status().LastDrainAt)
}

func Test_syncApi_drain_permanentFailure(t *testing.T) {
	app := setup(t)
	_, token := app.signIn(t)

	app.remote.Fail(errOffline)
	req, rec := newAuthRequest(http.MethodPost, "/v1/courses/eh-fund/enroll", token)
	app.do(req, rec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res syncqueue.DrainResult
	for i := 1; i <= app.queue.MaxAttempts(); i++ {
		req, rec := newAuthRequest(http.MethodPost, "/v1/sync/drain", token)
		app.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		unmarshall(t, rec, &res)
		app.clock.Advance(app.queue.Backoff(i))
	}
	assert.Equal(t, syncqueue.DrainResult{Attempted: 1, Dropped: 1}, res)
	assert.Zero(t, app.queue.Size())

	sent := emailsvc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sync_failed", sent[0].TemplateName)
	assert.Equal(t, "ada@example.com", sent[0].To[0].Address)
}

func Test_syncApi_queue(t *testing.T) {
	app := setup(t)
	_, token := app.signIn(t)

	app.remote.Fail(errOffline)
	req, rec := newAuthRequest(http.MethodPost, "/v1/courses/eh-fund/enroll", token)
	app.do(req, rec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	runHTTPTests(t, app, []httpTest{
		{
			name: "admin required", path: "/v1/sync/queue", token: token,
			wantCode: http.StatusForbidden, wantData: marshallObj(t, httpErr{Error: "permission denied"}),
		},
	})

	_, adminToken := app.promote(t)
	req, rec = newAuthRequest(http.MethodGet, "/v1/sync/queue", adminToken)
	app.do(req, rec)
	checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marshallObj(t, app.queue.List())}, rec)
}
