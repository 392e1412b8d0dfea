package certificate

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/remote"
	"github.com/trezcool/nexlearn/storage/database/inmem"
	"github.com/trezcool/nexlearn/tests"
)

type mailRecorder struct {
	mu   sync.Mutex
	msgs []*core.EmailMessage
}

func (m *mailRecorder) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, messages...)
}

type serviceFixture struct {
	svc    *Service
	kv     *inmemdb.KVStore
	remote *remote.MemoryService
	mails  *mailRecorder
	events *testutil.EventRecorder
	logger *testutil.Logger
}

func newTestService(t *testing.T) serviceFixture {
	t.Helper()
	f := serviceFixture{
		kv:     inmemdb.NewKVStore(),
		remote: remote.NewMemoryService(),
		mails:  &mailRecorder{},
		logger: testutil.NewLogger(),
	}
	bus := core.NewEventBus()
	f.events = testutil.RecordEvents(bus)
	f.svc = NewService(f.kv, f.remote, f.mails, bus, core.NewTestConfig(), f.logger)
	return f
}

var adaOptions = Options{
	Recipient: "Ada Lovelace",
	Title:     "Intro to Security",
	Type:      KindCourse,
	Issued:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	ID:        "c1",
}

func TestService_Issue(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	opts := adaOptions
	opts.Recipient = "  Ada Lovelace "
	opts.Email = "ada@example.com"
	rec, err := f.svc.Issue(ctx, opts)
	require.NoError(t, err)

	want := Record{
		ID:        "c1",
		Recipient: "Ada Lovelace",
		Title:     "Intro to Security",
		Type:      KindCourse,
		Issued:    "2024-01-01T00:00:00.000Z",
		Hash:      "16C562BE93C9",
		Strong:    true,
	}
	assert.Equal(t, want, rec)
	assert.Equal(t, []Record{want}, f.svc.List())

	cert, err := f.remote.FindCertificate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", cert.UserName)

	issued := f.events.Events(core.EventCertificateIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, want, issued[0].Data)

	require.Len(t, f.mails.msgs, 1)
	assert.Equal(t, "certificate_issued", f.mails.msgs[0].TemplateName)
	assert.Equal(t, "ada@example.com", f.mails.msgs[0].To[0].Address)

	// the printable certificate is attached
	require.Len(t, f.mails.msgs[0].Attachments, 1)
	at := f.mails.msgs[0].Attachments[0]
	assert.Equal(t, "certificate-c1.html", at.Filename)
	assert.Equal(t, "text/html; charset=utf-8", at.ContentType)
	html, err := base64.StdEncoding.DecodeString(at.Content.String())
	require.NoError(t, err)
	assert.Contains(t, string(html), "Ada Lovelace")
	assert.Contains(t, string(html), "16C5-62BE-93C9")
	assert.Contains(t, string(html), f.svc.VerifyURL("c1"))

	// issuing again keeps the first record
	again := adaOptions
	again.Issued = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := f.svc.Issue(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, want, first)
	assert.Equal(t, []Record{want}, f.svc.List())
	assert.Len(t, f.events.Events(core.EventCertificateIssued), 1)
	assert.Len(t, f.mails.msgs, 1)
}

func TestService_Issue_defaults(t *testing.T) {
	f := newTestService(t)
	f.svc.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	opts := adaOptions
	opts.ID = ""
	opts.Issued = time.Time{}
	rec, err := f.svc.Issue(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "5A48AA53479D", rec.Hash)
	assert.Equal(t, rec.Hash, rec.ID, "id defaults to the fingerprint")
	assert.True(t, f.svc.CheckIntegrity(rec))
}

func TestService_Issue_invalid(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.Issue(context.Background(), Options{Recipient: " ", Type: "diploma"})
	require.Error(t, err)
	verr, ok := err.(*core.ValidationError)
	require.True(t, ok)
	var fields []string
	for _, fld := range verr.Fields {
		fields = append(fields, fld.Field)
	}
	assert.Equal(t, []string{"recipient", "title", "type"}, fields)
	assert.Empty(t, f.svc.List())
}

func TestService_Issue_remoteDown(t *testing.T) {
	f := newTestService(t)
	f.remote.Fail(errors.New("offline"))

	rec, err := f.svc.Issue(context.Background(), adaOptions)
	require.NoError(t, err, "remote persistence is best-effort")
	_, ok := f.svc.FindLocal(rec.ID)
	assert.True(t, ok)
	assert.Len(t, f.logger.Entries("warn"), 1)
}

func TestService_Verify(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	local, err := f.svc.Issue(ctx, adaOptions)
	require.NoError(t, err)

	// c2 is rewritten in the local storage after being issued
	forged := adaOptions
	forged.ID = "c2"
	_, err = f.svc.Issue(ctx, forged)
	require.NoError(t, err)
	recs := f.svc.List()
	recs[1].Recipient = "Mallory"
	require.NoError(t, f.svc.save(ctx, recs))

	path := remote.Certificate{
		ID: "p1", UserName: "Grace Hopper", Title: "Mobile Forensics Path", Type: "learning-path",
		Issued: "2024-03-15T10:30:00.000Z",
	}
	path.Hash = NewHasher().Fingerprint(recordFromRemote(path).HashInput()).Value
	edited := path
	edited.ID = "p2"
	edited.Hash = NewHasher().Fingerprint(recordFromRemote(edited).HashInput()).Value
	edited.Title = "Mobile Forensics Expert Path"
	weak := path
	weak.ID, weak.Hash = "weak-1", "FALLBACKA67A"
	for _, c := range []remote.Certificate{path, edited, weak} {
		require.NoError(t, f.remote.UpsertCertificate(ctx, c))
	}

	tests := []struct {
		name       string
		idOrHash   string
		failRemote bool
		wantStatus Status
		wantSource string
		wantID     string
	}{
		{name: "local by id", idOrHash: "c1", wantStatus: StatusValid, wantSource: "local", wantID: "c1"},
		{name: "local by hash", idOrHash: " " + local.Hash + " ", wantStatus: StatusValid, wantSource: "local", wantID: "c1"},
		{name: "local tampered", idOrHash: "c2", wantStatus: StatusTampered, wantSource: "local", wantID: "c2"},
		{name: "remote by hash", idOrHash: path.Hash, wantStatus: StatusValid, wantSource: "remote", wantID: "p1"},
		{name: "remote tampered", idOrHash: "p2", wantStatus: StatusTampered, wantSource: "remote", wantID: "p2"},
		{name: "remote weak", idOrHash: "weak-1", wantStatus: StatusWeak, wantSource: "remote", wantID: "weak-1"},
		{name: "unknown", idOrHash: "NOPE", wantStatus: StatusNotFound},
		{name: "empty", idOrHash: "", wantStatus: StatusNotFound},
		{name: "remote down", idOrHash: "p1", failRemote: true, wantStatus: StatusError},
		{name: "local still works when remote is down", idOrHash: "c1", failRemote: true, wantStatus: StatusValid, wantSource: "local", wantID: "c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.failRemote {
				f.remote.Fail(errors.New("offline"))
				defer f.remote.Fail(nil)
			}

			v := f.svc.Verify(ctx, tt.idOrHash)
			assert.Equal(t, tt.wantStatus, v.Status)
			assert.Equal(t, tt.wantSource, v.Source)
			if tt.wantID == "" {
				assert.Nil(t, v.Record)
				return
			}
			require.NotNil(t, v.Record)
			assert.Equal(t, tt.wantID, v.Record.ID)
			assert.Equal(t, tt.wantStatus != StatusWeak, v.Record.Strong)
		})
	}
}

func TestService_Verify_weakLocal(t *testing.T) {
	f := newTestService(t)
	f.svc.hasher = NewHasher(crypto.MD4) // not linked: falls back to the weak hash

	rec, err := f.svc.Issue(context.Background(), adaOptions)
	require.NoError(t, err)
	require.True(t, IsWeak(rec.Hash))

	v := f.svc.Verify(context.Background(), rec.ID)
	assert.Equal(t, StatusWeak, v.Status)
	assert.Equal(t, "local", v.Source)
}

func TestService_CheckIntegrity(t *testing.T) {
	f := newTestService(t)
	rec, err := f.svc.Issue(context.Background(), adaOptions)
	require.NoError(t, err)

	tampered := rec
	tampered.Recipient = "Mallory"

	weak := rec
	weak.Hash = NewHasher(crypto.MD4).Fingerprint(rec.HashInput()).Value
	weak.Strong = false

	forgedStrong := weak
	forgedStrong.Strong = true

	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{name: "intact", rec: rec, want: true},
		{name: "tampered", rec: tampered, want: false},
		{name: "weak", rec: weak, want: false},
		{name: "weak claiming strong", rec: forgedStrong, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.svc.CheckIntegrity(tt.rec))
		})
	}
	assert.Equal(t, Fingerprint{Value: rec.Hash, Strength: Strong}, f.svc.Recompute(rec.HashInput()))
}

func TestRegistrationNumber(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want string
	}{
		{name: "strong", hash: "16C562BE93C9", want: "16C5-62BE-93C9"},
		{name: "weak", hash: "FALLBACKA67A", want: "FALL-BACK-A67A"},
		{name: "lowercase with separators", hash: "16c5-62be-93c9", want: "16C5-62BE-93C9"},
		{name: "short", hash: "ab-c", want: "ABC0-0000-0000"},
		{name: "long", hash: "0123456789ABCDEF", want: "0123-4567-89AB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RegistrationNumber(tt.hash))
		})
	}
}

func TestService_Render(t *testing.T) {
	f := newTestService(t)

	tests := []struct {
		name     string
		rec      Record
		contains []string
	}{
		{
			name: "course",
			rec:  Record{ID: "c1", Recipient: "Ada Lovelace", Title: "Intro to Security", Type: KindCourse, Issued: "2024-01-01T00:00:00.000Z", Hash: "16C562BE93C9", Strong: true},
			contains: []string{
				"Ada Lovelace", "Intro to Security", "Certificate of Completion", "completed the course",
				"Issued: 01/01/2024", "16C5-62BE-93C9", "Hash: 16C562BE93C9<", "https://nexlearn.test/verify/c1",
			},
		},
		{
			name:     "weak learning path",
			rec:      Record{ID: "p1", Recipient: "Grace Hopper", Title: "Mobile Forensics Path", Type: KindLearningPath, Issued: "2024-03-15T10:30:00.000Z", Hash: "FALLBACKE473"},
			contains: []string{"Certificate of Achievement", "completed the learning path", "Issued: 15/03/2024", "(unverifiable)", `class="weak"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, f.svc.Render(&buf, tt.rec, "https://nexlearn.test/verify/"+tt.rec.ID))
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}
