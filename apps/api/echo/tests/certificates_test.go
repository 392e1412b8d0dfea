package tests

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/nexlearn/apps/api/echo"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/remote"
)

func Test_certificatesApi_hash(t *testing.T) {
	app := setup(t)

	in := certificate.HashInput{
		Recipient: "Ada Lovelace",
		Title:     "Intro to Security",
		Type:      certificate.KindCourse,
		Issued:    "2024-03-15T10:30:00.000Z",
	}
	fp := certificate.NewHasher().Fingerprint(in)

	tests := []httpTest{
		{
			name: "type required", method: http.MethodPost, path: "/v1/certificates/hash",
			body:     []byte(`{"recipient": "Ada Lovelace", "title": "Intro to Security", "issued": "2024-03-15T10:30:00.000Z"}`),
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"type": "this field is required"}),
		},
		{
			name: "valid", method: http.MethodPost, path: "/v1/certificates/hash",
			body: marshallObj(t, HashRequest{
				Recipient: " Ada Lovelace ", Title: "Intro to Security", Type: "course", Issued: "2024-03-15T10:30:00.000Z",
			}),
			wantCode: http.StatusOK,
			wantData: marshallObj(t, HashResponse{
				Hash:               fp.Value,
				Strength:           string(certificate.Strong),
				RegistrationNumber: certificate.RegistrationNumber(fp.Value),
			}),
		},
	}
	runHTTPTests(t, app, tests)
}

func Test_certificatesApi_issueAndVerify(t *testing.T) {
	app := setup(t)
	p, token := app.signIn(t)

	body := marshallObj(t, IssueCertificateRequest{Title: "Intro to Security", Type: "course", ID: "cert-001"})
	runHTTPTests(t, app, []httpTest{
		{name: "auth required", method: http.MethodPost, path: "/v1/certificates", body: body, wantCode: http.StatusUnauthorized},
		{
			name: "invalid type", method: http.MethodPost, path: "/v1/certificates", token: token,
			body:     marshallObj(t, IssueCertificateRequest{Title: "Intro to Security", Type: "diploma"}),
			wantCode: http.StatusBadRequest,
		},
	})

	req, rec := newAuthRequest(http.MethodPost, "/v1/certificates", token, body)
	app.do(req, rec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var issued certificate.Record
	unmarshall(t, rec, &issued)
	assert.Equal(t, "cert-001", issued.ID)
	assert.Equal(t, p.Name, issued.Recipient)
	assert.True(t, issued.Strong)
	assert.True(t, app.certs.CheckIntegrity(issued))

	req, rec = newAuthRequest(http.MethodGet, "/v1/certificates", token)
	app.do(req, rec)
	checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marshallObj(t, []certificate.Record{issued})}, rec)

	tests := []httpTest{
		{
			name: "by id", path: "/v1/certificates/verify/cert-001", wantCode: http.StatusOK,
			wantData: marshallObj(t, certificate.Verification{Status: certificate.StatusValid, Source: "local", Record: &issued}),
		},
		{
			name: "by hash", path: "/v1/certificates/verify/" + issued.Hash, wantCode: http.StatusOK,
			wantData: marshallObj(t, certificate.Verification{Status: certificate.StatusValid, Source: "local", Record: &issued}),
		},
		{
			name: "unknown", path: "/v1/certificates/verify/lol", wantCode: http.StatusNotFound,
			wantData: marshallObj(t, certificate.Verification{Status: certificate.StatusNotFound}),
		},
	}
	runHTTPTests(t, app, tests)

	t.Run("remote", func(t *testing.T) {
		ctx := context.Background()
		cert := remote.Certificate{
			ID: "remote-001", UserName: "Grace Hopper", Title: "Cloud Security Fundamentals",
			Type: "course", Issued: "2024-01-02T03:04:05.000Z",
		}
		cert.Hash = certificate.NewHasher().Fingerprint(certificate.HashInput{
			Recipient: cert.UserName, Title: cert.Title, Type: certificate.KindCourse, Issued: cert.Issued, ID: cert.ID,
		}).Value
		require.NoError(t, app.remote.UpsertCertificate(ctx, cert))

		req, rec := newRequest(http.MethodGet, "/v1/certificates/verify/remote-001")
		app.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var v certificate.Verification
		unmarshall(t, rec, &v)
		assert.Equal(t, certificate.StatusValid, v.Status)
		assert.Equal(t, "remote", v.Source)
		require.NotNil(t, v.Record)
		assert.Equal(t, "Grace Hopper", v.Record.Recipient)

		app.remote.Fail(errOffline)
		defer app.remote.Fail(nil)
		req, rec = newRequest(http.MethodGet, "/v1/certificates/verify/remote-002")
		app.do(req, rec)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusBadGateway,
			wantData: marshallObj(t, certificate.Verification{Status: certificate.StatusError, Error: "verification failed"}),
		}, rec)
	})
}

func Test_certificatesApi_verifyUntrusted(t *testing.T) {
	app := setup(t)
	_, token := app.signIn(t)
	ctx := context.Background()

	req, rec := newAuthRequest(http.MethodPost, "/v1/certificates", token,
		marshallObj(t, IssueCertificateRequest{Title: "Intro to Security", Type: "course", ID: "cert-001"}))
	app.do(req, rec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued certificate.Record
	unmarshall(t, rec, &issued)

	// rewrite the recipient in the local storage
	forged := issued
	forged.Recipient = "Mallory"
	require.NoError(t, app.kv.Set(ctx, "nex_certificates", string(marshallObj(t, []certificate.Record{forged}))))

	weak := certificate.Record{
		ID: "weak-1", Recipient: "Grace Hopper", Title: "Cloud Security Fundamentals",
		Type: certificate.KindCourse, Issued: "2024-01-02T03:04:05.000Z", Hash: "FALLBACKA67A",
	}
	require.NoError(t, app.remote.UpsertCertificate(ctx, remote.Certificate{
		ID: weak.ID, UserName: weak.Recipient, Title: weak.Title, Type: string(weak.Type), Issued: weak.Issued, Hash: weak.Hash,
	}))

	runHTTPTests(t, app, []httpTest{
		{
			name: "tampered", path: "/v1/certificates/verify/cert-001", wantCode: http.StatusUnprocessableEntity,
			wantData: marshallObj(t, certificate.Verification{Status: certificate.StatusTampered, Source: "local", Record: &forged}),
		},
		{
			name: "weak", path: "/v1/certificates/verify/weak-1", wantCode: http.StatusUnprocessableEntity,
			wantData: marshallObj(t, certificate.Verification{Status: certificate.StatusWeak, Source: "remote", Record: &weak}),
		},
		{
			name: "tampered render", path: "/v1/certificates/cert-001/render", wantCode: http.StatusUnprocessableEntity,
			wantData: marshallObj(t, httpErr{Error: "certificate does not match its fingerprint"}),
		},
	})

	req, rec = newRequest(http.MethodGet, "/v1/certificates/weak-1/render")
	app.do(req, rec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "(unverifiable)")
}

func Test_certificatesApi_render(t *testing.T) {
	app := setup(t)
	_, token := app.signIn(t)

	req, rec := newAuthRequest(http.MethodPost, "/v1/certificates", token,
		marshallObj(t, IssueCertificateRequest{Title: "Intro to Security", Type: "course"}))
	app.do(req, rec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued certificate.Record
	unmarshall(t, rec, &issued)

	req, rec = newRequest(http.MethodGet, "/v1/certificates/"+issued.ID+"/render")
	app.do(req, rec)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	html := rec.Body.String()
	assert.Contains(t, html, "Ada Lovelace")
	assert.Contains(t, html, "Intro to Security")
	assert.Contains(t, html, issued.RegistrationNumber())
	assert.Contains(t, html, app.conf.FrontendBaseURL+"/verify/"+issued.ID)

	runHTTPTests(t, app, []httpTest{
		{
			name: "unknown", path: "/v1/certificates/lol/render",
			wantCode: http.StatusNotFound, wantData: marshallObj(t, httpErr{Error: "certificate not found"}),
		},
	})
}
