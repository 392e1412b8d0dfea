package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/remote"
	"github.com/trezcool/nexlearn/fs"
)

const (
	storeKey     = "nex_certificates"
	templatePath = "templates/certificate.gohtml"
)

var (
	ErrNotFound   = core.NewNotFoundError("certificate")
	nonAlnumRegex = regexp.MustCompile("[^A-Za-z0-9]")

	certTmpl     *template.Template
	certTmplOnce sync.Once
	certTmplErr  error
)

// Status of a verification.
type Status string

const (
	StatusValid    Status = "valid"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"

	// StatusWeak: the record exists but its fingerprint is not tamper-evident.
	StatusWeak Status = "weak"
	// StatusTampered: the fields no longer match the fingerprint.
	StatusTampered Status = "tampered"
)

type (
	// Options describe the certificate to issue. ID defaults to the fingerprint.
	// When Email is set, the recipient is sent the certificate by email.
	Options struct {
		Recipient string
		Title     string
		Type      Kind
		Issued    time.Time
		ID        string
		Email     string
	}

	// Record is an issued certificate.
	Record struct {
		ID        string `json:"id"`
		Recipient string `json:"recipient"`
		Title     string `json:"title"`
		Type      Kind   `json:"type"`
		Issued    string `json:"issued"`
		Hash      string `json:"hash"`
		Strong    bool   `json:"strong"`
	}

	Verification struct {
		Status Status  `json:"status"`
		Source string  `json:"source,omitempty"` // local | remote
		Record *Record `json:"record,omitempty"`
		Error  string  `json:"error,omitempty"`
	}

	renderData struct {
		Record
		Kind               string
		TypeLabel          string
		IssuedDate         string
		RegistrationNumber string
		VerifyURL          string
	}
)

// HashInput returns the fields the fingerprint of r was computed from.
func (r Record) HashInput() HashInput {
	id := r.ID
	if id == r.Hash {
		id = "" // defaulted to the fingerprint
	}
	return HashInput{Recipient: r.Recipient, Title: r.Title, Type: r.Type, Issued: r.Issued, ID: id}
}

func (r Record) RegistrationNumber() string { return RegistrationNumber(r.Hash) }

func (r Record) toRemote() remote.Certificate {
	return remote.Certificate{ID: r.ID, UserName: r.Recipient, Title: r.Title, Type: string(r.Type), Issued: r.Issued, Hash: r.Hash}
}

func recordFromRemote(c remote.Certificate) Record {
	return Record{
		ID:        c.ID,
		Recipient: c.UserName,
		Title:     c.Title,
		Type:      Kind(c.Type),
		Issued:    c.Issued,
		Hash:      c.Hash,
		Strong:    c.Hash != "" && !IsWeak(c.Hash),
	}
}

// Service issues certificates, keeps them in the local storage and verifies them
// (locally first, then against the remote data service).
type Service struct {
	conf    *core.Config
	kv      core.KVStore
	remote  remote.DataService
	mailSvc core.EmailService
	bus     *core.EventBus
	logger  core.Logger
	hasher  Hasher
	now     func() time.Time
	mu      sync.Mutex
}

func NewService(
	kv core.KVStore,
	svc remote.DataService,
	mailSvc core.EmailService,
	bus *core.EventBus,
	conf *core.Config,
	logger core.Logger,
) *Service {
	return &Service{
		conf:    conf,
		kv:      kv,
		remote:  svc,
		mailSvc: mailSvc,
		bus:     bus,
		logger:  logger,
		hasher:  NewHasher(),
		now:     time.Now,
	}
}

func (svc *Service) load(ctx context.Context) []Record {
	raw, err := svc.kv.Get(ctx, storeKey)
	if err != nil {
		if err != core.ErrKeyNotFound {
			svc.logger.Warn(fmt.Sprintf("reading certificates: %v", err), err)
		}
		return []Record{}
	}
	var recs []Record
	if err = json.Unmarshal([]byte(raw), &recs); err != nil {
		svc.logger.Warn(fmt.Sprintf("discarding malformed certificates: %v", err), err)
		return []Record{}
	}
	return recs
}

func (svc *Service) save(ctx context.Context, recs []Record) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "encoding certificates")
	}
	return errors.Wrap(svc.kv.Set(ctx, storeKey, string(data)), "saving certificates")
}

// Recompute returns the fingerprint of in.
func (svc *Service) Recompute(in HashInput) Fingerprint {
	return svc.hasher.Fingerprint(in)
}

// Issue fingerprints and stores a certificate. Issuing the same id twice keeps the first record.
// Persisting it remotely is best-effort.
func (svc *Service) Issue(ctx context.Context, opts Options) (Record, error) {
	opts.Recipient = core.CleanString(opts.Recipient)
	opts.Title = core.CleanString(opts.Title)
	if opts.Issued.IsZero() {
		opts.Issued = svc.now()
	}

	var flds []core.FieldError
	if opts.Recipient == "" {
		flds = append(flds, core.FieldError{Field: "recipient", Error: "this field is required"})
	}
	if opts.Title == "" {
		flds = append(flds, core.FieldError{Field: "title", Error: "this field is required"})
	}
	if !opts.Type.Valid() {
		flds = append(flds, core.FieldError{Field: "type", Error: "type must be one of [course learning-path]"})
	}
	if len(flds) > 0 {
		return Record{}, core.NewValidationError(errors.New("invalid certificate"), flds...)
	}

	in := HashInput{Recipient: opts.Recipient, Title: opts.Title, Type: opts.Type, Issued: core.ISOTime(opts.Issued), ID: opts.ID}
	fp := svc.hasher.Fingerprint(in)
	rec := Record{
		ID:        opts.ID,
		Recipient: in.Recipient,
		Title:     in.Title,
		Type:      in.Type,
		Issued:    in.Issued,
		Hash:      fp.Value,
		Strong:    fp.TamperEvident(),
	}
	if rec.ID == "" {
		rec.ID = fp.Value
	}

	svc.mu.Lock()
	recs := svc.load(ctx)
	issued := true
	for _, r := range recs {
		if r.ID == rec.ID {
			rec, issued = r, false
			break
		}
	}
	if issued {
		if err := svc.save(ctx, append(recs, rec)); err != nil {
			svc.logger.Warn(fmt.Sprintf("storing certificate %s: %v", rec.ID, err), err)
		}
	}
	svc.mu.Unlock()

	if svc.remote != nil {
		if err := svc.remote.UpsertCertificate(ctx, rec.toRemote()); err != nil {
			svc.logger.Warn(fmt.Sprintf("persisting certificate %s remotely: %v", rec.ID, err), err)
		}
	}

	if issued {
		svc.bus.Publish(core.EventCertificateIssued, rec)
		if opts.Email != "" && svc.mailSvc != nil {
			svc.mailCertificate(rec, opts.Email)
		}
	}
	return rec, nil
}

// mailCertificate sends rec to its recipient, with the printable certificate attached.
func (svc *Service) mailCertificate(rec Record, email string) {
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: rec.Recipient, Address: email}},
		Subject:      "Your certificate: " + rec.Title,
		TemplateName: "certificate_issued",
		TemplateData: struct{ Recipient, Title, ID, RegistrationNumber string }{
			rec.Recipient, rec.Title, rec.ID, rec.RegistrationNumber(),
		},
	}

	var buf bytes.Buffer
	err := svc.Render(&buf, rec, svc.VerifyURL(rec.ID))
	if err == nil {
		err = msg.Attach(&buf, "certificate-"+rec.ID+".html", "text/html; charset=utf-8")
	}
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("attaching certificate %s: %v", rec.ID, err), err)
	}
	svc.mailSvc.SendMessages(msg)
}

// VerifyURL is the public verification page of a certificate.
func (svc *Service) VerifyURL(id string) string {
	return svc.conf.FrontendBaseURL + "/verify/" + url.PathEscape(id)
}

// FindLocal looks a certificate up in the local storage by id or hash.
func (svc *Service) FindLocal(idOrHash string) (Record, bool) {
	idOrHash = strings.TrimSpace(idOrHash)
	for _, r := range svc.load(context.Background()) {
		if r.ID == idOrHash || r.Hash == idOrHash {
			return r, true
		}
	}
	return Record{}, false
}

// List returns the locally issued certificates.
func (svc *Service) List() []Record {
	return svc.load(context.Background())
}

// Verify looks the certificate up locally, then remotely.
// A record found is valid only when its fingerprint is strong and matches its fields.
func (svc *Service) Verify(ctx context.Context, idOrHash string) Verification {
	idOrHash = strings.TrimSpace(idOrHash)
	if idOrHash == "" {
		return Verification{Status: StatusNotFound}
	}
	if rec, ok := svc.FindLocal(idOrHash); ok {
		return svc.verification(rec, "local")
	}
	if svc.remote == nil {
		return Verification{Status: StatusNotFound}
	}

	cert, err := svc.remote.FindCertificate(ctx, idOrHash)
	switch {
	case err == nil:
		return svc.verification(recordFromRemote(cert), "remote")
	case core.IsNotFound(err):
		return Verification{Status: StatusNotFound}
	}
	svc.logger.Warn(fmt.Sprintf("verifying certificate %q: %v", idOrHash, err), err)
	return Verification{Status: StatusError, Error: "verification failed"}
}

func (svc *Service) verification(rec Record, source string) Verification {
	v := Verification{Status: StatusValid, Source: source, Record: &rec}
	switch {
	case !rec.Strong || IsWeak(rec.Hash):
		v.Status = StatusWeak
	case !svc.CheckIntegrity(rec):
		v.Status = StatusTampered
	}
	return v
}

// CheckIntegrity recomputes the fingerprint of rec and compares it with the stored one.
// Weak fingerprints never verify.
func (svc *Service) CheckIntegrity(rec Record) bool {
	if !rec.Strong || IsWeak(rec.Hash) {
		return false
	}
	fp := svc.hasher.Fingerprint(rec.HashInput())
	return fp.TamperEvident() && fp.Value == rec.Hash
}

// RegistrationNumber formats a fingerprint as XXXX-XXXX-XXXX.
func RegistrationNumber(hash string) string {
	clean := strings.ToUpper(nonAlnumRegex.ReplaceAllString(hash, ""))
	if len(clean) < fingerprintLen {
		clean += strings.Repeat("0", fingerprintLen-len(clean))
	}
	clean = clean[:fingerprintLen]
	return clean[0:4] + "-" + clean[4:8] + "-" + clean[8:12]
}

func parseCertificateTemplate() (*template.Template, error) {
	certTmplOnce.Do(func() {
		certTmpl, certTmplErr = template.ParseFS(appfs.FS, templatePath)
		certTmplErr = errors.Wrap(certTmplErr, "parsing certificate template")
	})
	return certTmpl, certTmplErr
}

// Render writes the printable HTML certificate of rec.
func (svc *Service) Render(w io.Writer, rec Record, verifyURL string) error {
	tmpl, err := parseCertificateTemplate()
	if err != nil {
		return err
	}

	data := renderData{
		Record:             rec,
		Kind:               "Completion",
		TypeLabel:          "course",
		IssuedDate:         rec.Issued,
		RegistrationNumber: rec.RegistrationNumber(),
		VerifyURL:          verifyURL,
	}
	if rec.Type == KindLearningPath {
		data.Kind = "Achievement"
		data.TypeLabel = "learning path"
	}
	if t, err := time.Parse(time.RFC3339, rec.Issued); err == nil {
		data.IssuedDate = t.UTC().Format("02/01/2006")
	}
	return errors.Wrap(tmpl.Execute(w, data), "rendering certificate")
}
