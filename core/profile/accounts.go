package profile

import (
	"context"
	"encoding/json"
	"net/mail"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
)

const accountsKey = "nex_local_users"

var (
	// errors
	ErrNotFound           = core.NewNotFoundError("account")
	ErrEmailExists        = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidResetToken  = errors.New("invalid or expired password reset token")
)

// Accounts is the local (offline) credential store.
type Accounts struct {
	kv       core.KVStore
	store    *Store
	validate *validator.Validate
	mailSvc  core.EmailService
	logger   core.Logger
	tokens   tokenGenerator
	mu       sync.Mutex // guards load-mutate-save of the accounts list
}

func NewAccounts(
	kv core.KVStore,
	store *Store,
	validate *validator.Validate,
	mailSvc core.EmailService,
	conf *core.Config,
	logger core.Logger,
) *Accounts {
	return &Accounts{
		kv:       kv,
		store:    store,
		validate: validate,
		mailSvc:  mailSvc,
		logger:   logger,
		tokens: tokenGenerator{
			secretKey: []byte(conf.SecretKey),
			timeout:   conf.Server.PasswordResetTimeoutDelta,
			now:       time.Now,
		},
	}
}

func (svc *Accounts) load(ctx context.Context) ([]Account, error) {
	raw, err := svc.kv.Get(ctx, accountsKey)
	if err != nil {
		if err == core.ErrKeyNotFound {
			return []Account{}, nil
		}
		return nil, errors.Wrap(err, "reading accounts")
	}
	var accs []Account
	if err = json.Unmarshal([]byte(raw), &accs); err != nil {
		svc.logger.Warn("discarding malformed local accounts", err)
		return []Account{}, nil
	}
	return accs, nil
}

func (svc *Accounts) save(ctx context.Context, accs []Account) error {
	data, err := json.Marshal(accs)
	if err != nil {
		return errors.Wrap(err, "encoding accounts")
	}
	return errors.Wrap(svc.kv.Set(ctx, accountsKey, string(data)), "saving accounts")
}

// mutate loads the accounts, applies fn and saves them back if fn succeeds.
func (svc *Accounts) mutate(ctx context.Context, fn func(accs []Account) ([]Account, error)) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	accs, err := svc.load(ctx)
	if err != nil {
		return err
	}
	if accs, err = fn(accs); err != nil {
		return err
	}
	return svc.save(ctx, accs)
}

func indexByEmail(accs []Account, email string) int {
	for i, acc := range accs {
		if acc.Email == email {
			return i
		}
	}
	return -1
}

func (svc *Accounts) GetByID(ctx context.Context, id string) (Account, error) {
	accs, err := svc.load(ctx)
	if err != nil {
		return Account{}, err
	}
	for _, acc := range accs {
		if acc.ID == id {
			return acc, nil
		}
	}
	return Account{}, ErrNotFound
}

func (svc *Accounts) GetByEmail(ctx context.Context, email string) (Account, error) {
	accs, err := svc.load(ctx)
	if err != nil {
		return Account{}, err
	}
	if i := indexByEmail(accs, core.CleanString(email, true /* lower */)); i >= 0 {
		return accs[i], nil
	}
	return Account{}, ErrNotFound
}

// Register creates a local account and signs it in.
func (svc *Accounts) Register(ctx context.Context, na NewAccount) (Profile, error) {
	na.Name = core.CleanString(na.Name)
	na.Email = core.CleanString(na.Email, true /* lower */)
	if err := svc.validate.Struct(na); err != nil {
		return Profile{}, err
	}

	acc := Account{
		ID:        uuid.New().String(),
		Name:      na.Name,
		Email:     na.Email,
		Role:      RoleUser,
		CreatedAt: time.Now().UTC(),
		LastLogin: time.Now().UTC(),
	}
	if err := acc.SetPassword(na.Password); err != nil {
		return Profile{}, errors.Wrap(err, "hashing password")
	}

	err := svc.mutate(ctx, func(accs []Account) ([]Account, error) {
		if indexByEmail(accs, acc.Email) >= 0 {
			return nil, core.NewValidationError(ErrEmailExists, core.FieldError{Field: "email", Error: ErrEmailExists.Error()})
		}
		return append(accs, acc), nil
	})
	if err != nil {
		return Profile{}, err
	}

	p := acc.Profile()
	svc.store.Set(p)
	return p, nil
}

// Authenticate checks the credentials and signs the account in.
// The local snapshot is kept when it already belongs to the same learner.
func (svc *Accounts) Authenticate(ctx context.Context, email, pwd string) (Profile, error) {
	email = core.CleanString(email, true /* lower */)

	var acc Account
	err := svc.mutate(ctx, func(accs []Account) ([]Account, error) {
		i := indexByEmail(accs, email)
		if i < 0 {
			return nil, ErrInvalidCredentials
		}
		if err := accs[i].CheckPassword(pwd); err != nil {
			return nil, ErrInvalidCredentials
		}
		accs[i].LastLogin = time.Now().UTC()
		acc = accs[i]
		return accs, nil
	})
	if err != nil {
		return Profile{}, err
	}

	if p, ok := svc.store.Get(); ok && p.ID == acc.ID {
		svc.store.Set(p) // notify
		return p, nil
	}
	p := acc.Profile()
	svc.store.Set(p)
	return p, nil
}

// Logout clears the local snapshot.
func (svc *Accounts) Logout() {
	svc.store.Clear()
}

// SetPassword force-sets the password of an account (admin).
func (svc *Accounts) SetPassword(ctx context.Context, email, pwd string) error {
	email = core.CleanString(email, true /* lower */)
	return svc.mutate(ctx, func(accs []Account) ([]Account, error) {
		i := indexByEmail(accs, email)
		if i < 0 {
			return nil, ErrNotFound
		}
		if tag := checkPassword(pwd, accs[i].Name, accs[i].Email); tag != "" {
			return nil, core.NewValidationError(errors.New("invalid password"), core.FieldError{Field: "password", Error: passwordRuleText(tag)})
		}
		if err := accs[i].SetPassword(pwd); err != nil {
			return nil, errors.Wrap(err, "hashing password")
		}
		return accs, nil
	})
}

// RequestPasswordReset emails a password reset link to the account owner.
func (svc *Accounts) RequestPasswordReset(ctx context.Context, email string) error {
	acc, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: acc.Name, Address: acc.Email}},
		Subject:      "Reset your password",
		TemplateName: "password_reset",
		TemplateData: struct{ Name, UID, Token string }{acc.Name, EncodeUID(acc), svc.tokens.makeToken(acc)},
	})
	return nil
}

// ResetPassword sets a new password given a valid reset token.
func (svc *Accounts) ResetPassword(ctx context.Context, rp ResetPassword) error {
	if err := svc.validate.Struct(rp); err != nil {
		return err
	}
	id, err := decodeUID(rp.UID)
	if err != nil {
		return core.NewValidationError(ErrInvalidResetToken)
	}

	return svc.mutate(ctx, func(accs []Account) ([]Account, error) {
		for i := range accs {
			if accs[i].ID != id {
				continue
			}
			if err := svc.tokens.verifyToken(accs[i], rp.Token); err != nil {
				return nil, core.NewValidationError(ErrInvalidResetToken)
			}
			if err := accs[i].SetPassword(rp.Password); err != nil {
				return nil, errors.Wrap(err, "hashing password")
			}
			return accs, nil
		}
		return nil, core.NewValidationError(ErrInvalidResetToken)
	})
}

func passwordRuleText(tag string) string {
	switch tag {
	case pwdMinLenTag:
		return pwdMinLenText
	case pwdNoSpaceTag:
		return pwdNoSpaceText
	case pwdNotAllNumTag:
		return pwdNotAllNumText
	case pwdComplexityTag:
		return pwdComplexityText
	case pwdAttrSimTag:
		return pwdAttrSimText
	case pwdNoCommonTag:
		return pwdNoCommonText
	}
	return "invalid password"
}
