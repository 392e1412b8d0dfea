package profile

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Membership types
const (
	MembershipBasic      = "Basic"
	MembershipPro        = "Pro"
	MembershipEnterprise = "Enterprise"
)

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Profile is the local snapshot of the signed-in learner.
type Profile struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Email            string   `json:"email"`
	Initials         string   `json:"initials"`
	MembershipType   string   `json:"membership_type"`
	EnrolledCourses  []string `json:"enrolled_courses"`
	CompletedCourses []string `json:"completed_courses"`
	Certificates     []string `json:"certificates"`
	CTFPoints        int      `json:"ctf_points"`
	Role             string   `json:"role,omitempty"`
	LearningPaths    []string `json:"learning_paths,omitempty"`
	PathCertificates []string `json:"path_certificates,omitempty"`
}

func (p Profile) IsZero() bool  { return p.ID == "" }
func (p Profile) IsAdmin() bool { return p.Role == RoleAdmin }

func (p Profile) IsEnrolled(courseID string) bool       { return contains(p.EnrolledCourses, courseID) }
func (p Profile) HasCompleted(courseID string) bool     { return contains(p.CompletedCourses, courseID) }
func (p Profile) InLearningPath(pathID string) bool     { return contains(p.LearningPaths, pathID) }
func (p Profile) HasPathCertificate(pathID string) bool { return contains(p.PathCertificates, pathID) }

// Normalize replaces nil lists by empty ones so that the snapshot always serializes the same way.
func (p *Profile) Normalize() {
	if p.EnrolledCourses == nil {
		p.EnrolledCourses = []string{}
	}
	if p.CompletedCourses == nil {
		p.CompletedCourses = []string{}
	}
	if p.Certificates == nil {
		p.Certificates = []string{}
	}
	if p.Initials == "" {
		p.Initials = MakeInitials(p.Name)
	}
}

// MakeInitials returns the (max 2) uppercased initials of name.
func MakeInitials(name string) string {
	initials := make([]rune, 0, 2)
	for _, part := range strings.Fields(name) {
		initials = append(initials, []rune(part)[0])
		if len(initials) == 2 {
			break
		}
	}
	if len(initials) == 0 {
		return "U"
	}
	return strings.ToUpper(string(initials))
}

// AppendUnique appends s to list unless already present.
func AppendUnique(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(list, s)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Account is a local (offline) credential.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"password_hash"`
	Role         string    `json:"role,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastLogin    time.Time `json:"last_login,omitempty"`
}

func (a *Account) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.PasswordHash = hash
	return nil
}

func (a Account) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(pwd))
}

// Profile returns a fresh learner snapshot for the account.
func (a Account) Profile() Profile {
	role := a.Role
	if role == "" {
		role = RoleUser
	}
	p := Profile{
		ID:             a.ID,
		Name:           a.Name,
		Email:          a.Email,
		MembershipType: MembershipBasic,
		Role:           role,
	}
	p.Normalize()
	return p
}

type NewAccount struct {
	Name            string `json:"name" validate:"required,notblank"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

type ResetPassword struct {
	Token           string `json:"token,omitempty" validate:"required"`
	UID             string `json:"uid,omitempty" validate:"required"`
	Password        string `json:"password,omitempty" validate:"required"`
	PasswordConfirm string `json:"password_confirm,omitempty" validate:"required,eqfield=Password"`
}
