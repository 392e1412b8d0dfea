package echoapi

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/nexlearn/core/catalog"
	"github.com/trezcool/nexlearn/core/profile"
)

var orderingParam = "ordering"

type (
	LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	// TokenResponse is returned on register, login and token refresh.
	TokenResponse struct {
		Token   string           `json:"token"`
		Profile *profile.Profile `json:"profile,omitempty"`
	}

	PasswordResetRequest struct {
		Email string `json:"email" validate:"required,email"`
	}

	ToggleModuleRequest struct {
		ModuleTitle string `json:"module_title" validate:"required,notblank"`
	}

	OnlineRequest struct {
		Online *bool `json:"online" validate:"required"`
	}

	HashRequest struct {
		Recipient string `json:"recipient" validate:"required,notblank"`
		Title     string `json:"title" validate:"required,notblank"`
		Type      string `json:"type" validate:"required,oneof=course learning-path"`
		Issued    string `json:"issued" validate:"required"`
		ID        string `json:"id"`
	}

	HashResponse struct {
		Hash               string `json:"hash"`
		Strength           string `json:"strength"`
		RegistrationNumber string `json:"registration_number"`
	}

	IssueCertificateRequest struct {
		Title string `json:"title" validate:"required,notblank"`
		Type  string `json:"type" validate:"required,oneof=course learning-path"`
		ID    string `json:"id" validate:"omitempty,max=64"`
	}
)

func (r LoginRequest) Validate(validate *validator.Validate) error {
	return validate.Struct(r)
}

// Ordering is bound from the `ordering` query param, e.g. `?ordering=level,-title`.
type Ordering struct {
	Fields []OrderingField
}

type OrderingField struct {
	Name      string
	Ascending bool
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		if field != "" {
			ord.Fields = append(ord.Fields, OrderingField{Name: field, Ascending: !descending})
		}
	}
}

var courseLevels = map[string]int{"Beginner": 0, "Intermediate": 1, "Advanced": 2}

func compareCourses(a, b catalog.Course, field string) int {
	switch field {
	case "id":
		return strings.Compare(a.ID, b.ID)
	case "title":
		return strings.Compare(a.Title, b.Title)
	case "level":
		return courseLevels[a.Level] - courseLevels[b.Level]
	case "modules":
		return len(a.Modules) - len(b.Modules)
	}
	return 0
}

// SortCourses sorts courses in place; unknown fields are ignored.
func (ord Ordering) SortCourses(courses []catalog.Course) {
	if len(ord.Fields) == 0 {
		return
	}
	sort.SliceStable(courses, func(i, j int) bool {
		for _, f := range ord.Fields {
			c := compareCourses(courses[i], courses[j], f.Name)
			if c == 0 {
				continue
			}
			if f.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}
