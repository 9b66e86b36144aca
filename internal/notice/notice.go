// Package notice defines the public notice request accepted by the service
// and the validation applied before any generation work starts.
package notice

import (
	"strings"

	xerrors "CivicNotice/internal/errors"
)

// DefaultLanguage 是未指定语言时使用的公告语言。
const DefaultLanguage = "English"

// Request 描述生成一份政府公告所需的字段。
type Request struct {
	Title           string  `json:"title"`
	Body            string  `json:"body"`
	Date            string  `json:"date"`
	Location        string  `json:"location"`
	Audience        string  `json:"audience"`
	Category        string  `json:"category"`
	Department      string  `json:"department"`
	ContactOfficer  string  `json:"contact_officer"`
	ContactNumber   string  `json:"contact_number"`
	Email           string  `json:"email"`
	AdditionalNotes *string `json:"additional_notes"`
	Language        string  `json:"language,omitempty"`
}

// requiredField 将 JSON 字段名与取值函数对应起来，保证校验顺序稳定。
type requiredField struct {
	name  string
	value func(Request) string
}

var requiredFields = []requiredField{
	{"title", func(r Request) string { return r.Title }},
	{"body", func(r Request) string { return r.Body }},
	{"date", func(r Request) string { return r.Date }},
	{"location", func(r Request) string { return r.Location }},
	{"audience", func(r Request) string { return r.Audience }},
	{"category", func(r Request) string { return r.Category }},
	{"department", func(r Request) string { return r.Department }},
	{"contact_officer", func(r Request) string { return r.ContactOfficer }},
	{"contact_number", func(r Request) string { return r.ContactNumber }},
	{"email", func(r Request) string { return r.Email }},
}

// MissingFields 返回为空的必填字段名。
func (r Request) MissingFields() []string {
	var missing []string
	for _, field := range requiredFields {
		if strings.TrimSpace(field.value(r)) == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// Validate 检查必填字段，失败时返回 REQUEST_VALIDATION_FAILED。
func (r Request) Validate() error {
	missing := r.MissingFields()
	if len(missing) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeRequestValidation,
		"missing required fields: "+strings.Join(missing, ", "),
		xerrors.WithMetadata("fields", strings.Join(missing, ",")),
	)
}

// Normalize 返回补全默认值后的副本，字段内容本身不做任何改写。
func (r Request) Normalize() Request {
	r = r.Clone()
	if strings.TrimSpace(r.Language) == "" {
		r.Language = DefaultLanguage
	}
	return r
}

// Notes 返回附加说明，未提供时为空字符串。
func (r Request) Notes() string {
	if r.AdditionalNotes == nil {
		return ""
	}
	return *r.AdditionalNotes
}

// Clone 返回不与原值共享指针的副本。
func (r Request) Clone() Request {
	if r.AdditionalNotes != nil {
		notes := *r.AdditionalNotes
		r.AdditionalNotes = &notes
	}
	return r
}
