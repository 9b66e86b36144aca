package agent

import (
	"strings"
	"text/template"

	"CivicNotice/internal/notice"
)

// notesPlaceholder 在未提供附加说明时写入提示词。
const notesPlaceholder = "N/A"

// PromptTemplate 是带名称的提示词模板。字段值按原样写入，不做转义或截断。
type PromptTemplate struct {
	name string
	tmpl *template.Template
}

// mustTemplate 解析模板，缺失字段在渲染时报错。
func mustTemplate(name, text string) PromptTemplate {
	return PromptTemplate{
		name: name,
		tmpl: template.Must(template.New(name).Option("missingkey=error").Parse(text)),
	}
}

// Name 返回模板名称。
func (t PromptTemplate) Name() string { return t.name }

// Render 使用给定数据渲染模板。
func (t PromptTemplate) Render(data any) (string, error) {
	var builder strings.Builder
	if err := t.tmpl.Execute(&builder, data); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// DraftContext 是起草模板的渲染参数。
type DraftContext struct {
	Title           string
	Body            string
	Date            string
	Location        string
	Audience        string
	Language        string
	Category        string
	Department      string
	ContactOfficer  string
	ContactNumber   string
	Email           string
	AdditionalNotes string
}

// NewDraftContext 从已规范化的请求构造渲染参数。
func NewDraftContext(req notice.Request) DraftContext {
	notes := notesPlaceholder
	if req.AdditionalNotes != nil {
		notes = *req.AdditionalNotes
	}
	return DraftContext{
		Title:           req.Title,
		Body:            req.Body,
		Date:            req.Date,
		Location:        req.Location,
		Audience:        req.Audience,
		Language:        req.Language,
		Category:        req.Category,
		Department:      req.Department,
		ContactOfficer:  req.ContactOfficer,
		ContactNumber:   req.ContactNumber,
		Email:           req.Email,
		AdditionalNotes: notes,
	}
}

// ReviewContext 是审核模板的渲染参数，Draft 为起草阶段的完整输出。
type ReviewContext struct {
	Language string
	Draft    string
}

var draftTemplate = mustTemplate("draft", `Generate a professional Indian government public notice in {{.Language}} based on the following input:
- Title: {{.Title}}
- Body: {{.Body}}
- Date: {{.Date}}
- Location: {{.Location}}
- Audience: {{.Audience}}
- Language: {{.Language}}
- Category: {{.Category}}
- Department: {{.Department}}
- Contact Officer: {{.ContactOfficer}}
- Contact Number: {{.ContactNumber}}
- Email: {{.Email}}
- Additional Notes: {{.AdditionalNotes}}

Create a notice that follows Indian government standards:
1. Use appropriate government letterhead format
2. Include proper authority designation
3. Follow Indian date format (DD/MM/YYYY)
4. Use formal language appropriate for the specified language
5. Include proper contact information
6. Follow category-specific formatting
7. Ensure cultural sensitivity and respect
8. Include government seal/signature line
9. Format the entire notice in markdown

IMPORTANT: Provide ONLY the final formatted notice content in {{.Language}} using markdown format. Do not include any explanatory text, comments, or additional information.

Expected output: a complete, professionally formatted Indian government public notice in {{.Language}} using markdown format, ready for publication (notice content only, no explanations).`)

var reviewTemplate = mustTemplate("review", `Review the generated Indian government public notice in {{.Language}} below and ensure it meets all official standards.

Notice to review:
-----
{{.Draft}}
-----

General Compliance Checks:
1. Check compliance with Indian government communication standards
2. Ensure proper formatting for the specified language
3. Check cultural sensitivity and appropriate tone
4. Verify all required contact information is included
5. Ensure proper authority designation and signatures
6. Check date format (DD/MM/YYYY)
7. Verify department/authority credentials
8. Ensure accessibility for diverse Indian population
9. Ensure the notice is properly formatted in markdown

Indian Government Specific Checks:
- Proper use of government letterhead format
- Inclusion of reference number (if applicable)
- Appropriate use of official language as specified
- Proper grievance redressal mechanism mention
- Ensure markdown formatting is consistent and readable

IMPORTANT: Provide ONLY the final approved notice in {{.Language}} using markdown format. Do not provide any feedback, comments, suggestions, or explanatory text. Only output the complete, final formatted notice ready for publication.

Expected output: final approved Indian government notice in {{.Language}} formatted in markdown (notice content only, no feedback or comments).`)

// DraftTemplate 返回起草阶段模板。
func DraftTemplate() PromptTemplate { return draftTemplate }

// ReviewTemplate 返回审核阶段模板。
func ReviewTemplate() PromptTemplate { return reviewTemplate }

// RenderDraftPrompt 渲染起草阶段提示词。
func RenderDraftPrompt(req notice.Request) (string, error) {
	return draftTemplate.Render(NewDraftContext(req))
}

// RenderReviewPrompt 渲染审核阶段提示词，草稿按值嵌入。
func RenderReviewPrompt(language, draft string) (string, error) {
	return reviewTemplate.Render(ReviewContext{Language: language, Draft: draft})
}
