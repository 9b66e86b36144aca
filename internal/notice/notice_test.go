package notice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CivicNotice/internal/errors"
)

func sampleRequest() Request {
	return Request{
		Title:          "Road Closure",
		Body:           "Main St closed for repair",
		Date:           "15/08/2024",
		Location:       "Main St",
		Audience:       "Residents",
		Category:       "maintenance",
		Department:     "Public Works",
		ContactOfficer: "A. Kumar",
		ContactNumber:  "1234567890",
		Email:          "a@x.gov",
	}
}

func TestValidateAcceptsCompleteRequest(t *testing.T) {
	require.NoError(t, sampleRequest().Validate())
}

func TestValidateReportsMissingFields(t *testing.T) {
	req := sampleRequest()
	req.Title = ""
	req.Email = "   "

	err := req.Validate()
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeRequestValidation, xerrors.CodeOf(err))
	assert.Equal(t, []string{"title", "email"}, req.MissingFields())
	assert.Contains(t, err.Error(), "title, email")
}

func TestAdditionalNotesAndLanguageAreOptional(t *testing.T) {
	req := sampleRequest()
	require.NoError(t, req.Validate())

	normalized := req.Normalize()
	assert.Equal(t, DefaultLanguage, normalized.Language)
	assert.Equal(t, "", normalized.Notes())
	assert.Equal(t, "", req.Language, "Normalize must not mutate the receiver")
}

func TestNormalizeKeepsExplicitLanguageAndCopiesNotes(t *testing.T) {
	notes := "Use alternate route via Park Rd"
	req := sampleRequest()
	req.Language = "Hindi"
	req.AdditionalNotes = &notes

	normalized := req.Normalize()
	assert.Equal(t, "Hindi", normalized.Language)
	assert.Equal(t, notes, normalized.Notes())

	notes = "changed"
	assert.Equal(t, "Use alternate route via Park Rd", normalized.Notes())
}
