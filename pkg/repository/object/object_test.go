package object

import (
	"testing"

	"github.com/gofrs/uuid"

	qt "github.com/frankban/quicktest"
)

var (
	kbUID  = uuid.FromStringOrNil("6e362976-bfc1-4677-b761-dcc12495b5bd")
	docUID = uuid.FromStringOrNil("f6f9f6ed-ab85-4753-9dbc-6dbd9a3818f3")
)

func TestDocumentPath(t *testing.T) {
	c := qt.New(t)

	testcases := []struct {
		name     string
		filename string
		version  int32
		want     string
	}{
		{
			name:     "ok - plain name",
			filename: "report.pdf",
			version:  1,
			want:     "kb-6e362976-bfc1-4677-b761-dcc12495b5bd/document-f6f9f6ed-ab85-4753-9dbc-6dbd9a3818f3/v1/report.pdf",
		},
		{
			name:     "ok - unsafe characters",
			filename: "Q3 report (final).docx",
			version:  2,
			want:     "kb-6e362976-bfc1-4677-b761-dcc12495b5bd/document-f6f9f6ed-ab85-4753-9dbc-6dbd9a3818f3/v2/Q3_report_final_.docx",
		},
		{
			name:     "ok - directories are dropped",
			filename: "../../etc/passwd",
			version:  1,
			want:     "kb-6e362976-bfc1-4677-b761-dcc12495b5bd/document-f6f9f6ed-ab85-4753-9dbc-6dbd9a3818f3/v1/passwd",
		},
		{
			name:     "ok - empty name",
			filename: "",
			version:  1,
			want:     "kb-6e362976-bfc1-4677-b761-dcc12495b5bd/document-f6f9f6ed-ab85-4753-9dbc-6dbd9a3818f3/v1/content",
		},
	}

	for _, tc := range testcases {
		c.Run(tc.name, func(c *qt.C) {
			got := DocumentPath(kbUID, docUID, tc.version, tc.filename)
			c.Check(got, qt.Equals, tc.want)
			c.Check(ValidatePath(kbUID, got), qt.IsNil)
		})
	}
}

func TestParsedContentPath(t *testing.T) {
	c := qt.New(t)

	c.Check(ParsedContentPath(kbUID, docUID), qt.Equals,
		"kb-6e362976-bfc1-4677-b761-dcc12495b5bd/document-f6f9f6ed-ab85-4753-9dbc-6dbd9a3818f3/parsed-content.json")
}

func TestValidatePath(t *testing.T) {
	c := qt.New(t)

	other := uuid.FromStringOrNil("11111111-2222-3333-4444-555555555555")

	testcases := []struct {
		name string
		path string
	}{
		{name: "nok - empty", path: ""},
		{name: "nok - other knowledge base", path: DocumentPath(other, docUID, 1, "a.pdf")},
		{name: "nok - traversal", path: "kb-6e362976-bfc1-4677-b761-dcc12495b5bd/../secret"},
		{name: "nok - prefix only", path: "kb-6e362976-bfc1-4677-b761-dcc12495b5bd/"},
		{name: "nok - not clean", path: "kb-6e362976-bfc1-4677-b761-dcc12495b5bd//a.pdf"},
	}

	for _, tc := range testcases {
		c.Run(tc.name, func(c *qt.C) {
			c.Check(ValidatePath(kbUID, tc.path), qt.ErrorIs, ErrInvalidPath)
		})
	}
}
