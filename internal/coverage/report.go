package coverage

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

var (
	// ErrMalformedReport is returned when the report text is not well-formed XML.
	ErrMalformedReport = errors.New("malformed coverage report")
	// ErrInvalidCoverage is returned when line-rate is missing, non-numeric or outside [0,1].
	ErrInvalidCoverage = errors.New("invalid coverage value")
)

// Document is the decoded root element of a cobertura report.
type Document struct {
	XMLName      xml.Name
	Attrs        []xml.Attr `xml:",any,attr"`
	Version      string     `xml:"version,attr"`
	BranchRate   string     `xml:"branch-rate,attr"`
	LinesValid   string     `xml:"lines-valid,attr"`
	LinesCovered string     `xml:"lines-covered,attr"`
}

// Attr returns the raw value of a root attribute that has no named field.
func (d *Document) Attr(name string) (string, bool) {
	for _, a := range d.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Reader extracts the coverage percentage from a report on disk.
type Reader struct {
	path   string
	logger *zap.Logger
}

func NewReader(path string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{path: path, logger: logger}
}

// Load resolves the report path and reads it whole.
func (r *Reader) Load() (string, error) {
	abs, err := filepath.Abs(r.path)
	if err != nil {
		return "", fmt.Errorf("resolve report path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve report path: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	r.logger.Debug("report loaded", zap.String("path", resolved), zap.Int("bytes", len(data)))
	return string(data), nil
}

// Parse decodes raw as XML. The whole input must be a single well-formed document:
// one root element, with only whitespace, comments, processing instructions and a
// doctype around it. Non-UTF-8 encodings declared in the prolog are transcoded.
func Parse(raw string) (*Document, error) {
	dec := xml.NewDecoder(strings.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel

	var doc *Document
	for first := true; ; first = false {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if doc != nil {
				return nil, fmt.Errorf("%w: second root element <%s>", ErrMalformedReport, t.Name.Local)
			}
			doc = &Document{}
			if err := dec.DecodeElement(doc, &t); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
			}
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return nil, fmt.Errorf("%w: text outside the root element", ErrMalformedReport)
			}
		case xml.ProcInst:
			if t.Target == "xml" && !first {
				return nil, fmt.Errorf("%w: XML declaration not at start of document", ErrMalformedReport)
			}
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedReport)
	}
	return doc, nil
}

// xpathNumber matches what libxml2 accepts for XPath number(): a decimal with an
// optional leading minus and an optional exponent.
var xpathNumber = regexp.MustCompile(`^-?([0-9]+(\.[0-9]*)?|\.[0-9]+)([eE][+-]?[0-9]+)?$`)

// number coerces s the way XPath number() does: NaN for anything that is not a decimal.
func number(s string) float64 {
	s = strings.Trim(s, " \t\r\n")
	if !xpathNumber.MatchString(s) {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// FetchCoverage returns number(/coverage/@line-rate), which must lie in [0,1].
func FetchCoverage(doc *Document) (float64, error) {
	rate := math.NaN()
	if doc != nil && doc.XMLName.Space == "" && doc.XMLName.Local == "coverage" {
		if v, ok := doc.Attr("line-rate"); ok {
			rate = number(v)
		}
	}
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return 0, fmt.Errorf("%w: the coverage value is not a float in [0, 1]. Value is: %v", ErrInvalidCoverage, rate)
	}
	return rate, nil
}

// Percentage scales a line rate to a whole percentage, truncating toward zero.
func Percentage(rate float64) int {
	return int(rate * 100)
}

// Coverage reads, parses and validates the report and returns the percentage.
func (r *Reader) Coverage() (int, error) {
	raw, err := r.Load()
	if err != nil {
		return 0, err
	}
	doc, err := Parse(raw)
	if err != nil {
		return 0, err
	}
	rate, err := FetchCoverage(doc)
	if err != nil {
		return 0, err
	}
	pct := Percentage(rate)
	r.logger.Info("coverage read",
		zap.Float64("line_rate", rate),
		zap.Int("percent", pct),
		zap.String("branch_rate", doc.BranchRate),
		zap.String("lines_covered", doc.LinesCovered),
		zap.String("lines_valid", doc.LinesValid),
	)
	return pct, nil
}
