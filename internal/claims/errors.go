package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brandon/claim-intake/internal/raster"
)

// Failure is a recognized workflow failure that is reported to the sender.
// The set is closed: only the types in this file implement it.
type Failure interface {
	error
	failure()
}

// MissingDocumentsError means the paperwork says it is incomplete.
type MissingDocumentsError struct {
	Status  string
	Missing []string
}

func (e *MissingDocumentsError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("documents incomplete (%s)", e.Status)
	}
	return "documents incomplete, missing: " + strings.Join(e.Missing, ", ")
}

// MissingFieldsError means required fields could not be read from the documents.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// MemberNotFoundError means the member or plan does not exist.
type MemberNotFoundError struct {
	MemberNrc string
	Err       error
}

func (e *MemberNotFoundError) Error() string {
	return "member plan not found"
}

func (e *MemberNotFoundError) Unwrap() error { return e.Err }

// ConversionError means no attachment could be turned into an image.
type ConversionError struct {
	Conversions []raster.Conversion
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("no successful image conversions available for LLM processing (%d inputs failed)", len(e.Conversions))
}

// ExtractionError means the model could not be called or its answer could
// not be read.
type ExtractionError struct {
	Stage string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s extraction failed: %v", e.Stage, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IntegrationError means a call to an external system failed.
type IntegrationError struct {
	Service string
	Status  int
	Detail  json.RawMessage
	Err     error
}

func (e *IntegrationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed with status %d", e.Service, e.Status)
	}
	return fmt.Sprintf("%s failed: %v", e.Service, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

func (*MissingDocumentsError) failure() {}
func (*MissingFieldsError) failure()    {}
func (*MemberNotFoundError) failure()   {}
func (*ConversionError) failure()       {}
func (*ExtractionError) failure()       {}
func (*IntegrationError) failure()      {}

// AsFailure returns the workflow failure wrapped in err, if any.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
