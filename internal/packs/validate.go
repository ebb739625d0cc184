// SPDX-License-Identifier: MPL-2.0

package packs

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists every schema violation of a document.
type ValidationError struct {
	Subject string
	Errors  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s does not match schema: %s", e.Subject, strings.Join(e.Errors, "; "))
}

// Validate checks doc against a JSON schema object such as the one returned
// by Action.ParameterSchema. subject names the document in errors.
func Validate(subject string, schema map[string]any, doc any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate %s: %w", subject, err)
	}
	if result.Valid() {
		return nil
	}

	ve := &ValidationError{Subject: subject}
	for _, re := range result.Errors() {
		ve.Errors = append(ve.Errors, re.String())
	}
	return ve
}
