package httputil

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var tagMessages = map[string]string{
	"required":   "is required",
	"uuid":       "must be a valid id",
	"slot_label": "must be a time label such as 10:30 AM",
	"email":      "must be a valid email",
}

// ValidationMessage renders validator errors as "field message; field message".
// Other errors (malformed JSON) are reported as an invalid body.
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return "invalid request body"
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = fmt.Sprintf("failed %s validation", fe.Tag())
		}
		parts = append(parts, fe.Field()+" "+msg)
	}
	return strings.Join(parts, "; ")
}
