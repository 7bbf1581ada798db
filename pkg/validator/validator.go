// Package validator registers the queue's custom validation tags on the
// validator/v10 engine that gin uses for request binding.
package validator

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/opd-queue/pkg/slottime"
)

var once sync.Once

// New returns a standalone validator with the custom tags registered.
func New() *validator.Validate {
	v := validator.New()
	configure(v)
	return v
}

// RegisterGin installs the custom tags on gin's default binding engine. Safe to
// call more than once.
func RegisterGin() {
	once.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			configure(v)
		}
	})
}

func configure(v *validator.Validate) {
	// slot_label accepts "10:30 AM" style slot labels.
	_ = v.RegisterValidation("slot_label", func(fl validator.FieldLevel) bool {
		return slottime.Valid(fl.Field().String())
	})

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}
