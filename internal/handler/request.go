package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dailyvault/pkg/response"

	"github.com/go-playground/validator/v10"
)

const maxAccountBody = 16 << 10

// decodeValid reads a JSON body of at most limit bytes into dst and
// validates it. On failure it writes a 400 and reports false.
func decodeValid(w http.ResponseWriter, r *http.Request, limit int64, v *validator.Validate, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		response.BadRequest(w, "Invalid request body")
		return false
	}
	if err := v.Struct(dst); err != nil {
		response.BadRequest(w, validationMessage(err))
		return false
	}
	return true
}

// validationMessage lists the failing fields by their JSON names without
// echoing the submitted values.
func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "email":
			parts = append(parts, field+" must be a valid email")
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "alphanum":
			parts = append(parts, field+" must be letters and digits only")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
