package domain

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DateLayout is the note key format, DD-MM-YYYY.
const DateLayout = "02-01-2006"

func ValidateDate(date string) error {
	if len(date) != len(DateLayout) {
		return ErrInvalidDate
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return ErrInvalidDate
	}
	return nil
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DateYear returns the year of a DD-MM-YYYY key, or 0 if malformed.
func DateYear(date string) int {
	if len(date) != len(DateLayout) {
		return 0
	}
	y, err := strconv.Atoi(date[6:])
	if err != nil {
		return 0
	}
	return y
}

// SortDates orders DD-MM-YYYY keys chronologically in place.
func SortDates(dates []string) {
	sort.Slice(dates, func(i, j int) bool {
		return calendarKey(dates[i]) < calendarKey(dates[j])
	})
}

func calendarKey(date string) string {
	if len(date) != len(DateLayout) {
		return date
	}
	return date[6:] + date[3:5] + date[0:2]
}

// RegisterValidators installs the custom tags used by request DTOs.
func RegisterValidators(v *validator.Validate) error {
	return v.RegisterValidation("daydate", func(fl validator.FieldLevel) bool {
		return ValidateDate(fl.Field().String()) == nil
	})
}

// NewValidator returns a validator with the custom tags registered. Field
// errors carry the JSON name of the field.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := RegisterValidators(v); err != nil {
		panic(err)
	}
	return v
}
