package rest

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type pairingRequest struct {
	Loc string `json:"loc" validate:"required,max=128"`
	Tag string `json:"tag" validate:"required,max=128"`
}

type interestItem struct {
	InterestID int64   `json:"interest_id" validate:"gt=0"`
	Weight     float64 `json:"weight" validate:"gte=0"`
}

type interestsRequest struct {
	Interests []interestItem `json:"interests" validate:"max=256,dive"`
}

type deviceLogRequest struct {
	Error   bool   `json:"error"`
	Message string `json:"message" validate:"required,max=4096"`
}

// validationMeta maps field name to a short reason.
func validationMeta(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	meta := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		meta[fe.Field()] = formatFieldError(fe)
	}
	return meta
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return "is invalid"
	}
}
