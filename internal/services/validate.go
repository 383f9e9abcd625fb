package services

import "github.com/go-playground/validator/v10"

// validate is shared by every input struct in the package.
var validate = validator.New(validator.WithRequiredStructEnabled())
