package items

import (
	"errors"
	"strings"
)

func (s *Service) validate(it Item) error {
	if it.CompanyID <= 0 {
		return errors.New("company is required")
	}
	if strings.TrimSpace(it.Code) == "" {
		return errors.New("item code is required")
	}
	if strings.TrimSpace(it.Name) == "" {
		return errors.New("item name is required")
	}
	if it.Cost.IsNegative() {
		return errors.New("item cost must be >= 0")
	}
	return nil
}
