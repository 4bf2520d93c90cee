package util

import (
	"regexp"
)

var (
	codeRegex  = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)
	tokenRegex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

func IsValidDeviceCode(s string) bool {
	return codeRegex.MatchString(s)
}

func IsValidPollToken(s string) bool {
	return tokenRegex.MatchString(s)
}

func IsValidEnum(value string, validValues []string) bool {
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
