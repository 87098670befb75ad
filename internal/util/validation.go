package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidateNotEmpty checks if a string is not empty and returns an error if it is.
//
// Example:
//
//	if err := util.ValidateNotEmpty(owner, "owner"); err != nil {
//	    return err
//	}
func ValidateNotEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

// MaxEndpointURLLength is the maximum allowed length for upstream endpoint URLs.
const MaxEndpointURLLength = 2048

// ValidateEndpointURL validates an upstream service URL from configuration.
// Only http, https, ws and wss URLs with a host are accepted.
func ValidateEndpointURL(rawURL, fieldName string) error {
	if len(rawURL) > MaxEndpointURLLength {
		return fmt.Errorf("%s exceeds maximum length of %d characters", fieldName, MaxEndpointURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", fieldName, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%s scheme %q is not allowed", fieldName, u.Scheme)
	}

	if u.Hostname() == "" {
		return errors.New(fieldName + " must have a hostname")
	}

	return nil
}
