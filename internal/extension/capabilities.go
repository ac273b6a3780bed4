package extension

import (
	"fmt"
	"slices"
)

// Capabilities lists the non-default extension types a key package
// advertises support for.
func Capabilities() []uint16 {
	return []uint16{TypeLastResort, Type}
}

// RequiredCapabilities lists the extension types every group member must
// support.
func RequiredCapabilities() []uint16 {
	return []uint16{Type}
}

// CheckRequired reports an error naming the first required extension type
// missing from advertised.
func CheckRequired(advertised, required []uint16) error {
	for _, t := range required {
		if !slices.Contains(advertised, t) {
			return fmt.Errorf("required extension 0x%04X is not advertised", t)
		}
	}
	return nil
}

// MustRequiredCapabilities returns RequiredCapabilities after checking it
// against Capabilities. A mismatch is a build error in this package and
// panics.
func MustRequiredCapabilities() []uint16 {
	required := RequiredCapabilities()
	if err := CheckRequired(Capabilities(), required); err != nil {
		panic(err)
	}
	return required
}

// TagValues renders extension types for the mls_extensions tag of a key
// package event.
func TagValues(types []uint16) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = fmt.Sprintf("0x%04x", t)
	}
	return out
}
