// Package serialno generates, validates and parses device serial numbers.
//
// A serial number is 16 characters: a 3 character model code, a hyphen, a 3
// character build level, a hyphen and an 8 digit unit number, for example
// BIO-CV1-00012345. Characters 1 to 8 are upper case alphanumerics or the
// separating hyphen, characters 9 to 16 are digits. The hyphens are part of
// the serial number and are sent to the device as is.
package serialno

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

const (
	Length     = 16
	ModelLen   = 3
	BuildLen   = 3
	UnitDigits = 8

	// MaxUnit is the largest unit number that fits in 8 digits.
	MaxUnit = 99999999

	separator = "-"
)

var (
	ErrInvalidField = errors.New("invalid serial number field")

	pattern = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[0-9]{8}$`)
	field   = regexp.MustCompile(`^[A-Z0-9]+$`)
)

// Builds are the known build levels, in release order.
var Builds = []string{"CV1", "CV2", "DV1", "DV2", "PV1", "PV2", "XXX"}

type SerialNumber string

func (s SerialNumber) String() string {
	return string(s)
}

// Parts are the fields a serial number is assembled from.
type Parts struct {
	Model string
	Build string
	Unit  uint64
}

// Generate assembles a serial number. The unit number is zero padded to 8 digits.
// The result is validated like any operator supplied serial number.
func Generate(modelCode, build string, unit uint64) (SerialNumber, error) {
	if err := checkField("model", modelCode, ModelLen); err != nil {
		return "", err
	}

	if err := checkField("build", build, BuildLen); err != nil {
		return "", err
	}

	if unit > MaxUnit {
		return "", errors.Wrapf(ErrInvalidField, "unit number %d has more than %d digits", unit, UnitDigits)
	}

	sn := fmt.Sprintf("%s%s%s%s%0*d", modelCode, separator, build, separator, UnitDigits, unit)
	if !Validate(sn) {
		return "", errors.Wrapf(ErrInvalidField, "assembled serial number %q", sn)
	}

	return SerialNumber(sn), nil
}

func checkField(name, value string, length int) error {
	if len(value) != length {
		return errors.Wrapf(ErrInvalidField, "%s %q must be %d characters", name, value, length)
	}

	if !field.MatchString(value) {
		return errors.Wrapf(ErrInvalidField, "%s %q must be upper case alphanumeric", name, value)
	}

	return nil
}

// Validate reports whether candidate is a well formed serial number. It is case sensitive.
func Validate(candidate string) bool {
	return len(candidate) == Length && pattern.MatchString(candidate)
}

// Parse splits a serial number into its fields.
func Parse(candidate string) (Parts, error) {
	if !Validate(candidate) {
		return Parts{}, errors.Wrapf(model.ErrInvalidSerialNumber, "%q", candidate)
	}

	fields := strings.Split(candidate, separator)

	unit, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Parts{}, errors.Wrapf(model.ErrInvalidSerialNumber, "%q: %s", candidate, err)
	}

	return Parts{Model: fields[0], Build: fields[1], Unit: unit}, nil
}

// FromParams resolves the serial number of an application run: a literal serial
// number takes precedence, otherwise it is generated from model, build and unit.
// Any failure is reported as model.ErrInvalidSerialNumber.
func FromParams(p *model.ApplicationParams) (SerialNumber, error) {
	if p.SerialNumber != "" {
		if !Validate(p.SerialNumber) {
			return "", errors.Wrapf(model.ErrInvalidSerialNumber,
				"%q does not match MMM-BBB-NNNNNNNN", p.SerialNumber)
		}

		return SerialNumber(p.SerialNumber), nil
	}

	sn, err := Generate(p.Model, p.Build, p.Unit)
	if err != nil {
		return "", errors.Wrap(model.ErrInvalidSerialNumber, err.Error())
	}

	return sn, nil
}

// KnownBuild reports whether build is one of the released build levels.
func KnownBuild(build string) bool {
	for _, b := range Builds {
		if b == build {
			return true
		}
	}

	return false
}
