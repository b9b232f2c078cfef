package securestore

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrAbsent means no record was ever stored under the name.
	ErrAbsent = errors.New("securestore: record absent")

	// ErrTampered is matched by every *TamperError.
	ErrTampered = errors.New("securestore: record tampered")

	// ErrCorrupted means the record passed its tamper checks but does not
	// decrypt under the given machine key.
	ErrCorrupted = errors.New("securestore: record not decryptable with this key")

	// ErrUnavailable wraps I/O and marker-backend failures.
	ErrUnavailable = errors.New("securestore: storage unavailable")

	// ErrConfiguration covers invalid names and empty machine keys.
	ErrConfiguration = errors.New("securestore: invalid configuration")
)

// TamperKind says which integrity check failed.
type TamperKind string

const (
	// TamperMarkerSet: the marker set itself failed its witness.
	TamperMarkerSet TamperKind = "marker-set"
	// TamperDeletion: markers say the record exists but the slot is empty.
	TamperDeletion TamperKind = "deletion"
	// TamperModification: the stored bytes no longer match their fingerprint.
	TamperModification TamperKind = "modification"
)

// TamperError reports a detected tamper on one record.
type TamperError struct {
	Namespace string
	Name      string
	Kind      TamperKind
	Err       error
}

func (e *TamperError) Error() string {
	msg := fmt.Sprintf("securestore: %s/%s tampered (%s)", e.Namespace, e.Name, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrTampered) true.
func (e *TamperError) Is(target error) bool {
	return target == ErrTampered
}

func (e *TamperError) Unwrap() error {
	return e.Err
}

// Outcome is the tagged result of a load.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeAbsent
	OutcomeTampered
	OutcomeCorrupted
	OutcomeUnavailable
	OutcomeConfigurationError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeAbsent:
		return "absent"
	case OutcomeTampered:
		return "tampered"
	case OutcomeCorrupted:
		return "corrupted"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeConfigurationError:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this package to its Outcome. Tampered
// takes precedence over every other class.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrTampered):
		return OutcomeTampered
	case errors.Is(err, ErrAbsent):
		return OutcomeAbsent
	case errors.Is(err, ErrCorrupted):
		return OutcomeCorrupted
	case errors.Is(err, ErrConfiguration):
		return OutcomeConfigurationError
	default:
		return OutcomeUnavailable
	}
}
