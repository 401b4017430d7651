package custody

import (
	"errors"
	"fmt"

	"github.com/coldbell/custody/backend/internal/clock"
)

var (
	ErrOracleUnavailable = clock.ErrOracleUnavailable
	ErrSignalMismatch    = clock.ErrSignalMismatch
	ErrCorruptRecord     = errors.New("corrupt custody record")
	ErrArithmeticFault   = errors.New("arithmetic fault")
	ErrPolicyViolation   = errors.New("policy violation")
)

// Ordinary rejections. Every one of them is also an ErrPolicyViolation.
var (
	ErrTooEarly           = fmt.Errorf("%w: too early", ErrPolicyViolation)
	ErrTooLate            = fmt.Errorf("%w: too late", ErrPolicyViolation)
	ErrAlreadySettled     = fmt.Errorf("%w: already settled", ErrPolicyViolation)
	ErrValueTooLow        = fmt.Errorf("%w: value too low", ErrPolicyViolation)
	ErrUnauthorized       = fmt.Errorf("%w: unauthorized", ErrPolicyViolation)
	ErrExpired            = fmt.Errorf("%w: expired", ErrPolicyViolation)
	ErrInvalidInstruction = fmt.Errorf("%w: invalid instruction", ErrPolicyViolation)
	ErrAccountMismatch    = fmt.Errorf("%w: account mismatch", ErrPolicyViolation)
)

// Code is the stable numeric result surfaced to clients.
type Code uint32

const (
	CodeOK Code = 0

	CodeOracleUnavailable Code = 100
	CodeSignalMismatch    Code = 101
	CodeCorruptRecord     Code = 102
	CodeArithmeticFault   Code = 103
	CodeInternal          Code = 199

	CodePolicyViolation    Code = 200
	CodeTooEarly           Code = 201
	CodeTooLate            Code = 202
	CodeAlreadySettled     Code = 203
	CodeValueTooLow        Code = 204
	CodeUnauthorized       Code = 205
	CodeExpired            Code = 206
	CodeInvalidInstruction Code = 207
	CodeAccountMismatch    Code = 208
)

var codeOrder = []struct {
	err  error
	code Code
}{
	{ErrTooEarly, CodeTooEarly},
	{ErrTooLate, CodeTooLate},
	{ErrAlreadySettled, CodeAlreadySettled},
	{ErrValueTooLow, CodeValueTooLow},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrExpired, CodeExpired},
	{ErrInvalidInstruction, CodeInvalidInstruction},
	{ErrAccountMismatch, CodeAccountMismatch},
	{ErrPolicyViolation, CodePolicyViolation},
	{ErrOracleUnavailable, CodeOracleUnavailable},
	{ErrSignalMismatch, CodeSignalMismatch},
	{ErrCorruptRecord, CodeCorruptRecord},
	{ErrArithmeticFault, CodeArithmeticFault},
}

func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, entry := range codeOrder {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// Fatal separates defects and host failures from expected rejections.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrPolicyViolation)
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeOracleUnavailable:
		return "oracle_unavailable"
	case CodeSignalMismatch:
		return "signal_mismatch"
	case CodeCorruptRecord:
		return "corrupt_record"
	case CodeArithmeticFault:
		return "arithmetic_fault"
	case CodePolicyViolation:
		return "policy_violation"
	case CodeTooEarly:
		return "too_early"
	case CodeTooLate:
		return "too_late"
	case CodeAlreadySettled:
		return "already_settled"
	case CodeValueTooLow:
		return "value_too_low"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeExpired:
		return "expired"
	case CodeInvalidInstruction:
		return "invalid_instruction"
	case CodeAccountMismatch:
		return "account_mismatch"
	default:
		return "internal"
	}
}
