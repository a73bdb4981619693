package slp

import (
	"fmt"

	"lukechampine.com/uint128"
)

type ParseErrorKind int

const (
	DataError ParseErrorKind = iota + 1
	NoOutputs
	NoOpcodes
	MissingOpReturn
	NonPushOp
	DisallowedPush
	InvalidFieldSize
	InvalidDecimals
	InvalidMintBatonIdx
	Nft1ChildCannotHaveMintBaton
	Nft1ChildInvalidInitialQuantity
	Nft1ChildInvalidDecimals
	TooFewPushes
	TooFewPushesExact
	SuperfluousPushes
	InvalidLokadID
	InvalidTokenType
	InvalidTxType
)

// ParseError describes why output 0 is not a valid SLP message. Only the
// fields relevant to Kind are set.
type ParseError struct {
	Kind          ParseErrorKind
	Err           error
	Opcode        byte
	OpIdx         int
	FieldName     string
	ExpectedSizes []int
	Expected      uint64
	Actual        uint64
	Bytes         []byte
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case DataError:
		return fmt.Sprintf("failed parsing pushdata: %v", e.Err)
	case NoOutputs:
		return "tx has no outputs"
	case NoOpcodes:
		return "first must be OP_RETURN (0x6a), but got no opcodes"
	case MissingOpReturn:
		return fmt.Sprintf("first must be OP_RETURN (0x6a), but got 0x%02x", e.Opcode)
	case NonPushOp:
		return fmt.Sprintf("non-push op: 0x%02x at op %d", e.Opcode, e.OpIdx)
	case DisallowedPush:
		return fmt.Sprintf("disallowed push: 0x%02x at op %d", e.Opcode, e.OpIdx)
	case InvalidFieldSize:
		return fmt.Sprintf("field has invalid length: expected one of %v but got %d for field %s",
			e.ExpectedSizes, e.Actual, e.FieldName)
	case InvalidDecimals:
		return fmt.Sprintf("too many decimals, only max. 9 allowed, but got %d", e.Actual)
	case InvalidMintBatonIdx:
		return fmt.Sprintf("mint baton at invalid output index, must be between 2 and 255, but got %d", e.Actual)
	case Nft1ChildCannotHaveMintBaton:
		return "NFT1 child GENESIS cannot have mint baton"
	case Nft1ChildInvalidInitialQuantity:
		return fmt.Sprintf("invalid NFT1 child GENESIS initial quantity, expected 1 but got %d", e.Actual)
	case Nft1ChildInvalidDecimals:
		return fmt.Sprintf("invalid NFT1 child GENESIS decimals, expected 0 but got %d", e.Actual)
	case TooFewPushes:
		return fmt.Sprintf("too few pushes, expected at least %d but only got %d", e.Expected, e.Actual)
	case TooFewPushesExact:
		return fmt.Sprintf("too few pushes, expected exactly %d but only got %d", e.Expected, e.Actual)
	case SuperfluousPushes:
		return fmt.Sprintf("pushed superfluous data: expected at most %d pushes, but got %d", e.Expected, e.Actual)
	case InvalidLokadID:
		return fmt.Sprintf("invalid LOKAD ID: %x", e.Bytes)
	case InvalidTokenType:
		return fmt.Sprintf("token type has invalid length (1,2 != %d): %x", len(e.Bytes), e.Bytes)
	case InvalidTxType:
		return fmt.Sprintf("invalid tx type: %q", e.Bytes)
	}
	return "unknown SLP parse error"
}

func (e *ParseError) Unwrap() error { return e.Err }

// ShouldIgnore reports errors that mark a tx as not an SLP tx at all, as
// opposed to an invalid SLP tx.
func (e *ParseError) ShouldIgnore() bool {
	switch e.Kind {
	case DataError, NoOutputs, NoOpcodes, MissingOpReturn, InvalidLokadID:
		return true
	}
	return false
}

type VerifyErrorKind int

const (
	OutputSumExceedInputSum VerifyErrorKind = iota + 1
	HasNoNft1Group
	HasNoMintBaton
	WrongBurnTokenID
	WrongBurnMintBaton
	WrongBurnInvalidAmount
)

type VerifyError struct {
	Kind      VerifyErrorKind
	OutputSum uint128.Uint128
	InputSum  uint128.Uint128
	Expected  uint64
	Actual    uint128.Uint128
}

func (e *VerifyError) Error() string {
	switch e.Kind {
	case OutputSumExceedInputSum:
		return fmt.Sprintf("invalid SEND: output amounts (%s) exceed input amounts (%s)", e.OutputSum, e.InputSum)
	case HasNoNft1Group:
		return "invalid NFT1 child GENESIS: no group token"
	case HasNoMintBaton:
		return "invalid MINT: no baton"
	case WrongBurnTokenID:
		return "invalid BURN: burning the wrong token_id"
	case WrongBurnMintBaton:
		return "invalid BURN: burning MINT baton"
	case WrongBurnInvalidAmount:
		return fmt.Sprintf("invalid BURN: burning invalid amount, expected %d but got %s base tokens", e.Expected, e.Actual)
	}
	return "unknown SLP verify error"
}
