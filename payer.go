package paygate

import (
	"encoding/base64"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// UnknownPayer is the sentinel payer identity used when the submitted
// transaction cannot be decoded. Payer derivation is best-effort and
// never aborts the payment flow.
const UnknownPayer = "unknown"

// DerivePayer extracts the payer identity from a base64-encoded signed
// transaction: the fee payer (first account when signatures are
// required), falling back to the first signer.
func DerivePayer(transactionBase64 string) string {
	raw, err := base64.StdEncoding.DecodeString(transactionBase64)
	if err != nil {
		return UnknownPayer
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return UnknownPayer
	}

	msg := tx.Message
	if msg.Header.NumRequiredSignatures > 0 && len(msg.AccountKeys) > 0 {
		return msg.AccountKeys[0].String()
	}
	if signers := msg.Signers(); len(signers) > 0 {
		return signers[0].String()
	}
	return UnknownPayer
}
